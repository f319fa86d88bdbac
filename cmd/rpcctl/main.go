package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommandeer().cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
