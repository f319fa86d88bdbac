package main

import (
	"fmt"
	"serial-rpc/transport"

	"github.com/nuclio/errors"
	"github.com/spf13/cobra"
)

type portsCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *RootCommandeer
}

func newPortsCommandeer(rootCommandeer *RootCommandeer) *portsCommandeer {
	commandeer := &portsCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List the serial ports of this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.ListSerialPorts()
			if err != nil {
				return errors.Wrap(err, "Failed to list ports")
			}

			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
				return nil
			}
			for _, port := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), port)
			}
			return nil
		},
	}

	commandeer.cmd = cmd
	return commandeer
}
