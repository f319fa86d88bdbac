package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nuclio/errors"
	"github.com/spf13/cobra"
)

type callCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *RootCommandeer
}

func newCallCommandeer(rootCommandeer *RootCommandeer) *callCommandeer {
	commandeer := &callCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "call method [param...]",
		Short: "Call a method and print its result",
		Long: `Call a method and print its result.

Each param that is valid JSON is sent as is (1, true, [1,2]); anything else is sent as a string.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return errors.New("Call requires a method name")
			}

			if err := rootCommandeer.initialize(); err != nil {
				return errors.Wrap(err, "Failed to initialize root")
			}

			return invoke(cmd.Context(), rootCommandeer, args[0], parseParams(args[1:])...)
		},
	}

	commandeer.cmd = cmd
	return commandeer
}

// parseParams keeps JSON literals and quotes everything else.
func parseParams(args []string) []any {
	params := make([]any, 0, len(args))
	for _, arg := range args {
		if json.Valid([]byte(arg)) {
			params = append(params, json.RawMessage(arg))
			continue
		}
		params = append(params, arg)
	}
	return params
}

// invoke runs one call and prints "method: result".
func invoke(ctx context.Context, rc *RootCommandeer, method string, params ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := rc.createClient(ctx)
	if err != nil {
		return errors.Wrap(err, "Failed to create client")
	}
	defer c.Close() // nolint: errcheck

	result, err := c.Call(ctx, method, params...)
	if err != nil {
		return errors.Wrapf(err, "Failed to execute %s", method)
	}

	fmt.Fprintf(rc.cmd.OutOrStdout(), "%s: %s\n", method, result)
	return nil
}
