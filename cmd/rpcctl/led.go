package main

import (
	"github.com/nuclio/errors"
	"github.com/spf13/cobra"
)

type ledCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *RootCommandeer
}

func newLEDCommandeer(rootCommandeer *RootCommandeer) *ledCommandeer {
	commandeer := &ledCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:       "led on|off",
		Short:     "Switch the built-in LED of the board",
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("LED requires on or off")
			}

			state, err := ledParam(args[0])
			if err != nil {
				return err
			}

			if err := rootCommandeer.initialize(); err != nil {
				return errors.Wrap(err, "Failed to initialize root")
			}

			return invoke(cmd.Context(), rootCommandeer, "set_builtin_led", state)
		},
	}

	commandeer.cmd = cmd
	return commandeer
}

func ledParam(state string) (int, error) {
	switch state {
	case "on":
		return 1, nil
	case "off":
		return 0, nil
	}
	return 0, errors.Errorf("Unknown LED state %q, must be on or off", state)
}
