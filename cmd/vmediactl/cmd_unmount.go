package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnmountCmd(systemBus *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unmount <slot>",
		Short: "Unmount a slot, tearing down its gadget and NBD endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnmount(cmd, *systemBus, args[0])
		},
	}
	return cmd
}

func runUnmount(cmd *cobra.Command, systemBus bool, slotName string) error {
	conn, err := connectBus(systemBus)
	if err != nil {
		return fmt.Errorf("vmediactl: connect: %w", err)
	}
	defer conn.Close()

	accepted, err := callUnmount(cmd.Context(), conn, slotName)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("vmediactl: %s rejected Unmount", slotName)
	}
	fmt.Println(colorSuccess.Sprintf("unmount accepted for %s", slotName))
	return nil
}
