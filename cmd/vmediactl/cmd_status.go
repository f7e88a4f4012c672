package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(systemBus *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <slot>",
		Short: "Show a slot's current lifecycle properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, *systemBus, args[0])
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command, systemBus bool, slotName string) error {
	conn, err := connectBus(systemBus)
	if err != nil {
		return fmt.Errorf("vmediactl: connect: %w", err)
	}
	defer conn.Close()

	props, err := getSlotProperties(cmd.Context(), conn, slotName)
	if err != nil {
		return err
	}

	t := newStyledTable()
	t.AppendHeader(tableRow("field", "value"))
	t.AppendRow(tableRow("slot", slotName))
	t.AppendRow(tableRow("state", activeBadge(props.Active)))
	t.AppendRow(tableRow("exit code", props.ExitCode))
	t.AppendRow(tableRow("device", "/dev/"+props.Device))
	if props.EndpointID != "" {
		t.AppendRow(tableRow("endpoint id", props.EndpointID))
	}
	t.AppendRow(tableRow("socket", props.Socket))
	if props.ImageURL != "" {
		t.AppendRow(tableRow("image url", props.ImageURL))
	}
	t.AppendRow(tableRow("write protected", props.WriteProtected))
	t.AppendRow(tableRow("timeout", time.Duration(props.TimeoutMillis)*time.Millisecond))
	t.Render()
	return nil
}
