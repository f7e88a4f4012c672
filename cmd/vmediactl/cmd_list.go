package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fenio/vmediad/pkg/config"
)

func newListCmd(systemBus *bool) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every configured slot with its current status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, *systemBus, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "/etc/vmediad/vmediad.yaml", "Path to the slot configuration file")
	return cmd
}

func runList(cmd *cobra.Command, systemBus bool, configPath string) error {
	slots, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("vmediactl: load config: %w", err)
	}

	conn, err := connectBus(systemBus)
	if err != nil {
		return fmt.Errorf("vmediactl: connect: %w", err)
	}
	defer conn.Close()

	t := newStyledTable()
	t.AppendHeader(tableRow("slot", "mode", "state", "device", "image url"))
	for _, cfg := range slots {
		props, propsErr := getSlotProperties(cmd.Context(), conn, cfg.Name)
		if propsErr != nil {
			t.AppendRow(tableRow(cfg.Name, cfg.Mode, colorError.Sprint("unreachable"), cfg.NBDDevice, ""))
			continue
		}
		t.AppendRow(tableRow(cfg.Name, cfg.Mode, activeBadge(props.Active), "/dev/"+props.Device, props.ImageURL))
	}
	t.Render()
	return nil
}
