package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/YigremTamiru/cell0-os/internal/kernel"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "dump current kernel stats as JSON",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}
	defer k.Close()

	snap := k.Snapshot()
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
