// Command cell0 is the kernel harness: it boots a Kernel, drives its
// timer ticks, and offers offline boot-image verification and status
// inspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "cell0",
		Short: "cell0 kernel harness",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (defaults built in if omitted)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVerifyImageCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
