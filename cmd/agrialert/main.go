// Command agrialert runs the alert service: REST and websocket intake,
// condition checks and multi-channel delivery.
//
//	agrialert serve --config agrialert.yaml
//	agrialert check --config agrialert.yaml
//	agrialert migrate --config agrialert.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "agrialert",
		Short:        "Agricultural alert triggering and notification delivery",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to config file (.json, .yaml)")

	root.AddCommand(
		buildServeCmd(&cfgPath),
		buildCheckCmd(&cfgPath),
		buildMigrateCmd(&cfgPath),
		buildValidateCmd(&cfgPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), cmd.Root().Version)
			},
		},
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("AGRIALERT_CONFIG"); p != "" {
		return p
	}
	return "./config.yaml"
}
