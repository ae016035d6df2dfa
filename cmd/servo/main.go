package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "servo",
		Short:         "servo orchestrates a registry of long-running services",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	for _, action := range []string{"start", "stop", "restart", "reset-circuit"} {
		root.AddCommand(newActionCmd(action))
	}
	root.AddCommand(newRegistryCmd())
	root.AddCommand(newKillCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newRestartAllCmd())
	return root
}
