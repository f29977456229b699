package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/chat-relay/internal/config"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Streaming chat relay in front of several AI backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML overlay for routing rules and model catalogs (default $CONFIG_FILE)")

	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newTokenCmd())
	return root
}

func loadConfig() (config.Config, error) {
	return config.LoadWithFile(configPath)
}
