package main

import (
	"github.com/spf13/cobra"

	"github.com/alxayo/go-moqrelay/internal/logger"
)

var version = "dev"

// globalFlags holds persistent flags shared by every subcommand.
type globalFlags struct {
	logLevel   string
	configPath string
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}

	root := &cobra.Command{
		Use:     "moq-relay",
		Short:   "Real-time media transport relay and origin node",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Init()
			return logger.SetLevel(gf.logLevel)
		},
	}

	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&gf.configPath, "config", "", "Path to a YAML global-context config file")

	root.AddCommand(newServeCmd(gf))
	root.AddCommand(newPullCmd(gf))
	return root
}
