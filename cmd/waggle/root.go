package main

import (
	"os"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/waggle/pkg/config"
	"tarun-kavipurapu/waggle/pkg/logger"
)

var (
	configPath string
	logFile    string
	logLevel   string

	// loaded is filled before any subcommand runs.
	loaded *config.File
)

var rootCmd = &cobra.Command{
	Use:   "waggle",
	Short: "Hybrid HTTP/peer chunk delivery",
	Long: `waggle fetches a file over HTTP range requests while peers in the same
room share the chunks they already have with each other.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		f, err := config.Load(configPath)
		if err != nil {
			return err
		}
		loaded = f
		return nil
	},
}

// setupLogging applies the flag values over the section's settings.
func setupLogging(cmd *cobra.Command, file, level string) error {
	if cmd.Flags().Changed("log-file") {
		file = logFile
	}
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	return logger.Setup(file, level)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to waggle.toml")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}
