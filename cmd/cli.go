// Package cmd parses the command line into the options main needs before
// the dependency graph is built.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Command values set by ParseArgs.
const (
	CommandRun     = "run"
	CommandDevices = "devices"
)

// Options carries the parsed command line. Command stays empty on the help
// and completion paths, where main should exit without starting anything.
type Options struct {
	ConfigPath string
	LogLevel   string
	Command    string
}

// ParseArgs parses os.Args and returns the resulting options.
func ParseArgs() (*Options, error) {
	opts := &Options{}

	rootCmd := &cobra.Command{
		Use:           "liveagent",
		Short:         "Real-time conversational agent client",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Command = CommandRun

			return nil
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List the host audio devices and exit",
		Run: func(cmd *cobra.Command, args []string) {
			opts.Command = CommandDevices
		},
	}
	rootCmd.AddCommand(devicesCmd)

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml",
		"Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return nil, err
	}

	return opts, nil
}
