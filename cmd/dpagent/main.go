// dpagent is the collector agent: it leases tasks from the coordinator and
// executes them against the merchant portal through a pool of headless
// Chrome sessions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dpagent/internal/config"
	"dpagent/internal/daemon"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dpagent",
		Short:         "merchant portal collector agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")

	var (
		headless bool
		devMode  bool
		logLevel string
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "run the agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = headless
			}
			if devMode {
				cfg.Tasks.DevMode = true
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			return d.Run(context.Background())
		},
	}
	run.Flags().BoolVar(&headless, "headless", true, "run Chrome headless")
	run.Flags().BoolVar(&devMode, "dev", false, "ignore the work window, lease around the clock")
	run.Flags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	ver := &cobra.Command{
		Use:   "version",
		Short: "print the agent version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "dpagent", version)
		},
	}

	root.AddCommand(run, ver)
	return root
}
