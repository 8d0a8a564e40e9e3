package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pagewatch/internal/config"
	"pagewatch/internal/web"
)

type rootOptions struct {
	configFile string
	verbosity  int
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "pagewatch",
		Short: "Watch elements on web pages and act when they change",
		Long: `pagewatch polls elements on web pages, evaluates rules against their
values and, when a rule matches, navigates, clicks and sends notifications.`,
		Version:       web.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("no command specified")
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().CountVarP(&opts.verbosity, "verbose", "v", "Increase verbosity (-v DEBUG, -vv TRACE)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newLoginCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads the configuration and applies its logging section.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging, o.verbosity)
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig, verbosity int) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	switch {
	case verbosity >= 2:
		level = logrus.TraceLevel
	case verbosity == 1 && level < logrus.DebugLevel:
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := web.ReadBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "pagewatch version %s\n", info.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", info.GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", info.BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  go:     %s %s/%s\n", info.GoVersion, info.GoOS, info.GoArch)
		},
	}
}
