package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pagewatch/internal/browser"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration %s is valid\n", opts.configFile)
			fmt.Fprintf(out, "  driver:   %s\n", cfg.Browser.Driver)
			fmt.Fprintf(out, "  database: %s\n", cfg.Database.Path)
			fmt.Fprintf(out, "  notify:   %v\n", cfg.Notifications.Enabled && cfg.Notifications.Pushover.Enabled)

			rulesPerTarget := make(map[string]int)
			for _, r := range cfg.Rules {
				rulesPerTarget[r.Target]++
			}

			targets := cfg.Targets
			sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
			fmt.Fprintf(out, "  targets:  %d\n", len(targets))
			for _, t := range targets {
				state := "enabled"
				if t.Enabled != nil && !*t.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "    %-20s every %-8s %d rule(s), %s, session %s\n",
					t.ID, t.Interval, rulesPerTarget[t.ID], state, t.Session)
			}
			fmt.Fprintf(out, "  rules:    %d\n", len(cfg.Rules))
			return nil
		},
	}
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a visible browser and save the session cookies",
		Long: `login opens a visible Chrome window at --url. Sign in by hand, then
press Enter in this terminal to save the browser's cookies to
browser.cookies_file. Both drivers restore the snapshot on start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
				return fmt.Errorf("login needs an interactive terminal to confirm sign-in")
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			browserCfg := cfg.Browser
			browserCfg.Driver = "chrome"
			browserCfg.Headless = false

			driver, err := browser.NewChromeDriver(browserCfg)
			if err != nil {
				return err
			}
			defer driver.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			err = driver.OpenLogin(ctx, url)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", url, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sign in at %s, then press Enter to save cookies...", url)
			if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}

			ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := driver.SaveCookies(ctx)
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"cookies": n,
				"file":    browserCfg.CookiesFile,
			}).Info("Saved cookie snapshot")
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Login page to open")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
