// cmd/pagewatch-probe/main.go - Read a selector once and print a target stanza
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pagewatch/internal/browser"
	"pagewatch/internal/config"
	"pagewatch/internal/monitoring"
)

type probeOptions struct {
	selectorType string
	driver       string
	name         string
	interval     time.Duration
	session      string
	configFile   string
	output       string
	timeout      time.Duration
	headless     bool
	verbose      bool
}

func main() {
	if err := newProbeCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newProbeCmd() *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "pagewatch-probe URL SELECTOR",
		Short: "Test a selector against a page and print a target definition",
		Long: `pagewatch-probe fetches URL once, resolves SELECTOR and prints the value
it would monitor, followed by a YAML target stanza ready to paste into
the configuration.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd.Context(), cmd.OutOrStdout(), opts, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.selectorType, "type", "t", "css", "Selector type: css, id, class, name, tag or xpath")
	flags.StringVarP(&opts.driver, "driver", "d", "", "Browser driver: chrome or http (default from config, else http)")
	flags.StringVarP(&opts.name, "name", "n", "", "Target name for the generated stanza")
	flags.DurationVarP(&opts.interval, "interval", "i", 5*time.Minute, "Poll interval for the generated stanza")
	flags.StringVar(&opts.session, "session", "", "Shared session name for the generated stanza (default: private)")
	flags.StringVarP(&opts.configFile, "config", "c", "", "Take browser settings from this configuration file")
	flags.StringVarP(&opts.output, "output", "o", "", "Also write the stanza to this file")
	flags.DurationVar(&opts.timeout, "timeout", 45*time.Second, "Fetch timeout")
	flags.BoolVar(&opts.headless, "headless", true, "Run Chrome headless")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	return cmd
}

func probe(ctx context.Context, out io.Writer, opts *probeOptions, url, selector string) error {
	if opts.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	browserCfg, err := browserConfig(opts)
	if err != nil {
		return err
	}

	stanza := config.TargetConfig{
		Name:         opts.name,
		URL:          url,
		Selector:     selector,
		SelectorType: opts.selectorType,
		Interval:     opts.interval,
		Session:      opts.session,
	}
	if stanza.Name == "" {
		stanza.ID = "probe"
	}

	target := stanza.ToTarget()
	if target.ID == "" {
		target.ID = "probe"
	}
	if err := config.ValidateTarget(&target); err != nil {
		return err
	}

	driver, err := browser.New(browserCfg)
	if err != nil {
		return err
	}
	defer driver.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	session, err := driver.Session(ctx, target.SessionName())
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	start := time.Now()
	value, err := driver.Fetch(ctx, session, &target)
	if err != nil {
		return fmt.Errorf("probe failed (%s): %w", monitoring.FetchErrorKindOf(err), err)
	}

	fmt.Fprintf(out, "Value (%s via %s driver): %q\n\n", time.Since(start).Round(time.Millisecond), browserCfg.Driver, value)

	data, err := yaml.Marshal(map[string][]config.TargetConfig{"targets": {stanza}})
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	out.Write(data)

	if opts.output != "" {
		header := fmt.Sprintf("# Generated by pagewatch-probe on %s\n# Last value: %q\n\n",
			time.Now().Format("2006-01-02 15:04:05"), value)
		if err := os.WriteFile(opts.output, append([]byte(header), data...), 0644); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		fmt.Fprintf(out, "\nStanza written to: %s\n", opts.output)
	}
	return nil
}

func browserConfig(opts *probeOptions) (config.BrowserConfig, error) {
	var cfg *config.Config
	var err error
	if opts.configFile != "" {
		cfg, err = config.Load(opts.configFile)
	} else {
		cfg, err = config.Parse([]byte("browser:\n  driver: http\n"))
	}
	if err != nil {
		return config.BrowserConfig{}, err
	}

	browserCfg := cfg.Browser
	if opts.driver != "" {
		browserCfg.Driver = opts.driver
	}
	browserCfg.Headless = opts.headless
	return browserCfg, nil
}
