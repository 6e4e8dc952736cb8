// Command qtel runs the telemetry agent and inspects its local state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/qtel"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	config    string
	appID     string
	apiKey    string
	baseURL   string
	dataDir   string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "qtel",
		Short: "Device telemetry agent",
		Long: `qtel registers this device with the control plane, then streams events
read from stdin to the message broker within the device's usage quota.

Example:
  sensor-reader | qtel run --config /etc/qtel.yaml --metrics-addr :9102`,
		SilenceUsage: true,
	}
	f := root.PersistentFlags()
	f.StringVarP(&g.config, "config", "c", "", "Path to configuration file (YAML)")
	f.StringVar(&g.appID, "app-id", "", "Application id, overrides the config file")
	f.StringVar(&g.apiKey, "api-key", "", "Control plane API key, overrides the config file")
	f.StringVar(&g.baseURL, "base-url", "", "Control plane base URL, overrides the config file")
	f.StringVar(&g.dataDir, "data-dir", "", "Data directory, overrides the config file")
	f.StringVarP(&g.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	f.StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(newRunCmd(g), newIdentityCmd(g), newUsageCmd(g))
	return root
}

// load builds the configuration and logger. Flags override the file.
func (g *globalFlags) load() (qtel.Config, *slog.Logger, error) {
	cfg := qtel.DefaultConfig()
	if g.config != "" {
		var err error
		cfg, err = qtel.LoadConfig(g.config)
		if err != nil {
			return cfg, nil, err
		}
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.AppID, g.appID)
	override(&cfg.APIKey, g.apiKey)
	override(&cfg.BaseURL, g.baseURL)
	override(&cfg.DataDir, g.dataDir)
	override(&cfg.Log.Level, g.logLevel)
	override(&cfg.Log.Format, g.logFormat)

	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	log, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}
