package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/eventgate/internal/config"
)

type rootOptions struct {
	configPath string
	apiBaseURL string
	token      string
	timeout    time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	defaultConfig := os.Getenv("CONFIG_PATH")
	if strings.TrimSpace(defaultConfig) == "" {
		defaultConfig = config.DefaultConfigPath
	}

	cmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operate an eventgate gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfig, "Path to config.toml")
	flags.StringVar(&opts.apiBaseURL, "api-url", "", "Gateway base URL (e.g. http://127.0.0.1:8080)")
	flags.StringVar(&opts.token, "token", os.Getenv("EVENTGATE_TOKEN"), "JWT token (or set EVENTGATE_TOKEN); minted from the config secret when empty")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	cmd.AddCommand(
		newPublishCommand(opts),
		newTokenCommand(opts),
		newStatsCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func normalizeBaseURL(value string) string {
	return strings.TrimRight(strings.TrimSpace(value), "/")
}

func defaultAPIBaseURL(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return normalizeBaseURL(trimmed)
	}
	if strings.HasPrefix(trimmed, ":") {
		return "http://127.0.0.1" + trimmed
	}
	return "http://" + trimmed
}
