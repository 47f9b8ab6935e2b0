package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mohaanymo/mpdecrypt/internal/config"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	headers    []string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "mpdecrypt",
		Short:         "Download and decrypt CENC-protected DASH streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringArrayVarP(&g.headers, "header", "H", nil, `Custom HTTP header "Name: value" (repeatable)`)

	rootCmd.AddCommand(newDownloadCommand(g))
	rootCmd.AddCommand(newListCommand(g))
	rootCmd.AddCommand(newBatchCommand(g))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// loadConfig reads the config file and environment, then applies the
// global flags on top.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	headers, err := parseHeaders(g.headers)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		cfg.Headers[k] = v
	}
	return cfg, nil
}

func parseHeaders(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, h := range values {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q (expected \"Name: value\")", h)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

// interactive reports whether stdout is a terminal that can host the TUI.
func interactive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newLogger(cfg *config.Config, quiet bool) logger.Logger {
	if quiet {
		return logger.NewNop()
	}
	return logger.New(cfg.LogLevel, "mpdecrypt")
}
