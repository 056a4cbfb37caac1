// Command stepflow runs the workflow engine: the HTTP panel with REST, SSE,
// metrics and MCP over SSE (serve), the MCP stdio server (mcp), and offline
// definition tooling (validate, diagram).
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/logging"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/stepflow/
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "stepflow",
		Short:         "stepflow: declarative workflow engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: stepflow.yaml in ., ~/.stepflow, /etc/stepflow)")

	cfgFn := func() (*Config, error) { return loadConfig(configPath) }

	rootCmd.AddCommand(
		newServeCmd(cfgFn),
		newMCPCmd(cfgFn),
		newValidateCmd(),
		newDiagramCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// newLogger builds the process logger. Logs always go to w, never stdout,
// so the stdio MCP transport stays clean.
func newLogger(w io.Writer, cfg *Config) (*slog.Logger, error) {
	logger, err := logging.New(w, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
