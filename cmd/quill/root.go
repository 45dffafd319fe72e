package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/quill/internal/api"
	"github.com/jackzampolin/quill/internal/config"
	"github.com/jackzampolin/quill/version"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string

	cfgManager *config.Manager
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Expand heading outlines into long-form documents with an LLM",
	Long: `Quill expands a heading-structured document by generating long-form
body text for every heading at a chosen depth.

Sections are generated concurrently with per-error-kind retries, every
finished section is checkpointed, and an interrupted run resumes where it
stopped. Output is one artifact file per section plus a merged document
with each body placed under its heading in source order.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.quill/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "text", "output format: text, yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)",
	)

	// Load config and set up logging before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := api.SetOutputFormat(outputFormat); err != nil {
			return err
		}

		mgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfgManager = mgr

		cfg := mgr.Get()
		level := cfg.Log.Level
		if logLevel != "" {
			level = logLevel
		}
		logger, err = newLogger(cmd.ErrOrStderr(), level, cfg.Log.Format)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		mgr.SetLogger(logger)
		return nil
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(headingsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(configCmd)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
