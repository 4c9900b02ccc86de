// Package cmd implements the strand CLI: read-only inspection of persisted
// agents and their event logs.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/agent"
	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/store"
	"github.com/strandlabs/strand/store/file"
	"github.com/strandlabs/strand/store/pg"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "strand",
	Short: "strand — stateful agent runtime",
	Long:  "Strand runs LLM agents with durable state: transcripts, tool call audit trails and a replayable event log. The CLI inspects what the runtime persisted.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $STRAND_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strand %s\n", agent.Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return os.Getenv("STRAND_CONFIG")
}

// loadConfig reads the config file when one is set; a missing or unset path
// yields defaults plus environment overrides.
func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// openStore builds the configured backend. The returned func closes it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "pg":
		st, err := pg.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		st, err := file.New(expandHome(cfg.Store.Dir))
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
