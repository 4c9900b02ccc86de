package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/agent"
	"github.com/strandlabs/strand/store/pg"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration and store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("strand doctor")
			fmt.Printf("  Version:  %s\n", agent.Version)
			fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Printf("  Go:       %s\n", runtime.Version())
			fmt.Println()

			cfgPath := resolveConfigPath()
			if cfgPath == "" {
				fmt.Println("  Config:   (defaults + environment)")
			} else if _, err := os.Stat(cfgPath); err != nil {
				fmt.Printf("  Config:   %s (NOT FOUND)\n", cfgPath)
			} else {
				fmt.Printf("  Config:   %s (OK)\n", cfgPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				fmt.Printf("  Config load error: %s\n", err)
				return nil
			}

			fmt.Println()
			fmt.Println("  Store:")
			fmt.Printf("    %-10s %s\n", "Backend:", cfg.Store.Backend)
			switch cfg.Store.Backend {
			case "pg":
				doctorPg(cmd, cfg.Store.DSN)
			default:
				doctorFileStore(expandHome(cfg.Store.Dir))
			}
			return nil
		},
	}
}

func doctorPg(cmd *cobra.Command, dsn string) {
	st, err := pg.New(cmd.Context(), dsn)
	if err != nil {
		fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer st.Close()
	if err := st.Ping(cmd.Context()); err != nil {
		fmt.Printf("    %-10s PING FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-10s OK\n", "Status:")
	ids, err := st.List(cmd.Context(), "")
	if err == nil {
		fmt.Printf("    %-10s %d\n", "Agents:", len(ids))
	}
}

// doctorFileStore reports agents plus any write-ahead residue: .wal files
// mean a flush was pending when the last process exited (they replay on next
// open), .corrupted files are quarantined writes that need a human look.
func doctorFileStore(dir string) {
	fmt.Printf("    %-10s %s\n", "Dir:", dir)
	if _, err := os.Stat(dir); err != nil {
		fmt.Printf("    %-10s NOT FOUND\n", "Status:")
		return
	}

	var agents, wals, corrupted int
	var corruptedPaths []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if filepath.Dir(path) == dir {
				agents++
			}
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".wal"):
			wals++
		case strings.Contains(path, ".corrupted"):
			corrupted++
			corruptedPaths = append(corruptedPaths, path)
		}
		return nil
	})

	fmt.Printf("    %-10s OK\n", "Status:")
	fmt.Printf("    %-10s %d\n", "Agents:", agents)
	fmt.Printf("    %-10s %d (replayed on next open)\n", "WAL files:", wals)
	fmt.Printf("    %-10s %d\n", "Corrupted:", corrupted)
	for _, p := range corruptedPaths {
		fmt.Printf("      %s\n", p)
	}
	if wals == 0 && corrupted == 0 {
		fmt.Println("    No crash residue found.")
	}
}
