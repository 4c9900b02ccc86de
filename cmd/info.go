package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func infoCmd() *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "info <agent-id>",
		Short: "Show one agent's persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			id := args[0]
			info, err := st.LoadInfo(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("load agent %s: %w", id, err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			msgs, _ := st.LoadMessages(cmd.Context(), id)
			recs, _ := st.LoadToolCallRecords(cmd.Context(), id)
			snaps, _ := st.ListSnapshots(cmd.Context(), id)

			fmt.Printf("Agent:       %s\n", info.AgentID)
			if info.TemplateID != "" {
				fmt.Printf("Template:    %s@%s\n", info.TemplateID, info.TemplateVersion)
			}
			fmt.Printf("Model:       %s/%s\n", info.Model.Provider, info.Model.Model)
			fmt.Printf("Permissions: %s\n", info.PermissionMode)
			fmt.Printf("Breakpoint:  %s\n", info.Breakpoint)
			fmt.Printf("Steps:       %d\n", info.StepCount)
			fmt.Printf("Bookmark:    seq=%d\n", info.LastBookmark.Seq)
			fmt.Printf("Messages:    %d (safe fence point at %d)\n", len(msgs), info.LastSFPIndex)
			fmt.Printf("Tool calls:  %d\n", len(recs))
			for _, r := range recs {
				fmt.Printf("  %-10s %-20s %s\n", r.State, r.Name, r.ID)
			}
			fmt.Printf("Snapshots:   %d\n", len(snaps))
			for _, s := range snaps {
				fmt.Printf("  %-12s %s %s\n", s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Label)
			}
			if len(info.Lineage) > 0 {
				fmt.Printf("Lineage:     %v\n", info.Lineage)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print raw meta as JSON")
	return c
}
