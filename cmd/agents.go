package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func agentsCmd() *cobra.Command {
	var prefix string
	c := &cobra.Command{
		Use:   "agents",
		Short: "List persisted agents",
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

			ids, err := st.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no agents")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tTEMPLATE\tSTEPS\tBREAKPOINT\tUPDATED")
			for _, id := range ids {
				info, err := st.LoadInfo(cmd.Context(), id)
				if err != nil {
					fmt.Fprintf(w, "%s\t(meta unreadable: %v)\t\t\t\n", id, err)
					continue
				}
				tpl := info.TemplateID
				if info.TemplateVersion != "" {
					tpl += "@" + info.TemplateVersion
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					id, tpl, info.StepCount, info.Breakpoint,
					info.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	c.Flags().StringVar(&prefix, "prefix", "", "only agents whose id starts with this prefix")
	return c
}
