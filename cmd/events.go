package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/bus"
)

func eventsCmd() *cobra.Command {
	var (
		channels []string
		since    uint64
		limit    int
	)
	c := &cobra.Command{
		Use:   "events <agent-id>",
		Short: "Dump an agent's persisted event log in bookmark order",
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

			var chans []bus.Channel
			for _, name := range channels {
				chans = append(chans, bus.Channel(name))
			}

			envs, err := st.ReadEvents(cmd.Context(), args[0], since, chans)
			if err != nil {
				return err
			}
			if limit > 0 && len(envs) > limit {
				envs = envs[len(envs)-limit:]
			}
			for _, env := range envs {
				payload := ""
				if len(env.Event.Payload) > 0 {
					b, _ := json.Marshal(env.Event.Payload)
					payload = string(b)
				}
				fmt.Printf("%8d %s %-8s %-22s %s\n",
					env.Bookmark.Seq,
					env.Bookmark.Timestamp.Format("15:04:05.000"),
					env.Event.Channel, env.Event.Type, payload)
			}
			return nil
		},
	}
	c.Flags().StringSliceVar(&channels, "channel", nil, "channels to include (progress, control, monitor; default all)")
	c.Flags().Uint64Var(&since, "since", 0, "only events with bookmark seq greater than this")
	c.Flags().IntVar(&limit, "limit", 0, "only the last N events")
	return c
}
