package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/types"
)

func newEventsCmd() *cobra.Command {
	var (
		since      int64
		eventTypes []string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the project event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			events, more, err := p.Events.ReadPage(cmd.Context(), eventstore.Filter{
				Since: since,
				Types: eventTypes,
				Limit: limit,
			})
			if err != nil {
				return err
			}
			out := struct {
				Events []*types.Event `json:"events"`
				More   bool           `json:"more_available"`
			}{events, more}
			return emit(out, func() {
				for _, evt := range events {
					ts := time.UnixMilli(evt.TimestampMS).Format("2006-01-02 15:04:05")
					fmt.Printf("%6d %s %-24s %s\n", evt.Sequence, ts, evt.Type, evt.Payload)
				}
				if more {
					last := events[len(events)-1].Sequence
					fmt.Printf("... more available, continue with --since %d\n", last)
				}
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "Start after this sequence")
	cmd.Flags().StringSliceVar(&eventTypes, "type", nil, "Event types to include")
	cmd.Flags().IntVar(&limit, "limit", 100, "Page size")
	return cmd
}
