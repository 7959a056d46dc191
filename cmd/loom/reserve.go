package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newReserveCmd() *cobra.Command {
	var (
		agent     string
		ttl       time.Duration
		exclusive bool
		reason    string
	)
	cmd := &cobra.Command{
		Use:   "reserve <pattern>...",
		Short: "Reserve file paths or glob patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			res, err := p.Mail.Reserve(cmd.Context(), agent, args, ttl, exclusive, reason)
			if err != nil {
				return err
			}
			return emit(res, func() {
				fmt.Printf("Reserved %s until %s\n",
					strings.Join(res.PathPatterns, ", "),
					res.ExpiresAt.Format("15:04:05"))
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Reserving agent")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Reservation lifetime")
	cmd.Flags().BoolVar(&exclusive, "exclusive", true, "Reject overlapping reservations")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the files are held")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var (
		agent string
		ids   []string
		paths []string
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release reservations by id or path (all of the agent's when neither is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			released, err := p.Mail.Release(cmd.Context(), agent, ids, paths)
			if err != nil {
				return err
			}
			return emit(released, func() {
				fmt.Printf("Released %d reservation(s)\n", len(released))
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Releasing agent")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "Reservation ids to release")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "Patterns to release")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newReservationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "List active reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			list, err := p.Mail.Reservations(cmd.Context())
			if err != nil {
				return err
			}
			return emit(list, func() {
				if len(list) == 0 {
					fmt.Println("No active reservations")
					return
				}
				for _, r := range list {
					mode := "shared"
					if r.Exclusive {
						mode = "exclusive"
					}
					fmt.Printf("%-28s %-12s %-9s expires %s  %s\n",
						r.ID, r.Agent, mode,
						r.ExpiresAt.Format("15:04:05"),
						strings.Join(r.PathPatterns, ", "))
				}
			})
		},
	}
	return cmd
}
