package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Maintenance operations",
	}

	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild projections by replaying the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := projectKey()
			if err != nil {
				return err
			}
			if err := sub.Rebuild(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Println("Projections rebuilt")
			return nil
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue reservations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			n, err := p.Mail.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d reservation(s)\n", n)
			return nil
		},
	}

	cacheCmd := &cobra.Command{
		Use:   "rebuild-caches",
		Short: "Recompute the hive blocked-cache from dependency edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject()
			if err != nil {
				return err
			}
			if err := p.Hive.RebuildCaches(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Blocked-cache rebuilt")
			return nil
		},
	}

	cmd.AddCommand(rebuildCmd, sweepCmd, cacheCmd)
	return cmd
}
