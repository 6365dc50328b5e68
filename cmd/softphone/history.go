package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/web_dialer/pkg/history"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()
			printHistory(cmd.OutOrStdout(), store.Load(), time.Local)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all recent calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeFn()
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
			return nil
		},
	})
	return cmd
}

func printHistory(w io.Writer, entries []history.Entry, loc *time.Location) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No recent calls.")
		return
	}
	for i, e := range entries {
		line := fmt.Sprintf("%d. %-20s %s", i+1, e.PhoneNumber, history.FormatTimestamp(e.Timestamp, loc))
		if sec, ok := e.DurationSeconds(); ok {
			line += "  " + history.FormatDuration(sec)
		}
		fmt.Fprintln(w, line)
	}
}
