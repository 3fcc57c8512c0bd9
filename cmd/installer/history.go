package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/calamares-go/installer/internal/journal"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list the installation runs recorded in the journal",
	Args:  cobra.NoArgs,
	RunE:  doHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of runs to show")
}

func doHistory(cmd *cobra.Command, _ []string) error {
	if options.Journal == "" {
		return errors.New("no journal, use --journal or INSTALLER_JOURNAL")
	}
	ctx := cmd.Context()
	db, err := openJournal(ctx, options.Journal)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	runs, err := journal.List(ctx, db, historyLimit)
	if err != nil {
		return err
	}
	printHistory(cmd.OutOrStdout(), runs)
	return nil
}

func printHistory(w io.Writer, runs []journal.RunRow) {
	for _, r := range runs {
		state := "running"
		switch {
		case r.Success != nil && *r.Success:
			state = "ok"
		case r.Success != nil:
			state = "failed"
		}
		_, _ = fmt.Fprintf(w, "%s %s %-7s", r.StartedAt.UTC().Format(time.RFC3339), r.UUID, state)
		if r.FailureReason != nil {
			_, _ = fmt.Fprintf(w, " %s", *r.FailureReason)
		}
		_, _ = fmt.Fprintln(w)
	}
}
