package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/guided-traffic/transfer-e2e/internal/journal"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			reports, err := j.Recent(limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tTEST ID\tLABEL\tSIZE\tRESULT\tDURATION\tCHECK")
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Started.Local().Format(time.DateTime), r.TestID, r.Label,
					humanize.IBytes(uint64(r.Size)), r.Status(),
					r.Duration().Round(time.Second), r.FailedCheck)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show, 0 for all")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <test-id>",
		Short: "Print the report of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			rep, err := j.Get(args[0])
			if errors.Is(err, journal.ErrNotFound) {
				return fmt.Errorf("no run with test id %s", args[0])
			}
			if err != nil {
				return err
			}
			return rep.WriteText(cmd.OutOrStdout())
		},
	})
	return cmd
}

func (a *app) openJournal() (*journal.Journal, error) {
	path := a.v.GetString("journal.path")
	if path == "" {
		return nil, &exitError{code: exitConfig, err: errors.New("journal.path is not configured")}
	}
	return journal.Open(path)
}
