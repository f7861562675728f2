package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/okian/tally/internal/adapters/archive"
	"github.com/okian/tally/internal/domain/stats"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/pkg/logger"
)

// snapshotReport is the JSON shape printed by `archive show`.
type snapshotReport struct {
	Batch     uint64          `json:"batch"`
	Rank      int             `json:"rank"`
	Histories uint64          `json:"histories"`
	Bins      int             `json:"bins"`
	Totals    []stats.Summary `json:"totals"`
	Entities  []entityReport  `json:"entities"`
}

type entityReport struct {
	ID     tally.EntityID  `json:"id"`
	Norm   float64         `json:"norm"`
	Totals []stats.Summary `json:"totals"`
}

func newRootCmd() *cobra.Command {
	var dir string

	root := &cobra.Command{
		Use:           "tallyctl",
		Short:         "Inspect archived tally snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(logger.WithWriter(cmd.ErrOrStderr())); err != nil {
				return err
			}
			return logger.SetLevelString("warn")
		},
	}
	root.PersistentFlags().StringVar(&dir, "dir", "", "archive directory written by the engine (required)")

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Read the per-batch snapshot archive",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every archived snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(dir)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}

	var (
		batch uint64
		rank  int
	)
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the moment statistics of one archived snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(dir)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			snap, err := store.Get(cmd.Context(), batch, rank)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report(batch, rank, snap))
		},
	}
	showCmd.Flags().Uint64Var(&batch, "batch", 0, "batch number")
	showCmd.Flags().IntVar(&rank, "rank", 0, "rank that produced the snapshot")

	archiveCmd.AddCommand(listCmd, showCmd)
	root.AddCommand(archiveCmd)
	return root
}

func openStore(dir string) (*archive.Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("--dir is required")
	}
	return archive.Open(archive.WithDir(dir), archive.WithLogger(logger.Named("archive")))
}

func printEntries(w io.Writer, entries []archive.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tRANK\tHISTORIES\tENTITIES\tBYTES")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n", e.Batch, e.Rank, e.Histories, e.Entities, e.Bytes)
	}
	return tw.Flush()
}

func report(batch uint64, rank int, snap *tally.Snapshot) snapshotReport {
	out := snapshotReport{
		Batch:     batch,
		Rank:      rank,
		Histories: snap.Histories,
		Bins:      snap.Bins,
		Totals:    make([]stats.Summary, snap.Responses),
		Entities:  make([]entityReport, len(snap.Entities)),
	}
	for rf := range out.Totals {
		out.Totals[rf] = stats.Summarize(snap.Total(rf), snap.Histories)
	}
	for i, e := range snap.Entities {
		er := entityReport{ID: e.ID, Norm: e.Norm, Totals: make([]stats.Summary, snap.Responses)}
		for rf := range er.Totals {
			er.Totals[rf] = stats.Normalize(stats.Summarize(snap.EntityTotal(i, rf), snap.Histories), e.Norm)
		}
		out.Entities[i] = er
	}
	return out
}
