package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/history"
	"github.com/tturner/ucops/internal/tui"
)

type historyFlags struct {
	limit int
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished workflows",
		Long: `List the workflows recorded in the local history database
($UCOPS_HISTORY_DB), most recent first.`,
		Example: `  ucops history --limit 5
  ucops history show 3f2c9a1e-...
  ucops history prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), g, func(store *history.Store) error {
				return listHistory(cmd.Context(), store, flags.limit, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntVar(&flags.limit, "limit", 20, "Show at most this many workflows (0 for all)")

	cmd.AddCommand(newHistoryShowCmd(g))
	cmd.AddCommand(newHistoryPruneCmd(g))
	return cmd
}

func newHistoryShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show one workflow and its targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), g, func(store *history.Store) error {
				return showHistory(cmd.Context(), store, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func newHistoryPruneCmd(g *globalFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old workflows from the history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be > 0")
			}
			return withHistory(cmd.Context(), g, func(store *history.Store) error {
				n, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d workflow(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Remove workflows started longer ago than this")
	return cmd
}

func withHistory(ctx context.Context, g *globalFlags, fn func(*history.Store) error) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	store, err := history.Open(ctx, cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func listHistory(ctx context.Context, store *history.Store, limit int, out io.Writer) error {
	records, err := store.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No workflows recorded")
		return nil
	}
	table := tui.Table{Headers: []string{"ID", "KIND", "NAME", "STATUS", "TARGETS", "OK", "STARTED", "DURATION"}}
	for _, r := range records {
		table.Rows = append(table.Rows, []string{
			r.ID,
			r.Kind,
			r.Name,
			r.Status,
			strconv.Itoa(r.Targets),
			fmt.Sprintf("%d/%d", r.Succeeded, r.Targets),
			humanize.Time(r.StartedAt),
			r.Duration().Round(time.Second).String(),
		})
	}
	fmt.Fprintln(out, table.Render(tui.DefaultStyles))
	return nil
}

func showHistory(ctx context.Context, store *history.Store, id string, out io.Writer) error {
	rec, ops, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Workflow:  %s\n", rec.ID)
	fmt.Fprintf(out, "Name:      %s\n", rec.Name)
	fmt.Fprintf(out, "Kind:      %s\n", rec.Kind)
	fmt.Fprintf(out, "Status:    %s\n", rec.Status)
	if rec.Health != "" {
		fmt.Fprintf(out, "Health:    %s\n", rec.Health)
	}
	fmt.Fprintf(out, "Started:   %s (%s)\n", rec.StartedAt.Local().Format(time.RFC3339), humanize.Time(rec.StartedAt))
	fmt.Fprintf(out, "Duration:  %s\n", rec.Duration().Round(time.Second))
	fmt.Fprintf(out, "Outcome:   %d succeeded, %d failed, %d cancelled\n\n", rec.Succeeded, rec.Failed, rec.Cancelled)

	table := tui.Table{Headers: []string{"DEVICE", "HOST", "OPERATION", "STATUS", "PROGRESS", "ERROR"}}
	for _, op := range ops {
		table.Rows = append(table.Rows, []string{
			op.Device, op.Host, op.OperationID, op.Status, fmt.Sprintf("%.0f%%", op.Progress), op.Error,
		})
	}
	fmt.Fprintln(out, table.Render(tui.DefaultStyles))
	return nil
}
