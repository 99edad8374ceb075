// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sam-fredrickson/respmerge/internal/history"
	"github.com/sam-fredrickson/respmerge/internal/workspace"
)

// resolveDBPath returns the history database path from the --db flag or the default.
func resolveDBPath(cmd *cobra.Command) string {
	dbPath, err := cmd.Flags().GetString("db")
	if err != nil || dbPath == "" {
		dbPath = history.DefaultDBPath()
	}
	return dbPath
}

// openHistory opens an existing history database. It does not create one.
func openHistory(cmd *cobra.Command) (*history.Store, error) {
	dbPath := resolveDBPath(cmd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("history database not found at %s (run merge with --history first)", dbPath)
	}
	return history.Open(dbPath)
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded merge runs",
	}
	cmd.PersistentFlags().String("db", "", "path to history database (default: auto-detected)")
	cmd.AddCommand(
		newHistoryListCmd(),
		newHistoryShowCmd(),
		newHistoryPruneCmd(),
	)
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList,
	}
	cmd.Flags().Int("limit", history.DefaultLimit, "maximum number of runs")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("invalid --limit: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.Recent(limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), runs)
	}
	return printRunTable(cmd.OutOrStdout(), runs)
}

func newHistoryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run with its counts",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	run, err := store.Get(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, run)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", run.ID)
	_, _ = fmt.Fprintf(w, "Timestamp:\t%s\n", run.Timestamp.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Inputs:\t%d\n", run.Inputs)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", run.Records)
	_, _ = fmt.Fprintf(w, "Dedupe:\t%t\n", run.Dedupe)
	if run.Filter != "" {
		_, _ = fmt.Fprintf(w, "Filter:\t%s\n", run.Filter)
	}
	if run.MatchPath != "" || run.CountPath != "" {
		_, _ = fmt.Fprintf(w, "Match:\t%s = %q\n", run.MatchPath, run.MatchValue)
		_, _ = fmt.Fprintf(w, "Count:\t%s\n", run.CountPath)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	if len(run.Counts) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "VALUE\tCOUNT")
		for _, e := range run.Counts {
			label := e.Value
			if label == "" {
				label = workspace.EmptyLabel
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\n", label, e.Count)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush output: %w", err)
		}
	}
	return nil
}

func newHistoryPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a duration",
		Args:  cobra.NoArgs,
		RunE:  runHistoryPrune,
	}
	cmd.Flags().String("older-than", "30d", "age cutoff (e.g. 7d, 12h, 90m)")
	return cmd
}

func runHistoryPrune(cmd *cobra.Command, _ []string) error {
	olderThan, err := cmd.Flags().GetString("older-than")
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}
	dur, err := parseDuration(olderThan)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", olderThan, err)
	}

	store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Prune(time.Now().Add(-dur))
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s).\n", n)
	return nil
}

func printRunTable(out io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIMESTAMP\tINPUTS\tRECORDS\tDEDUPE\tFILTER")
	for _, r := range runs {
		filter := r.Filter
		if len(filter) > 40 {
			filter = filter[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\t%s\n",
			r.ID,
			r.Timestamp.Format(time.RFC3339),
			r.Inputs,
			r.Records,
			r.Dedupe,
			filter,
		)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// parseDuration accepts "Nd" for days in addition to time.ParseDuration
// formats.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid days %q: %w", numStr, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}
