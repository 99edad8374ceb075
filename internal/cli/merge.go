// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sam-fredrickson/respmerge"
	"github.com/sam-fredrickson/respmerge/internal/config"
	"github.com/sam-fredrickson/respmerge/internal/docfmt"
	"github.com/sam-fredrickson/respmerge/internal/history"
	"github.com/sam-fredrickson/respmerge/internal/workspace"
)

const stdinArg = "-"

func newMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge FILE[@FILTER]...",
		Short: "Merge response pages into one envelope",
		Long: `Merge reads JSON, YAML or TOML documents (optionally gzip-compressed,
"-" for JSON on stdin) and writes one merged envelope.

A filter is a comma-separated list of paths such as
"content, prodAttrs[0].attrvalue". Each record of a filtered input is
replaced by an object holding only those paths. A filter given after "@"
applies to that file only; --filter applies to every other file.`,
		Example: `  # merge two pages, keeping only content and the first attribute value
  respmerge merge -f 'content, prodAttrs[0].attrvalue' page1.json page2.json

  # count attribute values named Options across the merged records
  respmerge merge --match-path 'prodAttrs[*].attrname' --match-value Options \
    --count-path 'prodAttrs[*].attrvalue' -o merged.json page*.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: runMerge,
	}

	f := cmd.Flags()
	f.StringP("filter", "f", "", "filter for inputs without their own")
	f.Bool("dedupe", false, "drop records whose dedupe key was already seen")
	f.String("dedupe-key", respmerge.DefaultDedupeKey, "record field compared when deduplicating")
	f.String("selector", "", "JSONPath locating the records of documents without an envelope")
	f.Var(new(docfmt.Format), "format", "output format [json, yaml, toml] (defaults to the first file's format)")
	f.Bool("compact", false, "write JSON on a single line")
	f.StringP("out", "o", "", "output file path, .gz to compress (defaults to stdout)")
	f.String("match-path", "", "path whose value selects what is counted")
	f.String("match-value", "", "value the match path must hold")
	f.String("count-path", "", "path whose values are counted")
	f.String("counts-out", "", "write the counts table to this file instead of stderr")
	f.Bool("history", false, "record this run in the history database")
	f.String("history-db", "", "history database path (default: auto-detected)")
	return cmd
}

type mergeInput struct {
	path   string
	filter string
}

// parseInputArg splits FILE@FILTER. An argument naming an existing file is
// never split.
func parseInputArg(arg string) mergeInput {
	if _, err := os.Stat(arg); err == nil {
		return mergeInput{path: arg}
	}
	path, filter, _ := strings.Cut(arg, "@")
	return mergeInput{path: path, filter: filter}
}

func runMerge(cmd *cobra.Command, args []string) error {
	stderr := cmd.ErrOrStderr()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("invalid --config: %w", err)
	}
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		fmt.Fprintf(stderr, "respmerge: %v\n", err)
		return &exitError{code: 2}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "respmerge: %v\n", err)
		return &exitError{code: 2}
	}
	logger := newLogger(stderr, cfg.LogLevel())

	inputs := make([]mergeInput, len(args))
	for i, arg := range args {
		inputs[i] = parseInputArg(arg)
	}

	docs, inFormat, failed := readInputs(cmd.InOrStdin(), inputs, cfg.UniversalFilter, stderr)
	if failed {
		return &exitError{code: 1}
	}
	logger.Debug("read inputs", "files", len(docs), "format", inFormat)

	merger, err := respmerge.NewMerger(cfg.Options())
	if err != nil {
		return err
	}
	merged := merger.Merge(docs...)

	outFormat, err := docfmt.Parse(cfg.Format)
	if err != nil {
		return err
	}
	if outFormat == "" {
		outFormat = inFormat
	}
	encoded, err := docfmt.Encode(outFormat, merged, cfg.Compact)
	if err != nil {
		return fmt.Errorf("failed to marshal result as %s: %w", outFormat, err)
	}

	outPath, _ := cmd.Flags().GetString("out")
	if err := writeOutput(cmd.OutOrStdout(), outPath, encoded); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	records := respmerge.Records(merged)
	logger.Debug("merged", "records", len(records), "dedupe", cfg.Dedupe)

	var counts *respmerge.Counts
	if cfg.Aggregate.Enabled() {
		counts = respmerge.Aggregate(records, cfg.Aggregate.MatchPath, cfg.Aggregate.MatchValue, cfg.Aggregate.CountPath)
		countsPath, _ := cmd.Flags().GetString("counts-out")
		if err := writeCounts(stderr, countsPath, counts); err != nil {
			return fmt.Errorf("failed to write counts: %w", err)
		}
	}

	if cfg.History.Enabled {
		recordRun(logger, cfg, history.Run{
			Inputs:     len(docs),
			Records:    len(records),
			Dedupe:     cfg.Dedupe,
			Filter:     cfg.UniversalFilter,
			MatchPath:  cfg.Aggregate.MatchPath,
			MatchValue: cfg.Aggregate.MatchValue,
			CountPath:  cfg.Aggregate.CountPath,
			Counts:     entries(counts),
		})
	}
	return nil
}

// readInputs decodes every input. All decode errors are reported before
// giving up so they can be fixed in one go.
func readInputs(stdin io.Reader, inputs []mergeInput, universal string, stderr io.Writer) ([]respmerge.Input, docfmt.Format, bool) {
	docs := make([]respmerge.Input, 0, len(inputs))
	var first docfmt.Format
	failed := false
	for i, in := range inputs {
		data, f, err := readInput(stdin, in.path)
		if err == nil {
			var doc any
			doc, err = docfmt.Decode(f, data)
			if err != nil {
				err = &respmerge.ParseError{Err: err, DocIndex: i}
			} else {
				filter := in.filter
				if strings.TrimSpace(filter) == "" {
					filter = universal
				}
				docs = append(docs, respmerge.Input{Doc: doc, Filter: filter})
			}
		}
		if err != nil {
			fmt.Fprintf(stderr, "respmerge: %s: %v\n", in.path, err)
			failed = true
			continue
		}
		if first == "" {
			first = f
		}
	}
	return docs, first, failed
}

func readInput(stdin io.Reader, path string) ([]byte, docfmt.Format, error) {
	if path == stdinArg {
		data, err := io.ReadAll(stdin)
		return data, docfmt.JSON, err
	}
	return docfmt.ReadFile(path)
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		if _, err := stdout.Write(data); err != nil {
			return err
		}
		if !bytes.HasSuffix(data, []byte("\n")) {
			_, err := io.WriteString(stdout, "\n")
			return err
		}
		return nil
	}
	return docfmt.WriteFile(path, data)
}

func writeCounts(stderr io.Writer, path string, counts *respmerge.Counts) error {
	if path == "" {
		return workspace.FormatCounts(stderr, counts)
	}
	var buf bytes.Buffer
	if err := workspace.FormatCounts(&buf, counts); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// recordRun stores a run in the history database. Failures are logged and
// never fail the merge.
func recordRun(logger *slog.Logger, cfg *config.Config, run history.Run) {
	dbPath := cfg.History.DBPath
	if dbPath == "" {
		dbPath = history.DefaultDBPath()
	}
	store, err := history.Open(dbPath)
	if err != nil {
		logger.Warn("failed to open history db, continuing without history", "err", err)
		return
	}
	defer store.Close()

	id, err := store.Record(run)
	if err != nil {
		logger.Warn("failed to record run", "err", err)
		return
	}
	logger.Debug("recorded run", "id", id, "db", dbPath)
}

func entries(c *respmerge.Counts) []respmerge.Entry {
	if c == nil {
		return nil
	}
	return c.Entries()
}
