// SPDX-License-Identifier: Apache-2.0

// Package cli implements the respmerge command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sam-fredrickson/respmerge/internal/workspace"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// newLogger writes text logs to w. RESPMERGE_DEBUG=1 forces debug level.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	if os.Getenv("RESPMERGE_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "respmerge",
		Short: "Merge paged JSON responses and count values along paths",
		Long: `respmerge merges response pages that share an envelope shape
({"state", "message", "serverTime", "data": {"data": [...]}}) into one
document, optionally projecting each record through a filter, dropping
duplicate records and counting values found along paths.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default: respmerge.{yaml,json,toml} in . or the user config dir)")
	root.PersistentFlags().String("log-level", "", "log level [debug, info, warn, error]")

	root.AddCommand(newMergeCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newSampleCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

// Run executes the command line args with the given streams and returns the
// exit code.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "respmerge: %v\n", err)
		return 1
	}
	return 0
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "respmerge %s (%s)\n", Version, Commit)
		},
	}
}

func newSampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Print a small sample response to try filters on",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), workspace.SampleDocument())
		},
	}
}
