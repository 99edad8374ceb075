// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sam-fredrickson/respmerge"
	"github.com/sam-fredrickson/respmerge/internal/docfmt"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILTER...",
		Short: "Check filters, or documents with --docs",
		Long: `Validate checks each argument against the strict path grammar: keys
must be non-empty and brackets must hold a non-negative integer or "*".
Merging itself is lenient and never rejects a filter, so this is the
place to catch typos.

With --docs the arguments are document files instead, and each one must
decode.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runValidate,
	}
	cmd.Flags().Bool("docs", false, "treat arguments as document files")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	docs, err := cmd.Flags().GetBool("docs")
	if err != nil {
		return fmt.Errorf("invalid --docs: %w", err)
	}
	out := cmd.OutOrStdout()

	check := validateFilter
	if docs {
		check = validateDocument
	}
	failed := 0
	for _, arg := range args {
		if err := check(arg); err != nil {
			failed++
			fmt.Fprintf(out, "invalid\t%s\n", arg)
			printErrors(out, err)
			continue
		}
		fmt.Fprintf(out, "ok\t%s\n", arg)
	}
	if failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}

var errEmptyFilter = errors.New("filter has no paths")

func validateFilter(filter string) error {
	parts := respmerge.SplitFilter(filter)
	if len(parts) == 0 {
		return errEmptyFilter
	}
	var errs []error
	for _, p := range parts {
		if err := respmerge.ValidatePath(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateDocument(path string) error {
	data, f, err := docfmt.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = docfmt.Decode(f, data)
	return err
}

// printErrors writes one line per joined error.
func printErrors(w io.Writer, err error) {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			fmt.Fprintf(w, "  %v\n", e)
		}
		return
	}
	fmt.Fprintf(w, "  %v\n", err)
}
