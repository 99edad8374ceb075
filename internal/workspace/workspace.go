// SPDX-License-Identifier: Apache-2.0

// Package workspace holds a set of pasted response documents with their
// filters and turns them into one merged, rendered result.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sam-fredrickson/respmerge"
	"github.com/sam-fredrickson/respmerge/internal/docfmt"
)

var (
	// ErrInvalidInputs is returned by Apply when at least one entry does not
	// decode. Each failing entry carries its own error.
	ErrInvalidInputs = errors.New("workspace: invalid inputs")
	// ErrNotFound is returned for unknown entry ids.
	ErrNotFound = errors.New("workspace: entry not found")
)

// EmptyLabel is shown in place of the empty aggregation key.
const EmptyLabel = "(empty)"

// Entry is one pasted document.
type Entry struct {
	ID     string
	Text   string
	Filter string
	// Err is the decode error of the last Apply, or nil.
	Err error
	// LastApplied is when a merge was last requested from this entry.
	LastApplied time.Time
}

// Query selects the values counted over merged records.
type Query struct {
	MatchPath  string `json:"matchPath" yaml:"matchPath"`
	MatchValue string `json:"matchValue" yaml:"matchValue"`
	CountPath  string `json:"countPath" yaml:"countPath"`
}

// DefaultQuery counts the attrvalue of every prodAttrs entry named Options.
func DefaultQuery() Query {
	return Query{
		MatchPath:  "prodAttrs[*].attrname",
		MatchValue: "Options",
		CountPath:  "prodAttrs[*].attrvalue",
	}
}

// IsZero reports whether no path is set.
func (q Query) IsZero() bool {
	return q.MatchPath == "" && q.CountPath == ""
}

// Validate checks both paths against the strict path grammar.
func (q Query) Validate() error {
	if err := respmerge.ValidatePath(q.MatchPath); err != nil {
		return fmt.Errorf("match path: %w", err)
	}
	if err := respmerge.ValidatePath(q.CountPath); err != nil {
		return fmt.Errorf("count path: %w", err)
	}
	return nil
}

// Run counts over records.
func (q Query) Run(records []any) *respmerge.Counts {
	return respmerge.Aggregate(records, q.MatchPath, q.MatchValue, q.CountPath)
}

// Result is the outcome of a successful Apply.
type Result struct {
	// Text is the rendered merged document.
	Text string
	// Merged is the merged envelope.
	Merged map[string]any
	// Inputs is the number of entries that took part.
	Inputs int
	// Counts is nil when no query is configured.
	Counts *respmerge.Counts
}

// Workspace is an ordered list of entries plus the settings applied to all
// of them. It is not safe for concurrent use.
type Workspace struct {
	Entries         []*Entry
	UniversalFilter string
	Dedupe          bool
	Compact         bool
	Aggregate       Query

	// Now stamps serverTime and LastApplied. Default is time.Now.
	Now    func() time.Time
	Logger *slog.Logger

	text string
}

// New returns a workspace with a single empty entry and the default query.
func New() *Workspace {
	w := &Workspace{Aggregate: DefaultQuery()}
	w.Add()
	return w
}

// Add inserts a new empty entry at the front and returns it.
func (w *Workspace) Add() *Entry {
	e := &Entry{ID: uuid.NewString()}
	w.Entries = slices.Insert(w.Entries, 0, e)
	return e
}

// Entry returns the entry with the given id.
func (w *Workspace) Entry(id string) (*Entry, bool) {
	i := w.index(id)
	if i < 0 {
		return nil, false
	}
	return w.Entries[i], true
}

// Remove deletes the entry with the given id and reports whether it existed.
func (w *Workspace) Remove(id string) bool {
	i := w.index(id)
	if i < 0 {
		return false
	}
	w.Entries = slices.Delete(w.Entries, i, i+1)
	return true
}

// Update calls fn on the entry with the given id.
func (w *Workspace) Update(id string, fn func(*Entry)) error {
	e, ok := w.Entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(e)
	return nil
}

func (w *Workspace) index(id string) int {
	return slices.IndexFunc(w.Entries, func(e *Entry) bool { return e.ID == id })
}

// Text returns the most recently rendered result, or "".
func (w *Workspace) Text() string {
	return w.text
}

// Apply merges every non-blank entry in order.
//
// Each entry uses its own filter when it is not blank and the universal
// filter otherwise. When any entry fails to decode, its Err is set, the
// previous result is kept and ErrInvalidInputs is returned. On success the
// entry named by appliedID, if any, gets its LastApplied stamped.
func (w *Workspace) Apply(appliedID string) (*Result, error) {
	logger := w.logger()
	now := w.now()

	var inputs []respmerge.Input
	failed := 0
	for i, e := range w.Entries {
		if strings.TrimSpace(e.Text) == "" {
			e.Err = nil
			continue
		}
		var doc any
		if err := json.Unmarshal([]byte(e.Text), &doc); err != nil {
			e.Err = &respmerge.ParseError{Err: err, DocIndex: i}
			failed++
			logger.Debug("entry does not decode", "entry", e.ID, "err", err)
			continue
		}
		e.Err = nil
		inputs = append(inputs, respmerge.Input{Doc: doc, Filter: w.filterFor(e)})
	}
	if failed > 0 {
		return nil, fmt.Errorf("%w: %d of %d entries", ErrInvalidInputs, failed, len(w.Entries))
	}

	m, err := respmerge.NewMerger(respmerge.Options{
		Dedupe: w.Dedupe,
		Now:    func() time.Time { return now },
	})
	if err != nil {
		return nil, err
	}
	merged := m.Merge(inputs...)

	out, err := docfmt.Encode(docfmt.JSON, merged, w.Compact)
	if err != nil {
		return nil, &respmerge.MarshalError{Err: err}
	}
	w.text = string(out)

	res := &Result{Text: w.text, Merged: merged, Inputs: len(inputs)}
	if !w.Aggregate.IsZero() {
		res.Counts = w.Aggregate.Run(respmerge.Records(merged))
	}
	if e, ok := w.Entry(appliedID); ok {
		e.LastApplied = now
	}
	logger.Debug("merged entries",
		"inputs", len(inputs),
		"records", len(respmerge.Records(merged)),
		"dedupe", w.Dedupe)
	return res, nil
}

func (w *Workspace) filterFor(e *Entry) string {
	if f := strings.TrimSpace(e.Filter); f != "" {
		return e.Filter
	}
	if f := strings.TrimSpace(w.UniversalFilter); f != "" {
		return w.UniversalFilter
	}
	return ""
}

// SetCompact switches the rendering style and re-renders the current result.
func (w *Workspace) SetCompact(compact bool) {
	w.Compact = compact
	if w.text != "" {
		w.text = Reformat(w.text, compact)
	}
}

// Recount recomputes the aggregation from the current result text.
func (w *Workspace) Recount() *respmerge.Counts {
	return Recount(w.text, w.Aggregate)
}

func (w *Workspace) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Workspace) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Reformat re-renders a JSON text pretty or compact. Text that is not JSON
// is returned unchanged.
func Reformat(text string, compact bool) string {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return text
	}
	out, err := docfmt.Encode(docfmt.JSON, doc, compact)
	if err != nil {
		return text
	}
	return string(out)
}

// Recount counts q over the records of a rendered merge result. Text that is
// not JSON yields an empty table.
func Recount(text string, q Query) *respmerge.Counts {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return respmerge.NewCounts()
	}
	return q.Run(respmerge.Records(doc))
}

// FormatCounts writes one "value<TAB>count" line per entry, highest count
// first, with the empty value shown as EmptyLabel.
func FormatCounts(out io.Writer, counts *respmerge.Counts) error {
	if counts == nil {
		return nil
	}
	for _, e := range counts.Sorted() {
		label := e.Value
		if label == "" {
			label = EmptyLabel
		}
		if _, err := fmt.Fprintf(out, "%s\t%d\n", label, e.Count); err != nil {
			return err
		}
	}
	return nil
}

// SampleDocument returns a small two-review response, pretty-printed.
func SampleDocument() string {
	return `{
  "state": "OK",
  "message": null,
  "serverTime": 1600000000000,
  "data": {
    "pageCount": 1,
    "count": 2,
    "abVersions": null,
    "data": [
      {
        "reviewid": 1,
        "rfxid": "r1",
        "productid": "p1",
        "content": "A",
        "prodAttrs": [
          {
            "attrname": "color",
            "attrvalue": "red"
          }
        ],
        "helpfulcount": 0
      },
      {
        "reviewid": 2,
        "rfxid": "r2",
        "productid": "p1",
        "content": "B",
        "prodAttrs": [
          {
            "attrname": "color",
            "attrvalue": "blue"
          }
        ],
        "helpfulcount": 1
      }
    ],
    "expIds": null
  }
}`
}
