// SPDX-License-Identifier: Apache-2.0

// Package respmerge merges paged JSON responses that share a common envelope
// shape, projects their records through dotted path filters, removes
// duplicate records and counts values found along paths.
//
// Documents are the decoded trees produced by encoding/json, YAML or TOML
// decoders: map[string]any, []any and scalars. Paths use a small grammar of
// dotted keys where each key may carry one array index or the [*] wildcard:
//
//	content
//	prodAttrs[0].attrvalue
//	prodAttrs[*].attrname
//
// Walking data never fails. Missing fields, nil values and type mismatches
// simply produce [Undefined], empty result lists or zero counts.
package respmerge

import (
	"errors"
	"fmt"
	"time"

	"github.com/theory/jsonpath"
)

// Sentinel errors for simple error checking with [errors.Is].
// For detailed error information, use [errors.As] with the typed errors below.
var (
	// ErrParse indicates a document could not be decoded.
	ErrParse = errors.New("invalid document")
	// ErrMarshal indicates the merged result could not be encoded.
	ErrMarshal = errors.New("marshal error")
	// ErrInvalidOptions indicates invalid merge options were provided.
	ErrInvalidOptions = errors.New("invalid options")
	// ErrInvalidPath indicates a path does not follow the strict path grammar.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidTag indicates an invalid rm struct tag.
	ErrInvalidTag = errors.New("invalid struct tag")
)

// DefaultDedupeKey is the record field used for deduplication when
// [Options.DedupeKey] is empty.
const DefaultDedupeKey = "reviewid"

// ParseError is returned when a document fails to decode. Such a document
// never contributes to a merge.
type ParseError struct {
	// Err is the underlying decoder error.
	Err error
	// DocIndex tells which document the error occurred in.
	DocIndex int
}

func (e *ParseError) Error() string {
	return "Invalid JSON: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// MarshalError is returned when the merged result cannot be encoded.
type MarshalError struct {
	// Err is the underlying error returned by a marshaling function.
	Err error
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("cannot marshal merged document: %v", e.Err)
}

func (e *MarshalError) Unwrap() error {
	return e.Err
}

func (e *MarshalError) Is(target error) bool {
	return target == ErrMarshal
}

// InvalidPathError is returned by [ValidatePath].
type InvalidPathError struct {
	// Path is the full path that was rejected.
	Path string
	// Segment is the dot-separated segment at fault, if any.
	Segment string
	// Reason describes what is wrong.
	Reason string
}

func (e *InvalidPathError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("invalid path %q: segment %q: %s", e.Path, e.Segment, e.Reason)
	}
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool {
	return target == ErrInvalidPath
}

// Options configures merge behavior.
//
// The zero value is valid: no deduplication, records located at data.data
// (or the document itself when it is an array), and the wall clock for
// serverTime.
type Options struct {
	// Dedupe drops records whose dedupe key was already seen.
	// Records without the key are always kept.
	Dedupe bool

	// DedupeKey names the record field compared when Dedupe is set.
	// Default is [DefaultDedupeKey].
	DedupeKey string

	// RecordSelector is an optional RFC 9535 JSONPath expression locating the
	// records of documents that are not shaped as an envelope, for example
	// "$.payload.reviews[*]". When it selects nothing, the default locations
	// are used.
	RecordSelector string

	// Now returns the time stamped into serverTime. Default is [time.Now].
	Now func() time.Time
}

// Input is one decoded document and the filter applied to its records.
type Input struct {
	// Doc is the decoded document. Records nested in TOML arrays of tables
	// only resolve by path after normalizing Doc with [Clone].
	Doc any
	// Filter is a comma-separated list of paths to project each record onto.
	// An empty filter passes records through unchanged.
	Filter string
}

// Document is one encoded document and the filter applied to its records.
type Document struct {
	Data   []byte
	Filter string
}

// Merger merges documents with the configured options.
//
// A Merger holds no per-merge state and is safe for concurrent use.
type Merger struct {
	opts     Options
	selector *jsonpath.Path
}

// NewMerger creates a new [Merger] with the given options.
// Returns an error if the options are invalid.
func NewMerger(opts Options) (*Merger, error) {
	m := &Merger{opts: opts}
	if opts.RecordSelector != "" {
		p, err := jsonpath.Parse(opts.RecordSelector)
		if err != nil {
			return nil, fmt.Errorf("%w: record selector %q: %v", ErrInvalidOptions, opts.RecordSelector, err)
		}
		m.selector = p
	}
	if m.opts.DedupeKey == "" {
		m.opts.DedupeKey = DefaultDedupeKey
	}
	if m.opts.Now == nil {
		m.opts.Now = time.Now
	}
	return m, nil
}

// Options returns the merge options configured for this [Merger].
func (m *Merger) Options() Options {
	return m.opts
}

// Merge merges inputs. See [Merger.Merge] for details.
func Merge(opts Options, inputs ...Input) (map[string]any, error) {
	m, err := NewMerger(opts)
	if err != nil {
		return nil, err
	}
	return m.Merge(inputs...), nil
}

// MergeMarshal merges encoded documents using the provided unmarshal and
// marshal functions. See [Merger.MergeMarshal] for details.
func MergeMarshal(
	opts Options,
	unmarshal func([]byte, any) error,
	marshal func(any) ([]byte, error),
	docs ...Document,
) ([]byte, error) {
	m, err := NewMerger(opts)
	if err != nil {
		return nil, err
	}
	return m.MergeMarshal(unmarshal, marshal, docs...)
}

// NewEnvelope returns an empty envelope stamped with now.
func NewEnvelope(now time.Time) map[string]any {
	return map[string]any{
		"state":      "OK",
		"message":    nil,
		"serverTime": now.UnixMilli(),
		"data": map[string]any{
			"pageCount":  1,
			"count":      0,
			"abVersions": nil,
			"data":       []any{},
			"expIds":     nil,
		},
	}
}

// Merge merges inputs into a single envelope.
//
// Inputs are never modified. The envelope fields (state, message, data.pageCount, data.abVersions,
// data.expIds and anything else at the top level) come from the first
// document when it is an object; otherwise a fresh envelope is used.
// Records are taken from each document's data.data array, or from the
// document itself when it is an array, in input order.
//
// A record of an input with a filter is replaced by a new object holding only
// the filtered paths, each written at the same path it was read from. Paths
// that do not resolve are written as [Undefined] so the shape is preserved.
// Records of an input without a filter are appended as they are, sharing
// their maps with the input.
//
// With [Options.Dedupe], the first record for each dedupe key value wins.
// Finally data.data receives the records, data.count their number,
// serverTime the current time and data.pageCount defaults to 1.
//
// Example:
//
//	doc := map[string]any{"data": map[string]any{"data": []any{
//		map[string]any{"reviewid": 1, "content": "A", "rating": 5},
//	}}}
//	m, _ := NewMerger(Options{})
//	out := m.Merge(Input{Doc: doc, Filter: "content"})
//	// out["data"].(map[string]any)["data"] == []any{map[string]any{"content": "A"}}
func (m *Merger) Merge(inputs ...Input) map[string]any {
	now := m.opts.Now()

	var base map[string]any
	if len(inputs) > 0 {
		base, _ = Clone(inputs[0].Doc).(map[string]any)
	}
	if base == nil {
		base = NewEnvelope(now)
	}

	records := make([]any, 0)
	for _, in := range inputs {
		records = m.appendRecords(records, in.Doc, in.Filter)
	}
	if m.opts.Dedupe {
		records = dedupe(records, m.opts.DedupeKey)
	}

	data, ok := base["data"].(map[string]any)
	if !ok {
		data = map[string]any{}
		base["data"] = data
	}
	data["data"] = records
	data["count"] = len(records)
	base["serverTime"] = now.UnixMilli()
	if !truthy(data["pageCount"]) {
		data["pageCount"] = 1
	}
	return base
}

// MergeMarshal decodes docs, merges them with [Merger.Merge] and encodes the
// result with [Export] applied.
//
// Every document must decode: the first failure is returned as a
// [*ParseError] and nothing is merged. An empty docs list merges to a fresh
// envelope.
func (m *Merger) MergeMarshal(
	unmarshal func([]byte, any) error,
	marshal func(any) ([]byte, error),
	docs ...Document,
) ([]byte, error) {
	inputs := make([]Input, len(docs))
	for i, doc := range docs {
		var parsed any
		if err := unmarshal(doc.Data, &parsed); err != nil {
			return nil, &ParseError{Err: err, DocIndex: i}
		}
		inputs[i] = Input{Doc: parsed, Filter: doc.Filter}
	}

	out, err := marshal(Export(m.Merge(inputs...)))
	if err != nil {
		return nil, &MarshalError{Err: err}
	}
	return out, nil
}

func (m *Merger) appendRecords(dst []any, doc any, filter string) []any {
	items := m.records(doc)
	if filter == "" {
		return append(dst, items...)
	}
	paths := ParseFilter(filter)
	for _, item := range items {
		dst = append(dst, project(item, paths))
	}
	return dst
}

// records locates the record array of a document.
func (m *Merger) records(doc any) []any {
	if m.selector != nil {
		if nodes := m.selector.Select(doc); len(nodes) > 0 {
			if len(nodes) == 1 {
				if arr, ok := nodes[0].([]any); ok {
					return arr
				}
			}
			return nodes
		}
	}
	if arr, ok := recordArray(GetValue(doc, envelopeRecords)); ok {
		return arr
	}
	if arr, ok := recordArray(doc); ok {
		return arr
	}
	return nil
}

// recordArray accepts []any and the []map[string]any produced by TOML
// arrays of tables.
func recordArray(v any) ([]any, bool) {
	switch arr := v.(type) {
	case []any:
		return arr, true
	case []map[string]any:
		out := make([]any, len(arr))
		for i, rec := range arr {
			out[i] = rec
		}
		return out, true
	}
	return nil, false
}

var envelopeRecords = Path{{Key: "data", Index: NoIndex}, {Key: "data", Index: NoIndex}}

// project builds a new object holding the values of record at paths.
func project(record any, paths []Path) map[string]any {
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		SetValueAtPath(out, p, GetValue(record, p))
	}
	return out
}

// dedupe keeps the first record for each stringified key value.
// Records without the key are kept.
func dedupe(records []any, key string) []any {
	result := make([]any, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		mp, ok := rec.(map[string]any)
		if !ok {
			result = append(result, rec)
			continue
		}
		id, exists := mp[key]
		if !exists || IsUndefined(id) {
			result = append(result, rec)
			continue
		}
		k := dedupeKey(id)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		result = append(result, rec)
	}
	return result
}

// dedupeKey renders a key value for comparison. Unlike [Stringify], null
// becomes "null" so it never collides with an empty string.
func dedupeKey(v any) string {
	if v == nil {
		return "null"
	}
	return Stringify(v)
}
