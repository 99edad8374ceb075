// SPDX-License-Identifier: Apache-2.0

package respmerge_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"

	"github.com/sam-fredrickson/respmerge"
)

var fixedNow = time.UnixMilli(1700000000000)

func fixedClock() time.Time { return fixedNow }

func mustMerge(t *testing.T, opts respmerge.Options, inputs ...respmerge.Input) map[string]any {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedClock
	}
	out, err := respmerge.Merge(opts, inputs...)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func envelope(records ...any) map[string]any {
	return map[string]any{
		"state":      "OK",
		"message":    nil,
		"serverTime": 1600000000000.0,
		"data": map[string]any{
			"pageCount":  3.0,
			"count":      99.0,
			"abVersions": "ab-1",
			"data":       records,
			"expIds":     []any{"e1"},
		},
	}
}

func dataOf(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	data, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("envelope has no data object: %#v", env)
	}
	return data
}

func recordsOf(t *testing.T, env map[string]any) []any {
	t.Helper()
	records, ok := dataOf(t, env)["data"].([]any)
	if !ok {
		t.Fatalf("envelope has no data.data array: %#v", env)
	}
	return records
}

func TestMergeNoInputs(t *testing.T) {
	got := mustMerge(t, respmerge.Options{})
	want := respmerge.NewEnvelope(fixedNow)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestMergeSingleDocumentUnchanged(t *testing.T) {
	r1 := map[string]any{"reviewid": 1.0, "content": "A"}
	r2 := map[string]any{"reviewid": 2.0, "content": "B"}
	r3 := map[string]any{"reviewid": 1.0, "content": "A again"}
	doc := envelope(r1, r2, r3)

	got := mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: doc})
	records := recordsOf(t, got)
	if !reflect.DeepEqual(records, []any{r1, r2, r3}) {
		t.Fatalf("records changed: %#v", records)
	}
	records[0].(map[string]any)["marker"] = true
	if _, ok := r1["marker"]; !ok {
		t.Fatal("unfiltered records should be passed through as they are")
	}

	data := dataOf(t, got)
	if data["count"] != 3 {
		t.Errorf("count = %v, want 3", data["count"])
	}
	if data["pageCount"] != 3.0 {
		t.Errorf("pageCount = %v, want 3", data["pageCount"])
	}
	if data["abVersions"] != "ab-1" {
		t.Errorf("abVersions = %v", data["abVersions"])
	}
	if !reflect.DeepEqual(data["expIds"], []any{"e1"}) {
		t.Errorf("expIds = %v", data["expIds"])
	}
	if got["serverTime"] != fixedNow.UnixMilli() {
		t.Errorf("serverTime = %v, want %v", got["serverTime"], fixedNow.UnixMilli())
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	doc := envelope(map[string]any{"reviewid": 1.0})
	_ = mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: doc})

	data := doc["data"].(map[string]any)
	if data["count"] != 99.0 {
		t.Fatalf("input count was overwritten: %v", data["count"])
	}
	if doc["serverTime"] != 1600000000000.0 {
		t.Fatalf("input serverTime was overwritten: %v", doc["serverTime"])
	}
}

func TestMergeCountIgnoresInput(t *testing.T) {
	doc := envelope(map[string]any{"a": 1.0})
	got := mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: doc}, respmerge.Input{Doc: doc})
	if c := dataOf(t, got)["count"]; c != 2 {
		t.Fatalf("count = %v, want 2", c)
	}
}

func TestMergeDedupeAcrossDocuments(t *testing.T) {
	a := envelope(map[string]any{"reviewid": 1.0, "content": "first"})
	b := envelope(map[string]any{"reviewid": 1.0, "content": "second"})

	got := mustMerge(t, respmerge.Options{Dedupe: true},
		respmerge.Input{Doc: a}, respmerge.Input{Doc: b})
	records := recordsOf(t, got)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d: %#v", len(records), records)
	}
	if records[0].(map[string]any)["content"] != "first" {
		t.Fatalf("first occurrence not kept: %#v", records[0])
	}
	if dataOf(t, got)["count"] != 1 {
		t.Fatalf("count = %v", dataOf(t, got)["count"])
	}
}

func TestMergeDedupeRules(t *testing.T) {
	records := []any{
		map[string]any{"reviewid": 1.0, "n": 1},
		map[string]any{"content": "no id", "n": 2},
		map[string]any{"reviewid": "1", "n": 3}, // stringified equal to 1.0
		map[string]any{"content": "no id", "n": 4},
		map[string]any{"reviewid": nil, "n": 5},
		map[string]any{"reviewid": nil, "n": 6}, // null is defined and keyed as "null"
		map[string]any{"reviewid": respmerge.Undefined, "n": 7},
		map[string]any{"reviewid": respmerge.Undefined, "n": 8},
		"scalar record",
		map[string]any{"reviewid": 2.0, "n": 9},
		map[string]any{"reviewid": int64(2), "n": 10},
	}

	got := mustMerge(t, respmerge.Options{Dedupe: true}, respmerge.Input{Doc: records})
	var kept []any
	for _, r := range recordsOf(t, got) {
		if m, ok := r.(map[string]any); ok {
			kept = append(kept, m["n"])
		} else {
			kept = append(kept, r)
		}
	}
	want := []any{1, 2, 4, 5, 7, 8, "scalar record", 9}
	if !reflect.DeepEqual(kept, want) {
		t.Fatalf("kept %v, want %v", kept, want)
	}
}

func TestMergeDedupeNullKey(t *testing.T) {
	records := []any{
		map[string]any{"reviewid": nil, "n": 1},
		map[string]any{"reviewid": "", "n": 2},
		map[string]any{"reviewid": "null", "n": 3},
	}

	got := mustMerge(t, respmerge.Options{Dedupe: true}, respmerge.Input{Doc: records})
	var kept []any
	for _, r := range recordsOf(t, got) {
		kept = append(kept, r.(map[string]any)["n"])
	}
	if want := []any{1, 2}; !reflect.DeepEqual(kept, want) {
		t.Fatalf("kept %v, want %v", kept, want)
	}
}

func TestMergeDedupeProperty(t *testing.T) {
	var records []any
	for i := 0; i < 50; i++ {
		rec := map[string]any{"i": i}
		if i%3 != 0 {
			rec["reviewid"] = float64(i % 7)
		}
		records = append(records, rec)
	}

	got := recordsOf(t, mustMerge(t, respmerge.Options{Dedupe: true}, respmerge.Input{Doc: records}))
	seen := map[string]int{}
	for _, r := range got {
		m := r.(map[string]any)
		id, ok := m["reviewid"]
		if !ok {
			continue
		}
		key := respmerge.Stringify(id)
		if prev, dup := seen[key]; dup {
			t.Fatalf("reviewid %s kept twice (i=%v and i=%v)", key, prev, m["i"])
		}
		seen[key] = m["i"].(int)
	}
	// first occurrence of each id is kept
	for key, i := range seen {
		for j := 0; j < i; j++ {
			if j%3 != 0 && respmerge.Stringify(float64(j%7)) == key {
				t.Fatalf("reviewid %s: kept i=%d but i=%d came first", key, i, j)
			}
		}
	}
}

func TestMergeCustomDedupeKey(t *testing.T) {
	records := []any{
		map[string]any{"id": "a", "reviewid": 1.0},
		map[string]any{"id": "a", "reviewid": 2.0},
	}
	got := recordsOf(t, mustMerge(t, respmerge.Options{Dedupe: true, DedupeKey: "id"}, respmerge.Input{Doc: records}))
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %#v", got)
	}
}

func TestMergeWithoutDedupeKeepsDuplicates(t *testing.T) {
	a := envelope(map[string]any{"reviewid": 1.0})
	got := recordsOf(t, mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: a}, respmerge.Input{Doc: a}))
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestMergeFilterProjection(t *testing.T) {
	rec := map[string]any{
		"reviewid": 1.0,
		"content":  "A",
		"prodAttrs": []any{
			map[string]any{"attrname": "color", "attrvalue": "red"},
		},
	}
	got := recordsOf(t, mustMerge(t, respmerge.Options{},
		respmerge.Input{Doc: envelope(rec), Filter: "content,prodAttrs[0].attrvalue"}))

	want := []any{map[string]any{
		"content": "A",
		"prodAttrs": []any{
			map[string]any{"attrvalue": "red"},
		},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	// the projection is a fresh object
	got[0].(map[string]any)["content"] = "changed"
	if rec["content"] != "A" {
		t.Fatal("projection aliases the source record")
	}
}

func TestMergeFilterMissingFieldKeepsShape(t *testing.T) {
	rec := map[string]any{"content": "A"}
	got := recordsOf(t, mustMerge(t, respmerge.Options{},
		respmerge.Input{Doc: []any{rec}, Filter: "content, author.name, tags[1]"}))

	want := []any{map[string]any{
		"content": "A",
		"author":  map[string]any{"name": respmerge.Undefined},
		"tags":    []any{respmerge.Undefined, respmerge.Undefined},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	exported, err := json.Marshal(respmerge.Export(got))
	if err != nil {
		t.Fatal(err)
	}
	if string(exported) != `[{"author":{},"content":"A","tags":[null,null]}]` {
		t.Fatalf("exported %s", exported)
	}
}

func TestMergeFilterKeepsArrayUnderPlainStep(t *testing.T) {
	rec := map[string]any{
		"content": "A",
		"prodAttrs": []any{
			map[string]any{"attrname": "color", "attrvalue": "red"},
		},
	}
	got := recordsOf(t, mustMerge(t, respmerge.Options{},
		respmerge.Input{Doc: envelope(rec), Filter: "prodAttrs[0].attrname, prodAttrs.x"}))

	want := []any{map[string]any{
		"prodAttrs": []any{
			map[string]any{"attrname": "color"},
		},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestMergeFilterEnvelopePrefixes(t *testing.T) {
	rec := map[string]any{"content": "A", "rating": 5.0}
	got := recordsOf(t, mustMerge(t, respmerge.Options{},
		respmerge.Input{Doc: envelope(rec), Filter: "data.data.content, data.rating"}))
	want := []any{map[string]any{"content": "A", "rating": 5.0}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestMergeFilterPerInput(t *testing.T) {
	a := envelope(map[string]any{"reviewid": 1.0, "content": "A", "rating": 4.0})
	b := envelope(map[string]any{"reviewid": 2.0, "content": "B", "rating": 5.0})

	got := recordsOf(t, mustMerge(t, respmerge.Options{},
		respmerge.Input{Doc: a, Filter: "content"},
		respmerge.Input{Doc: b}))
	want := []any{
		map[string]any{"content": "A"},
		map[string]any{"reviewid": 2.0, "content": "B", "rating": 5.0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestMergeFilterRemovesDedupeKey(t *testing.T) {
	a := envelope(
		map[string]any{"reviewid": 1.0, "content": "same"},
		map[string]any{"reviewid": 1.0, "content": "same"},
	)
	got := recordsOf(t, mustMerge(t, respmerge.Options{Dedupe: true},
		respmerge.Input{Doc: a, Filter: "content"}))
	if len(got) != 2 {
		t.Fatalf("records without reviewid must not be deduplicated, got %#v", got)
	}
}

func TestMergeRecordExtraction(t *testing.T) {
	tests := []struct {
		name string
		doc  any
		want int
	}{
		{"envelope", envelope(1.0, 2.0), 2},
		{"bare array", []any{1.0, 2.0, 3.0}, 3},
		{"object without records", map[string]any{"data": map[string]any{"data": "nope"}}, 0},
		{"data is array", map[string]any{"data": []any{1.0}}, 0},
		{"scalar", "text", 0},
		{"null", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recordsOf(t, mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: tt.doc}))
			if len(got) != tt.want {
				t.Fatalf("got %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestMergeOrder(t *testing.T) {
	a := envelope(map[string]any{"n": 1}, map[string]any{"n": 2})
	b := []any{map[string]any{"n": 3}}
	c := envelope(map[string]any{"n": 4})

	got := recordsOf(t, mustMerge(t, respmerge.Options{},
		respmerge.Input{Doc: a}, respmerge.Input{Doc: b}, respmerge.Input{Doc: c}))
	for i, r := range got {
		if r.(map[string]any)["n"] != i+1 {
			t.Fatalf("record %d out of order: %#v", i, got)
		}
	}
}

func TestMergeBaseSelection(t *testing.T) {
	t.Run("array first document", func(t *testing.T) {
		got := mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: []any{"x"}})
		if got["state"] != "OK" || got["message"] != nil {
			t.Fatalf("expected default envelope, got %#v", got)
		}
		if !reflect.DeepEqual(recordsOf(t, got), []any{"x"}) {
			t.Fatalf("records = %#v", recordsOf(t, got))
		}
		if dataOf(t, got)["pageCount"] != 1 {
			t.Fatalf("pageCount = %v", dataOf(t, got)["pageCount"])
		}
	})

	t.Run("extra fields survive", func(t *testing.T) {
		doc := envelope()
		doc["extra"] = map[string]any{"k": "v"}
		got := mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: doc})
		if !reflect.DeepEqual(got["extra"], map[string]any{"k": "v"}) {
			t.Fatalf("extra = %#v", got["extra"])
		}
		// deep copy
		got["extra"].(map[string]any)["k"] = "changed"
		if doc["extra"].(map[string]any)["k"] != "v" {
			t.Fatal("base is not a deep copy")
		}
	})

	t.Run("missing data object", func(t *testing.T) {
		got := mustMerge(t, respmerge.Options{},
			respmerge.Input{Doc: map[string]any{"state": "FAIL", "data": "oops"}},
			respmerge.Input{Doc: []any{1.0}})
		if got["state"] != "FAIL" {
			t.Fatalf("state = %v", got["state"])
		}
		data := dataOf(t, got)
		if !reflect.DeepEqual(data["data"], []any{1.0}) || data["count"] != 1 || data["pageCount"] != 1 {
			t.Fatalf("data = %#v", data)
		}
	})

	t.Run("falsy page count", func(t *testing.T) {
		for _, pc := range []any{0.0, nil, "", false} {
			doc := envelope()
			doc["data"].(map[string]any)["pageCount"] = pc
			got := mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: doc})
			if dataOf(t, got)["pageCount"] != 1 {
				t.Fatalf("pageCount %#v not defaulted: %v", pc, dataOf(t, got)["pageCount"])
			}
		}
	})

	t.Run("empty records is an empty array", func(t *testing.T) {
		got := mustMerge(t, respmerge.Options{}, respmerge.Input{Doc: map[string]any{}})
		records := recordsOf(t, got)
		if records == nil || len(records) != 0 {
			t.Fatalf("records = %#v", records)
		}
	})
}

func TestMergeIndependentResults(t *testing.T) {
	doc := envelope(map[string]any{"reviewid": 1.0})
	m, err := respmerge.NewMerger(respmerge.Options{Now: fixedClock})
	if err != nil {
		t.Fatal(err)
	}
	first := m.Merge(respmerge.Input{Doc: doc})
	second := m.Merge(respmerge.Input{Doc: doc})
	dataOf(t, first)["count"] = 42
	if dataOf(t, second)["count"] != 1 {
		t.Fatal("merges share output trees")
	}
}

func TestMergeRecordSelector(t *testing.T) {
	doc := map[string]any{
		"payload": map[string]any{
			"reviews": []any{
				map[string]any{"reviewid": 1.0},
				map[string]any{"reviewid": 2.0},
			},
		},
	}

	t.Run("array node is flattened", func(t *testing.T) {
		got := recordsOf(t, mustMerge(t, respmerge.Options{RecordSelector: "$.payload.reviews"}, respmerge.Input{Doc: doc}))
		if len(got) != 2 {
			t.Fatalf("got %#v", got)
		}
	})

	t.Run("wildcard selects records", func(t *testing.T) {
		got := recordsOf(t, mustMerge(t, respmerge.Options{RecordSelector: "$.payload.reviews[*]"}, respmerge.Input{Doc: doc}))
		if len(got) != 2 {
			t.Fatalf("got %#v", got)
		}
	})

	t.Run("falls back when nothing is selected", func(t *testing.T) {
		got := recordsOf(t, mustMerge(t, respmerge.Options{RecordSelector: "$.payload.reviews"}, respmerge.Input{Doc: envelope(1.0)}))
		if len(got) != 1 {
			t.Fatalf("got %#v", got)
		}
	})

	t.Run("invalid selector", func(t *testing.T) {
		_, err := respmerge.NewMerger(respmerge.Options{RecordSelector: "$[?"})
		if !errors.Is(err, respmerge.ErrInvalidOptions) {
			t.Fatalf("expected ErrInvalidOptions, got %v", err)
		}
	})
}

func TestMergerOptionsDefaults(t *testing.T) {
	m, err := respmerge.NewMerger(respmerge.Options{})
	if err != nil {
		t.Fatal(err)
	}
	opts := m.Options()
	if opts.DedupeKey != respmerge.DefaultDedupeKey {
		t.Errorf("DedupeKey = %q", opts.DedupeKey)
	}
	if opts.Now == nil {
		t.Error("Now not defaulted")
	}
}

func TestMergeMarshalJSON(t *testing.T) {
	a := []byte(`{"state":"OK","message":null,"serverTime":1,"data":{"pageCount":2,"count":1,"abVersions":null,"data":[{"reviewid":1,"content":"A","extra":true}],"expIds":null}}`)
	b := []byte(`{"data":{"data":[{"reviewid":1,"content":"dup"},{"reviewid":2,"content":"B"}]}}`)

	out, err := respmerge.MergeMarshal(
		respmerge.Options{Dedupe: true, Now: fixedClock},
		json.Unmarshal, json.Marshal,
		respmerge.Document{Data: a, Filter: "content, missing"},
		respmerge.Document{Data: b},
	)
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"state":      "OK",
		"message":    nil,
		"serverTime": float64(fixedNow.UnixMilli()),
		"data": map[string]any{
			"pageCount":  2.0,
			"count":      3.0,
			"abVersions": nil,
			"expIds":     nil,
			"data": []any{
				map[string]any{"content": "A"},
				map[string]any{"reviewid": 1.0, "content": "dup"},
				map[string]any{"reviewid": 2.0, "content": "B"},
			},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v\nwant %#v", got, want)
	}
}

func TestMergeMarshalFormats(t *testing.T) {
	yamlDoc := []byte(`
data:
  data:
    - reviewid: 1
      content: A
`)
	tomlDoc := []byte(`
[data]
[[data.data]]
reviewid = 1
content = "dup"
[[data.data]]
reviewid = 2
content = "B"
`)

	var yamlParsed, tomlParsed any
	if err := yaml.Unmarshal(yamlDoc, &yamlParsed); err != nil {
		t.Fatal(err)
	}
	if err := toml.Unmarshal(tomlDoc, &tomlParsed); err != nil {
		t.Fatal(err)
	}

	got := recordsOf(t, mustMerge(t, respmerge.Options{Dedupe: true},
		respmerge.Input{Doc: yamlParsed}, respmerge.Input{Doc: tomlParsed}))
	if len(got) != 2 {
		t.Fatalf("uint64 and int64 ids should dedupe together, got %#v", got)
	}
}

func TestMergeMarshalParseError(t *testing.T) {
	_, err := respmerge.MergeMarshal(respmerge.Options{}, json.Unmarshal, json.Marshal,
		respmerge.Document{Data: []byte(`{}`)},
		respmerge.Document{Data: []byte(`{nope`)},
	)
	if !errors.Is(err, respmerge.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	var parseErr *respmerge.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if parseErr.DocIndex != 1 {
		t.Errorf("DocIndex = %d, want 1", parseErr.DocIndex)
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Errorf("underlying error not unwrapped: %v", err)
	}
	if got := err.Error(); !strings.HasPrefix(got, "Invalid JSON: ") {
		t.Errorf("message = %q", got)
	}
}

func TestMergeMarshalError(t *testing.T) {
	failing := func(any) ([]byte, error) { return nil, errors.New("boom") }
	_, err := respmerge.MergeMarshal(respmerge.Options{}, json.Unmarshal, failing)
	if !errors.Is(err, respmerge.ErrMarshal) {
		t.Fatalf("expected ErrMarshal, got %v", err)
	}
}
