// SPDX-License-Identifier: Apache-2.0

package respmerge

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
)

const wildcardMarker = "[*]"

// Counts is a frequency table of stringified values.
// Keys are remembered in the order they were first added.
//
// The zero value is an empty table ready for use.
type Counts struct {
	keys   []string
	counts map[string]int
}

// Entry is one row of a [Counts] table.
type Entry struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// NewCounts returns an empty table.
func NewCounts() *Counts {
	return &Counts{counts: make(map[string]int)}
}

// Add increments key by n.
func (c *Counts) Add(key string, n int) {
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	if _, ok := c.counts[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.counts[key] += n
}

// Get returns the count of key, or zero.
func (c *Counts) Get(key string) int {
	return c.counts[key]
}

// Len returns the number of distinct keys.
func (c *Counts) Len() int {
	return len(c.keys)
}

// Total returns the sum of all counts.
func (c *Counts) Total() int {
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Keys returns the keys in insertion order.
func (c *Counts) Keys() []string {
	return slices.Clone(c.keys)
}

// Entries returns the rows in insertion order.
func (c *Counts) Entries() []Entry {
	out := make([]Entry, len(c.keys))
	for i, k := range c.keys {
		out[i] = Entry{Value: k, Count: c.counts[k]}
	}
	return out
}

// Sorted returns the rows by descending count; equal counts keep insertion order.
func (c *Counts) Sorted() []Entry {
	out := c.Entries()
	slices.SortStableFunc(out, func(a, b Entry) int {
		return b.Count - a.Count
	})
	return out
}

// Map returns the table as a plain map.
func (c *Counts) Map() map[string]int {
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the table as an object whose keys keep insertion order.
func (c *Counts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(c.counts[k]))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SharedRoot reports whether matchPath and countPath walk the same array.
//
// Both paths must contain [*] and be literally identical, and non-empty, up
// to their first [*]. The remainders are what follows that [*], without the
// leading dot; an empty remainder addresses the array element itself.
func SharedRoot(matchPath, countPath string) (root, matchRest, countRest string, ok bool) {
	mi := strings.Index(matchPath, wildcardMarker)
	ci := strings.Index(countPath, wildcardMarker)
	if mi <= 0 || ci <= 0 || matchPath[:mi] != countPath[:ci] {
		return "", "", "", false
	}
	root = matchPath[:mi]
	matchRest = strings.TrimPrefix(matchPath[mi+len(wildcardMarker):], ".")
	countRest = strings.TrimPrefix(countPath[ci+len(wildcardMarker):], ".")
	return root, matchRest, countRest, true
}

// Aggregate counts the values found at countPath in records whose matchPath
// holds matchValue. Values are compared and counted by their [Stringify] form.
//
// When both paths share an array root (see [SharedRoot]), matching is scoped
// to each element of that array: for prodAttrs[*].attrname = "color" with
// prodAttrs[*].attrvalue, only the attrvalue next to a matching attrname is
// counted. Otherwise both paths are resolved against the whole record and
// every count value of a matching record is counted.
//
// Missing paths and non-array intermediates simply contribute nothing.
func Aggregate(records []any, matchPath, matchValue, countPath string) *Counts {
	counts := NewCounts()
	if root, matchRest, countRest, ok := SharedRoot(matchPath, countPath); ok {
		rootSteps := ParsePath(root)
		matchSteps := ParsePath(matchRest)
		countSteps := ParsePath(countRest)
		for _, rec := range records {
			arr, ok := GetValue(rec, rootSteps).([]any)
			if !ok {
				continue
			}
			for _, elem := range arr {
				tally(counts, elem, matchSteps, matchValue, countSteps)
			}
		}
		return counts
	}

	matchSteps := ParsePath(matchPath)
	countSteps := ParsePath(countPath)
	for _, rec := range records {
		tally(counts, rec, matchSteps, matchValue, countSteps)
	}
	return counts
}

// tally counts every value at countSteps of scope when any value at
// matchSteps equals matchValue.
func tally(counts *Counts, scope any, matchSteps Path, matchValue string, countSteps Path) {
	if !matches(ResolveAll(scope, matchSteps), matchValue) {
		return
	}
	for _, v := range ResolveAll(scope, countSteps) {
		counts.Add(Stringify(v), 1)
	}
}

func matches(values []any, want string) bool {
	for _, v := range values {
		if Stringify(v) == want {
			return true
		}
	}
	return false
}

// Records returns the record array of a merged envelope, or nil.
func Records(envelope any) []any {
	arr, _ := GetValue(envelope, envelopeRecords).([]any)
	return arr
}
