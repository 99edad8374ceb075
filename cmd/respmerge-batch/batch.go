// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/goccy/go-yaml"

	"github.com/sam-fredrickson/respmerge/internal/workspace"
)

// Request is the batch input read from stdin, as YAML or JSON.
type Request struct {
	Inputs          []RequestInput   `yaml:"inputs" json:"inputs"`
	UniversalFilter string           `yaml:"universalFilter,omitempty" json:"universalFilter,omitempty"`
	Dedupe          bool             `yaml:"dedupe,omitempty" json:"dedupe,omitempty"`
	Compact         bool             `yaml:"compact,omitempty" json:"compact,omitempty"`
	Aggregate       *workspace.Query `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
}

// RequestInput is one pasted document with an optional filter of its own.
type RequestInput struct {
	JSON   string `yaml:"json" json:"json"`
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// Response is written to stdout in the format of the request. Either Result
// or Errors is set.
type Response struct {
	Result string       `yaml:"result,omitempty" json:"result,omitempty"`
	Counts []CountItem  `yaml:"counts,omitempty" json:"counts,omitempty"`
	Errors []InputError `yaml:"errors,omitempty" json:"errors,omitempty"`
}

// CountItem is one row of the aggregation table.
type CountItem struct {
	Value string `yaml:"value" json:"value"`
	Count int    `yaml:"count" json:"count"`
}

// InputError reports an input that did not decode.
type InputError struct {
	Index   int    `yaml:"index" json:"index"`
	Message string `yaml:"message" json:"message"`
}

// Run reads a Request from in, merges its inputs and writes a Response to
// out. Inputs that do not decode are reported in the response; only a
// malformed request or an invalid aggregation query fails the run.
func Run(in io.Reader, out io.Writer, logger *slog.Logger) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	asJSON := isJSON(data)

	var req Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}

	resp, err := handle(&req, logger)
	if err != nil {
		return err
	}

	if err := writeResponse(out, resp, asJSON); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// handle runs the request through a workspace holding one entry per input,
// in request order.
func handle(req *Request, logger *slog.Logger) (*Response, error) {
	w := &workspace.Workspace{
		UniversalFilter: req.UniversalFilter,
		Dedupe:          req.Dedupe,
		Compact:         req.Compact,
		Logger:          logger,
	}
	if req.Aggregate != nil && !req.Aggregate.IsZero() {
		if err := req.Aggregate.Validate(); err != nil {
			return nil, fmt.Errorf("invalid aggregate: %w", err)
		}
		w.Aggregate = *req.Aggregate
	}
	for i, in := range req.Inputs {
		w.Entries = append(w.Entries, &workspace.Entry{
			ID:     fmt.Sprintf("input-%d", i),
			Text:   in.JSON,
			Filter: in.Filter,
		})
	}

	res, err := w.Apply("")
	if errors.Is(err, workspace.ErrInvalidInputs) {
		resp := &Response{}
		for i, e := range w.Entries {
			if e.Err != nil {
				resp.Errors = append(resp.Errors, InputError{Index: i, Message: e.Err.Error()})
			}
		}
		logger.Debug("request has invalid inputs", "errors", len(resp.Errors))
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &Response{Result: res.Text}
	if res.Counts != nil {
		for _, e := range res.Counts.Sorted() {
			resp.Counts = append(resp.Counts, CountItem{Value: e.Value, Count: e.Count})
		}
	}
	return resp, nil
}

func writeResponse(w io.Writer, resp *Response, asJSON bool) error {
	var (
		data []byte
		err  error
	)
	if asJSON {
		data, err = json.MarshalIndent(resp, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(resp)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// isJSON reports whether the request text starts like a JSON object.
func isJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
