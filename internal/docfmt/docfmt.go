// SPDX-License-Identifier: Apache-2.0

// Package docfmt decodes and encodes documents in the formats the command
// line tools accept: JSON, YAML and TOML, each optionally gzip-compressed.
package docfmt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
	"github.com/klauspost/compress/gzip"

	"github.com/sam-fredrickson/respmerge"
)

// Format names a document encoding. The empty Format means "same as input".
type Format string

const (
	// JSON is encoding/json with two-space indentation.
	JSON Format = "json"
	// YAML is YAML 1.2 as read and written by goccy/go-yaml.
	YAML Format = "yaml"
	// TOML is TOML 1.0 as read and written by BurntSushi/toml.
	TOML Format = "toml"
)

const gzipExt = ".gz"

// ErrUnsupported is returned for file extensions and format names that are
// not recognized.
var ErrUnsupported = errors.New("unsupported format")

var validFormats = map[string]Format{
	"":     "",
	"json": JSON,
	"yaml": YAML,
	"yml":  YAML,
	"toml": TOML,
}

// Parse returns the Format named by s, case-insensitively.
func Parse(s string) (Format, error) {
	f, ok := validFormats[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
	return f, nil
}

func (f *Format) String() string {
	return string(*f)
}

// Set implements pflag.Value.
func (f *Format) Set(value string) error {
	parsed, err := Parse(value)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Type implements pflag.Value.
func (f *Format) Type() string {
	return "format"
}

// FromPath infers the format of a file from its extension. A trailing .gz is
// looked through and reported as compressed.
func FromPath(path string) (f Format, compressed bool, err error) {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, gzipExt) {
		compressed = true
		name = strings.TrimSuffix(name, gzipExt)
	}
	switch filepath.Ext(name) {
	case ".json":
		f = JSON
	case ".yaml", ".yml":
		f = YAML
	case ".toml":
		f = TOML
	default:
		return "", compressed, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	return f, compressed, nil
}

// Unmarshaler returns the decode function for f.
func Unmarshaler(f Format) (func([]byte, any) error, error) {
	switch f {
	case JSON:
		return json.Unmarshal, nil
	case YAML:
		return yaml.Unmarshal, nil
	case TOML:
		return toml.Unmarshal, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, string(f))
	}
}

// Decode parses data in format f into a generic document tree built only
// from map[string]any, []any and scalars.
func Decode(f Format, data []byte) (any, error) {
	unmarshal, err := Unmarshaler(f)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return respmerge.Clone(doc), nil
}

// ReadFile reads path, decompressing it when its name ends in .gz, and
// returns the raw bytes together with the inferred format.
func ReadFile(path string) ([]byte, Format, error) {
	f, compressed, err := FromPath(path)
	if err != nil {
		return nil, "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	var r io.Reader = file
	if compressed {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return data, f, nil
}

// Encode renders doc in format f. JSON is indented by two spaces unless
// compact is set; compact has no effect on YAML and TOML. Undefined values
// are removed first. TOML has no null, so null array elements, such as the
// padding written by indexed filters, are encoded as empty tables.
func Encode(f Format, doc any, compact bool) ([]byte, error) {
	doc = respmerge.Export(doc)
	switch f {
	case JSON:
		return encodeJSON(doc, compact)
	case YAML:
		return yaml.Marshal(doc)
	case TOML:
		return toml.Marshal(fillNullElements(doc))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, string(f))
	}
}

// fillNullElements returns a copy of doc in which every nil array element is
// an empty table.
func fillNullElements(doc any) any {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = fillNullElements(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			if elem == nil {
				out[i] = map[string]any{}
				continue
			}
			out[i] = fillNullElements(elem)
		}
		return out
	default:
		return doc
	}
}

// encodeJSON marshals without HTML escaping and without a trailing newline.
func encodeJSON(doc any, compact bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if !compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteFile writes data to path, gzip-compressing it when the name ends in .gz.
func WriteFile(path string, data []byte) error {
	if !strings.HasSuffix(strings.ToLower(path), gzipExt) {
		return os.WriteFile(path, data, 0o644)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(file)
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		_ = file.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
