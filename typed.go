// SPDX-License-Identifier: Apache-2.0

package respmerge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// TagKind identifies which rm struct tag directive had an error.
type TagKind int

const (
	// UnknownTag indicates an unknown or unsupported rm tag directive.
	UnknownTag TagKind = iota
	// PathTag indicates an error with the path part of an rm tag.
	PathTag
	// TypeTag indicates the tagged type cannot be decoded into.
	TypeTag
)

func (k TagKind) String() string {
	switch k {
	case UnknownTag:
		return "unknown"
	case PathTag:
		return "path"
	case TypeTag:
		return "type"
	default:
		return fmt.Sprintf("TagKind(%d)", k)
	}
}

// InvalidTagError is returned when an rm struct tag is invalid.
type InvalidTagError struct {
	// Kind indicates which part of the tag had the error.
	Kind TagKind
	// FieldName is the struct field name where the error occurred.
	FieldName string
	// Value is the invalid value.
	Value string
	// Message provides details about what went wrong.
	Message string
}

func (e *InvalidTagError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("field %s: invalid %s tag: %s (value: %q)",
			e.FieldName, e.Kind.String(), e.Message, e.Value)
	}
	return fmt.Sprintf("field %s: invalid %s tag: %s",
		e.FieldName, e.Kind.String(), e.Message)
}

func (e *InvalidTagError) Is(target error) bool {
	return target == ErrInvalidTag
}

// Decoder reads records into values of type T.
//
// Each exported field of T is read from the record at a path. The path comes
// from the rm struct tag, falling back to the field's json, yaml or toml name,
// and finally to the Go field name:
//
//	type Review struct {
//		ID      int    `json:"id" rm:"reviewid"`
//		Content string `json:"content"`
//		Color   string `json:"color" rm:"prodAttrs[0].attrvalue"`
//		Ignored string `rm:"-"`
//	}
//
// Paths use the same grammar as filters and may not contain [*]. Values are
// converted through JSON, so a field is left at its zero value when the path
// does not resolve.
type Decoder[T any] struct {
	fields []decodeField
}

type decodeField struct {
	name string // JSON name in the intermediate object
	path Path
}

// NewDecoder builds a [Decoder] from T's struct tags.
// T must be a struct type.
func NewDecoder[T any]() (*Decoder[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, &InvalidTagError{
			Kind:      TypeTag,
			FieldName: t.String(),
			Message:   "decoder target must be a struct",
		}
	}

	var fields []decodeField
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, skip := jsonName(field)
		if skip {
			continue
		}

		rmTag := field.Tag.Get("rm")
		if rmTag == "-" {
			continue
		}
		path, err := fieldPath(field, rmTag)
		if err != nil {
			return nil, err
		}
		fields = append(fields, decodeField{name: name, path: path})
	}
	return &Decoder[T]{fields: fields}, nil
}

// Decode reads one record into a T.
func (d *Decoder[T]) Decode(record any) (T, error) {
	var out T
	obj := make(map[string]any, len(d.fields))
	for _, f := range d.fields {
		v := GetValue(record, f.path)
		if IsUndefined(v) {
			continue
		}
		obj[f.name] = Export(v)
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return out, &MarshalError{Err: err}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

// DecodeAll reads every record. It stops at the first record that fails.
func (d *Decoder[T]) DecodeAll(records []any) ([]T, error) {
	out := make([]T, 0, len(records))
	for i, rec := range records {
		v, err := d.Decode(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// jsonName returns the name encoding/json uses for field, and whether
// encoding/json ignores it.
func jsonName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name, false
	}
	return field.Name, false
}

// fieldPath resolves the source path of a field.
// Priority: rm tag > json > yaml > toml > struct field name.
func fieldPath(field reflect.StructField, rmTag string) (Path, error) {
	raw := strings.TrimSpace(rmTag)
	if raw == "" {
		raw = serializedName(field)
	}
	if strings.ContainsAny(raw, ", ") {
		return nil, &InvalidTagError{
			Kind:      UnknownTag,
			FieldName: field.Name,
			Value:     raw,
			Message:   "rm tag takes a single path",
		}
	}
	if err := ValidatePath(raw); err != nil {
		return nil, &InvalidTagError{
			Kind:      PathTag,
			FieldName: field.Name,
			Value:     raw,
			Message:   err.Error(),
		}
	}
	path := ParsePath(raw)
	if path.HasWildcard() {
		return nil, &InvalidTagError{
			Kind:      PathTag,
			FieldName: field.Name,
			Value:     raw,
			Message:   "wildcards select many values; use a fixed index",
		}
	}
	return path, nil
}

func serializedName(field reflect.StructField) string {
	for _, tagName := range []string{"json", "yaml", "toml"} {
		if tag := field.Tag.Get(tagName); tag != "" && tag != "-" {
			if name, _, _ := strings.Cut(tag, ","); name != "" {
				return name
			}
		}
	}
	return field.Name
}
