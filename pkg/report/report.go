// Package report builds the textual inspection report shown next to an overlay.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// EmptyText is what Format returns for a report without sections.
const EmptyText = "No report data available to display."

// ErrNotObject is returned by Parse when the input is not a JSON object.
var ErrNotObject = errors.New("report is not a JSON object")

// Section is one keyed entry of a report. Value is a string, float64, bool, nil,
// []any or a nested Report.
type Section struct {
	Key   string
	Value any
}

// Report is a JSON object whose key order is kept.
type Report []Section

// Parse decodes a JSON object into a Report, keeping key order at every level.
func Parse(data []byte) (Report, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, ErrNotObject
	}
	r, err := decodeObject(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("failed to parse report: trailing data")
	}
	return r, nil
}

func decodeObject(dec *json.Decoder) (Report, error) {
	r := Report{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		r = append(r, Section{Key: key, Value: v})
	}
	// closing '}'
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			items := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return items, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case json.Number:
		return t.Float64()
	default:
		return t, nil
	}
}

// Get returns the value stored under key.
func (r Report) Get(key string) (any, bool) {
	for _, s := range r {
		if s.Key == key {
			return s.Value, true
		}
	}
	return nil, false
}

// MarshalJSON writes the report as an object in section order.
func (r Report) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(s.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(s.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object with Parse. null leaves the report empty.
func (r *Report) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*r = nil
		return nil
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Title turns a report key into a heading: underscores become spaces and every
// word starts with a capital letter.
func Title(key string) string {
	b := []byte(strings.ReplaceAll(key, "_", " "))
	for i := range b {
		if isWordByte(b[i]) && (i == 0 || !isWordByte(b[i-1])) && b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Format renders the report as indented plain text.
func (r Report) Format() string {
	if len(r) == 0 {
		return EmptyText
	}
	var b strings.Builder
	for i, s := range r {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(Title(s.Key))
		b.WriteByte('\n')
		writeValue(&b, s.Value, "  ")
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeValue(b *strings.Builder, v any, indent string) {
	switch t := v.(type) {
	case nil:
	case Report:
		for _, s := range t {
			fmt.Fprintf(b, "%s%s:\n", indent, Title(s.Key))
			writeValue(b, s.Value, indent+"  ")
		}
	case []any:
		for _, item := range t {
			if text, ok := scalarText(item); ok {
				fmt.Fprintf(b, "%s- %s\n", indent, text)
				continue
			}
			fmt.Fprintf(b, "%s-\n", indent)
			writeValue(b, item, indent+"  ")
		}
	default:
		if text, ok := scalarText(t); ok {
			fmt.Fprintf(b, "%s%s\n", indent, text)
		}
	}
}

func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	}
	return "", false
}
