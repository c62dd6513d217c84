package engine

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/hooktable/hooktable/internal/errors"
)

// Field is one named plaintext value.
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered list of fields with unique names. It encodes as a JSON
// object whose keys keep their order.
type Fields []Field

// Get returns the value of the named field.
func (f Fields) Get(name string) (string, bool) {
	for _, fl := range f {
		if fl.Name == name {
			return fl.Value, true
		}
	}
	return "", false
}

// Validate rejects names and values that are not valid UTF-8. JSON cannot
// carry them unchanged.
func (f Fields) Validate() error {
	for _, fl := range f {
		if !utf8.ValidString(fl.Name) || !utf8.ValidString(fl.Value) {
			return errInvalidUTF8
		}
	}
	return nil
}

var errInvalidUTF8 = errors.MissingField("Payload is not valid UTF-8")

// MarshalJSON implements json.Marshaler. Strings are not HTML-escaped.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	buf.WriteByte('{')
	for i, fl := range f {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(fl.Name); err != nil {
			return nil, err
		}
		// Encode terminates each value with a newline.
		buf.Truncate(buf.Len() - 1)
		buf.WriteByte(':')
		if err := enc.Encode(fl.Value); err != nil {
			return nil, err
		}
		buf.Truncate(buf.Len() - 1)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. See DecodeFields.
func (f *Fields) UnmarshalJSON(data []byte) error {
	out, err := DecodeFields(data)
	if err != nil {
		return err
	}
	*f = out
	return nil
}

// DecodeFields parses a JSON object into Fields, keeping key order.
//
// String values are kept verbatim, null becomes the empty string and any
// other value is kept as its compact JSON text. Empty input yields no fields.
// A key that appears twice is a DuplicateEntryInPayload error.
func DecodeFields(data []byte) (Fields, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	// The decoder silently replaces invalid bytes with U+FFFD.
	if !utf8.Valid(data) {
		return nil, errInvalidUTF8
	}
	invalid := errors.MissingField("Invalid JSON body")
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, invalid
	}
	var out Fields
	seen := map[string]struct{}{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, invalid
		}
		name, ok := tok.(string)
		if !ok {
			return nil, invalid
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, invalid
		}
		if _, dup := seen[name]; dup {
			return nil, duplicated(name)
		}
		seen[name] = struct{}{}
		v, err := stringify(raw)
		if err != nil {
			return nil, invalid
		}
		out = append(out, Field{Name: name, Value: v})
	}
	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return nil, invalid
	}
	if _, err := dec.Token(); err == nil {
		// Trailing data after the object.
		return nil, invalid
	}
	return out, nil
}

func stringify(raw json.RawMessage) (string, error) {
	switch {
	case len(raw) == 0:
		return "", nil
	case raw[0] == '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case bytes.Equal(raw, []byte("null")):
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FieldsFromQuery returns the query parameters as Fields in the order they
// appear in the raw query. A parameter given twice is a
// DuplicateEntryInPayload error.
func FieldsFromQuery(rawQuery string) (Fields, error) {
	var out Fields
	seen := map[string]struct{}{}
	for rawQuery != "" {
		var pair string
		pair, rawQuery, _ = strings.Cut(rawQuery, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			return nil, errors.MissingField("Invalid query string")
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, errors.MissingField("Invalid query string")
		}
		if !utf8.ValidString(name) || !utf8.ValidString(value) {
			return nil, errInvalidUTF8
		}
		if _, dup := seen[name]; dup {
			return nil, duplicated(name)
		}
		seen[name] = struct{}{}
		out = append(out, Field{Name: name, Value: value})
	}
	return out, nil
}

// MergeFields concatenates parts, rejecting a name present in more than one.
// An empty result is a MissingField error.
func MergeFields(parts ...Fields) (Fields, error) {
	var out Fields
	seen := map[string]struct{}{}
	for _, p := range parts {
		for _, fl := range p {
			if _, dup := seen[fl.Name]; dup {
				return nil, duplicated(fl.Name)
			}
			seen[fl.Name] = struct{}{}
			out = append(out, fl)
		}
	}
	if len(out) == 0 {
		return nil, errors.MissingField("No data found")
	}
	return out, nil
}

func duplicated(name string) *errors.Error {
	return errors.Newf(errors.KindDuplicateEntry, "Column %s duplicated", name)
}
