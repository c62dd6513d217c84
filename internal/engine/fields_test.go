package engine

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/hooktable/hooktable/internal/errors"
)

func TestDecodeFields(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Fields
		wantErr errors.Kind
	}{
		{"empty", "", nil, ""},
		{"empty object", "{}", nil, ""},
		{"order kept", `{"z":"1","a":"2","m":"3"}`, Fields{{"z", "1"}, {"a", "2"}, {"m", "3"}}, ""},
		{"scalars", `{"n":42,"f":1.50,"b":true,"x":null}`, Fields{{"n", "42"}, {"f", "1.50"}, {"b", "true"}, {"x", ""}}, ""},
		{"nested", `{"o":{ "k" : [1, 2] }}`, Fields{{"o", `{"k":[1,2]}`}}, ""},
		{"escaped", `{"a\"b":"line\nbreak"}`, Fields{{`a"b`, "line\nbreak"}}, ""},
		{"duplicate key", `{"a":"1","a":"2"}`, nil, errors.KindDuplicateEntry},
		{"array", `["a"]`, nil, errors.KindMissingField},
		{"not json", `{a:1}`, nil, errors.KindMissingField},
		{"truncated", `{"a":"1"`, nil, errors.KindMissingField},
		{"trailing", `{"a":"1"} {}`, nil, errors.KindMissingField},
		{"invalid utf-8 value", "{\"a\":\"\xff\"}", nil, errors.KindMissingField},
		{"invalid utf-8 names", "{\"\xff\":\"1\",\"\xfe\":\"2\"}", nil, errors.KindMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFields([]byte(tt.in))
			if got := errors.KindOf(err); got != tt.wantErr {
				t.Fatalf("error = %v, want kind %q", err, tt.wantErr)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("DecodeFields() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDuplicateMessage(t *testing.T) {
	_, err := DecodeFields([]byte(`{"email":"a","email":"b"}`))
	e, ok := errors.As(err)
	if !ok || e.Message() != "Column email duplicated" || e.StatusCode() != 409 {
		t.Errorf("error = %v", err)
	}
}

func TestFieldsJSON(t *testing.T) {
	in := Fields{{"z", "1"}, {"a", "b c"}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), `{"z":"1","a":"b c"}`; got != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
	var out Fields
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(in, out) {
		t.Errorf("Unmarshal() = %v, want %v", out, in)
	}
	if data, _ := json.Marshal(Fields(nil)); string(data) != "{}" {
		t.Errorf("Marshal(nil) = %s", data)
	}
}

func TestFieldsFromQuery(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Fields
		wantErr errors.Kind
	}{
		{"empty", "", nil, ""},
		{"order kept", "b=2&a=1", Fields{{"b", "2"}, {"a", "1"}}, ""},
		{"escaped", "full+name=Ann%20Lee&k", Fields{{"full name", "Ann Lee"}, {"k", ""}}, ""},
		{"repeated", "a=1&a=2", nil, errors.KindDuplicateEntry},
		{"bad escape", "a=%zz", nil, errors.KindMissingField},
		{"invalid utf-8 names", "%ff=1&%fe=2", nil, errors.KindMissingField},
		{"invalid utf-8 value", "a=%c3", nil, errors.KindMissingField},
		{"utf-8", "caf%C3%A9=%E2%9C%93", Fields{{"café", "✓"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FieldsFromQuery(tt.in)
			if got := errors.KindOf(err); got != tt.wantErr {
				t.Fatalf("error = %v, want kind %q", err, tt.wantErr)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("FieldsFromQuery() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeFields(t *testing.T) {
	got, err := MergeFields(Fields{{"a", "1"}}, nil, Fields{{"b", "2"}})
	if err != nil || !slices.Equal(got, Fields{{"a", "1"}, {"b", "2"}}) {
		t.Errorf("MergeFields() = %v, %v", got, err)
	}
	_, err = MergeFields(Fields{{"a", "1"}}, Fields{{"a", "2"}})
	if errors.KindOf(err) != errors.KindDuplicateEntry {
		t.Errorf("cross-source duplicate error = %v", err)
	}
	_, err = MergeFields(nil, Fields{})
	if e, ok := errors.As(err); !ok || e.Kind() != errors.KindMissingField || e.Message() != "No data found" {
		t.Errorf("empty merge error = %v", err)
	}
}

func TestValidateTableID(t *testing.T) {
	for _, id := range []string{"abc", "a-b_c", "0123456789", "xyz"} {
		if err := ValidateTableID(id); err != nil {
			t.Errorf("ValidateTableID(%q) = %v", id, err)
		}
	}
	for _, id := range []string{"", "ab", "ABC", "a.b", "a b", "ñandu", string(slices.Repeat([]byte("a"), 51))} {
		if err := ValidateTableID(id); errors.KindOf(err) != errors.KindInvalidTableID {
			t.Errorf("ValidateTableID(%q) = %v", id, err)
		}
	}
}

func TestDiffNewColumns(t *testing.T) {
	reg := []ResolvedColumn{{Name: "a", Hash: "ha", Cipher: "c1"}, {Name: "b", Hash: "hb", Cipher: "c2"}, {Name: "a", Hash: "ha", Cipher: "c3"}}
	got := DiffNewColumns(nil, reg)
	if len(got) != 2 || got[0].Cipher != "c1" || got[1].Cipher != "c2" {
		t.Errorf("DiffNewColumns(empty) = %v", got)
	}
	got = DiffNewColumns(got, []ResolvedColumn{{Hash: "ha", Cipher: "c9"}, {Hash: "hc", Cipher: "c4"}})
	if len(got) != 1 || got[0].Hash != "hc" {
		t.Errorf("DiffNewColumns(existing) = %v", got)
	}
}

func TestFieldsValidate(t *testing.T) {
	tests := []struct {
		name string
		in   Fields
		ok   bool
	}{
		{"empty", nil, true},
		{"ascii", Fields{{"a", "1"}}, true},
		{"unicode", Fields{{"café", "✓"}}, true},
		{"bad name", Fields{{"\xff", "1"}}, false},
		{"bad value", Fields{{"a", "x\xc3"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok %v", err, tt.ok)
			}
			if err != nil && errors.KindOf(err) != errors.KindMissingField {
				t.Errorf("kind = %s", errors.KindOf(err))
			}
		})
	}
}
