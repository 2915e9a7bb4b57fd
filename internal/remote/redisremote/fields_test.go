package redisremote

import "testing"

func TestFieldRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"string", "hello", "hello"},
		{"string that looks numeric", "42", "42"},
		{"int widens to int64", 7, int64(7)},
		{"int64", int64(-3), int64(-3)},
		{"bool true", true, true},
		{"bool false", false, false},
		{"float", 1.5, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeField(encodeField(tt.in))
			if got != tt.want {
				t.Errorf("decode(encode(%v)) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
			}
		})
	}
}

func TestEncodeIntStaysPlain(t *testing.T) {
	// HINCRBY only works on unquoted integer strings.
	if s := encodeField(int64(12)); s != "12" {
		t.Errorf("encodeField(12) = %q", s)
	}
}

func TestDecodeFieldsSkipsCreateGuard(t *testing.T) {
	data := decodeFields(map[string]string{
		createdField: "1",
		"body":       `"hi"`,
		"sent_at":    "1700000000000",
	})
	if _, ok := data[createdField]; ok {
		t.Error("create guard leaked into document data")
	}
	if data["body"] != "hi" || data["sent_at"] != int64(1700000000000) {
		t.Errorf("decoded = %v", data)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path       string
		collection string
		id         string
		ok         bool
	}{
		{"threads/t1", "threads", "t1", true},
		{"threads/a:b/messages/m1", "threads/a:b/messages", "m1", true},
		{"threads/", "", "", false},
		{"threads", "", "", false},
		{"/t1", "", "", false},
	}
	for _, tt := range tests {
		col, id, ok := splitPath(tt.path)
		if col != tt.collection || id != tt.id || ok != tt.ok {
			t.Errorf("splitPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, col, id, ok, tt.collection, tt.id, tt.ok)
		}
	}
}
