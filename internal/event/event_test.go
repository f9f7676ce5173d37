package event

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncodeIsSingleLine(t *testing.T) {
	e := WithValue(OutLog, "web", "line with\nnewline and {braces}")
	b, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Count(b, []byte("\n")) != 1 || b[len(b)-1] != '\n' {
		t.Fatalf("expected exactly one trailing newline, got %q", b)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != "outlog" || env.Process != "web" || env.Value != e.Value {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestEncodeOmitsAbsentValue(t *testing.T) {
	b, err := New(ProcessStarted, "web").Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Contains(b, []byte("Value")) {
		t.Fatalf("value should be omitted: %s", b)
	}
	b, err = WithValue(ProcessRenamed, "a", "").Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Contains(b, []byte(`"Value":""`)) {
		t.Fatalf("empty value should be present: %s", b)
	}
}

func TestMaskHelpers(t *testing.T) {
	m, err := ParseMask(" 24 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !m.Has(ProcessStarted) || !m.Has(ProcessAdded) || m.Has(ProcessStopped) {
		t.Fatalf("unexpected mask bits: %d", m)
	}
	if _, err := ParseMask("x"); err == nil {
		t.Fatalf("expected parse error")
	}
	if k, ok := ParseTag("procren"); !ok || k != ProcessRenamed {
		t.Fatalf("ParseTag procren = %v %v", k, ok)
	}
	if All != 255 {
		t.Fatalf("All = %d", All)
	}
}
