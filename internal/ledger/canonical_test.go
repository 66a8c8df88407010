package ledger

import (
	"testing"
)

func TestCanonicalPayloadSortsKeys(t *testing.T) {
	a, err := CanonicalPayload(map[string]any{"b": 1, "a": "x", "c": true})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalPayload(map[string]any{"c": true, "a": "x", "b": 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical form not stable: %s vs %s", a, b)
	}
	if want := `{"a":"x","b":1,"c":true}`; string(a) != want {
		t.Fatalf("unexpected canonical form: %s", a)
	}
}

func TestCanonicalPayloadNested(t *testing.T) {
	got, err := CanonicalPayload(map[string]any{
		"new": map[string]any{"id": "r1", "name": "viewer"},
		"old": nil,
		"ids": []any{3, 1, 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"ids":[3,1,2],"new":{"id":"r1","name":"viewer"},"old":null}`
	if string(got) != want {
		t.Fatalf("unexpected canonical form: %s", got)
	}
}

func TestCanonicalPayloadNumberFormatting(t *testing.T) {
	a, err := CanonicalPayload(map[string]any{"n": int64(42), "f": 1.5})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"f":1.5,"n":42}`; string(a) != want {
		t.Fatalf("unexpected number formatting: %s", a)
	}
}

func TestCanonicalPayloadEmpty(t *testing.T) {
	got, err := CanonicalPayload(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "{}" {
		t.Fatalf("expected empty object, got %s", got)
	}
}
