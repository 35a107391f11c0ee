package canonical

import (
	"testing"
)

func TestCanonicalize_SortsKeysRecursively(t *testing.T) {
	a := map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": []any{3, 1, 2}},
	}
	b := map[string]any{
		"a": map[string]any{"y": []any{3, 1, 2}, "z": true},
		"b": 1,
	}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"a":{"y":[3,1,2],"z":true},"b":1}`
	if string(ca) != want {
		t.Errorf("expected %s, got %s", want, ca)
	}
	if string(ca) != string(cb) {
		t.Errorf("key order changed output: %s vs %s", ca, cb)
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{
		`{"z":{"b":[{"d":1,"c":2}],"a":null},"m":"x<y>&"}`,
		`[3,{"b":"2","a":1.50}]`,
		`"plain"`,
		`12345678901234567890`,
	}
	for _, in := range inputs {
		once, err := CanonicalizeJSON([]byte(in))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", in, err)
		}
		twice, err := CanonicalizeJSON(once)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", in, err)
		}
		if string(once) != string(twice) {
			t.Errorf("not idempotent: %s -> %s -> %s", in, once, twice)
		}
	}
}

func TestCanonicalize_PreservesNumberLiterals(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"big":12345678901234567890,"dec":1.50}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"big":12345678901234567890,"dec":1.50}`
	if string(out) != want {
		t.Errorf("expected %s, got %s", want, out)
	}
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	out, err := Canonicalize(map[string]string{"range": "<5 & >1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"range":"<5 & >1"}` {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestCanonicalize_Structs(t *testing.T) {
	type item struct {
		Name  string `json:"name"`
		Code  string `json:"code"`
		Value string `json:"value"`
	}
	out, err := Canonicalize(item{Name: "Hemoglobin", Code: "HB", Value: "13.2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"code":"HB","name":"Hemoglobin","value":"13.2"}` {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestCanonicalizeJSON_RejectsTrailingData(t *testing.T) {
	if _, err := CanonicalizeJSON([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Error("expected error for trailing data")
	}
	if _, err := CanonicalizeJSON([]byte(`{"a":`)); err == nil {
		t.Error("expected error for truncated input")
	}
}

func TestHash_KnownVector(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Hash([]byte("abc")); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestHash_SingleBitSensitivity(t *testing.T) {
	a := []byte("%PDF-1.7 report body")
	b := make([]byte, len(a))
	copy(b, a)
	b[len(b)-1] ^= 0x01

	if Hash(a) == Hash(b) {
		t.Error("expected different hashes for a single bit flip")
	}
	if Hash(a) != Hash(a) {
		t.Error("expected stable hash for identical input")
	}
}

func TestHash_OfCanonicalFormIsKeyOrderIndependent(t *testing.T) {
	b1, err := Canonicalize(map[string]any{"x": 1, "y": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2, _ := Canonicalize(map[string]any{"y": 2, "x": 1})
	f1, f2 := Hash(b1), Hash(b2)
	if f1 != f2 {
		t.Errorf("expected equal fingerprints, got %s and %s", f1, f2)
	}
	if len(f1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(f1))
	}
}
