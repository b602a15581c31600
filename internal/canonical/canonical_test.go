package canonical

import "testing"

func TestMarshalSortsKeysRecursively(t *testing.T) {
	a := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"z": 1, "y": 2},
	}
	b := map[string]interface{}{
		"a": map[string]interface{}{"y": 2, "z": 1},
		"b": 1,
	}

	eq, err := Equal(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if !eq {
		t.Fatal("expected canonical serializations to be equal regardless of input key order")
	}
}

func TestMarshalPreservesArrayOrder(t *testing.T) {
	a := []interface{}{1, 2, 3}
	b := []interface{}{3, 2, 1}

	eq, err := Equal(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if eq {
		t.Fatal("array order must not be normalized")
	}
}

func TestMarshalStable(t *testing.T) {
	type body struct {
		Message       string  `json:"message"`
		MessageNumber int64   `json:"messageNumber"`
		PreviousSig   *string `json:"previousSignature"`
		Timestamp     float64 `json:"timestamp"`
	}
	b1 := body{Message: "hello", MessageNumber: 3, Timestamp: 123.456}
	b2 := b1

	out1, err := Marshal(b1)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := Marshal(b2)
	if err != nil {
		t.Fatal(err)
	}
	if string(out1) != string(out2) {
		t.Fatalf("expected deterministic output, got %q vs %q", out1, out2)
	}
}
