package hashutil

import (
	"strings"
	"testing"
)

func TestSum1HexKnownVector(t *testing.T) {
	got := Sum1Hex([]byte("hello\n"))
	const want = "f572d396fae9206628714fb2ce00f72e94f2258f"
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestHasherMatchesSingleShot(t *testing.T) {
	h := New()
	h.Write([]byte("hel"))
	h.Write([]byte("lo\n"))
	if got, want := h.HexDigest(), Sum1Hex([]byte("hello\n")); got != want {
		t.Fatalf("incremental digest %s does not match single-shot %s", got, want)
	}
}

func TestStreamSum1Hex(t *testing.T) {
	digest, n, err := StreamSum1Hex(strings.NewReader("hello\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Fatalf("got %d bytes consumed, want 6", n)
	}
	if digest != Sum1Hex([]byte("hello\n")) {
		t.Fatalf("stream digest %s does not match buffer digest", digest)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := Sum1Hex([]byte("a"))
	if !ConstantTimeEqual(a, a) {
		t.Fatal("expected equal digests to compare equal")
	}
	if ConstantTimeEqual(a, Sum1Hex([]byte("b"))) {
		t.Fatal("expected differing digests to compare unequal")
	}
	if ConstantTimeEqual(a, a[:39]) {
		t.Fatal("expected digests of different lengths to compare unequal")
	}
}

func TestIsValidHex(t *testing.T) {
	if !IsValidHex("f572d396fae9206628714fb2ce00f72e94f2258f") {
		t.Fatal("expected a 40-char lowercase hex digest to be valid")
	}
	for _, s := range []string{
		"",
		"f572d396fae9206628714fb2ce00f72e94f2258",   // too short
		"F572D396FAE9206628714FB2CE00F72E94F2258F",  // uppercase
		"g572d396fae9206628714fb2ce00f72e94f2258f",  // non-hex
		"f572d396fae9206628714fb2ce00f72e94f2258f0", // too long
	} {
		if IsValidHex(s) {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestPrefixPath(t *testing.T) {
	aa, bb, cc := PrefixPath("f572d396fae9206628714fb2ce00f72e94f2258f")
	if aa != "f5" || bb != "72" || cc != "d3" {
		t.Fatalf("got %s/%s/%s, want f5/72/d3", aa, bb, cc)
	}
}
