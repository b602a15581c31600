package kacherycas

import (
	"testing"

	"github.com/kacheryhub/kachery-daemon/internal/errs"
)

func validManifest() FileManifest {
	return FileManifest{
		Size: 30_000_000,
		Sha1: "f572d396fae9206628714fb2ce00f72e94f2258f",
		Chunks: []ManifestChunk{
			{Start: 0, End: 20_000_000, Sha1: "a572d396fae9206628714fb2ce00f72e94f2258a"},
			{Start: 20_000_000, End: 30_000_000, Sha1: "b572d396fae9206628714fb2ce00f72e94f2258b"},
		},
	}
}

func TestFileManifestValidateAcceptsWellFormed(t *testing.T) {
	if err := validManifest().Validate(); err != nil {
		t.Fatalf("expected well-formed manifest to validate, got %v", err)
	}
}

func TestFileManifestValidateRejectsNonZeroFirstStart(t *testing.T) {
	m := validManifest()
	m.Chunks[0].Start = 1
	if err := m.Validate(); !errs.Is(err, errs.KindProtocol) {
		t.Fatalf("expected Protocol error, got %v", err)
	}
}

func TestFileManifestValidateRejectsGap(t *testing.T) {
	m := validManifest()
	m.Chunks[1].Start = 20_000_001
	if err := m.Validate(); !errs.Is(err, errs.KindProtocol) {
		t.Fatalf("expected Protocol error for gap between chunks, got %v", err)
	}
}

func TestFileManifestValidateRejectsOverlap(t *testing.T) {
	m := validManifest()
	m.Chunks[1].Start = 19_999_999
	if err := m.Validate(); !errs.Is(err, errs.KindProtocol) {
		t.Fatalf("expected Protocol error for overlapping chunks, got %v", err)
	}
}

func TestFileManifestValidateRejectsOversizeChunk(t *testing.T) {
	m := validManifest()
	m.Chunks[0].End = 20_000_001
	m.Chunks[1].Start = 20_000_001
	if err := m.Validate(); !errs.Is(err, errs.KindProtocol) {
		t.Fatalf("expected Protocol error for oversize chunk, got %v", err)
	}
}

func TestFileManifestValidateRejectsUndersizeNonFinalChunk(t *testing.T) {
	m := validManifest()
	m.Chunks[0].End = 19_999_999
	m.Chunks[1].Start = 19_999_999
	if err := m.Validate(); !errs.Is(err, errs.KindProtocol) {
		t.Fatalf("expected Protocol error for undersize non-final chunk, got %v", err)
	}
}

func TestFileManifestValidateRejectsLastEndMismatchedSize(t *testing.T) {
	m := validManifest()
	m.Size = 30_000_001
	if err := m.Validate(); !errs.Is(err, errs.KindProtocol) {
		t.Fatalf("expected Protocol error for size mismatch, got %v", err)
	}
}

func TestFileManifestValidateRejectsNoChunks(t *testing.T) {
	m := validManifest()
	m.Chunks = nil
	if err := m.Validate(); !errs.Is(err, errs.KindProtocol) {
		t.Fatalf("expected Protocol error for empty chunk list, got %v", err)
	}
}

func TestFileKeyEqualIsStructural(t *testing.T) {
	base := WholeFile("f572d396fae9206628714fb2ce00f72e94f2258f")
	if !base.Equal(WholeFile("f572d396fae9206628714fb2ce00f72e94f2258f")) {
		t.Fatal("expected identical whole-file keys to be equal")
	}
	if base.Equal(WholeFile("000000000000000000000000000000000000000a")) {
		t.Fatal("expected differing sha1 keys to be unequal")
	}
	if base.Equal(ManifestFile("f572d396fae9206628714fb2ce00f72e94f2258f")) {
		t.Fatal("a sha1 key and a manifestSha1 key with the same hex are different keys")
	}

	chunkA := Chunk(base, 0, 10)
	chunkB := Chunk(WholeFile("f572d396fae9206628714fb2ce00f72e94f2258f"), 0, 10)
	if !chunkA.Equal(chunkB) {
		t.Fatal("expected structurally identical chunkOf keys to be equal")
	}
	if chunkA.Equal(Chunk(base, 0, 11)) {
		t.Fatal("expected chunkOf keys with different ranges to be unequal")
	}
}

func TestFileManifestValidateAcceptsSingleChunk(t *testing.T) {
	m := FileManifest{
		Size:   6,
		Sha1:   "f572d396fae9206628714fb2ce00f72e94f2258f",
		Chunks: []ManifestChunk{{Start: 0, End: 6, Sha1: "f572d396fae9206628714fb2ce00f72e94f2258f"}},
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("expected single-chunk manifest to validate, got %v", err)
	}
}
