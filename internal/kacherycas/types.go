// Package kacherycas implements the CAS / KacheryStorageManager component
// (spec.md §4.4): a content-addressed local store with a fixed on-disk
// layout, atomic installs, chunk-based manifests for large files, and a
// trash-then-GC deletion model. It is grounded on the teacher's BoltCAS
// (daemon/manager/cas_bolt.go) for the trash/GC index and on the streaming
// chunk cutter in internal/chunker/chunker.go for manifest construction.
package kacherycas

import (
	"fmt"

	"github.com/kacheryhub/kachery-daemon/internal/canonical"
	"github.com/kacheryhub/kachery-daemon/internal/errs"
	"github.com/kacheryhub/kachery-daemon/internal/hashutil"
)

// ManifestChunkSize is the fixed chunk boundary used when building a
// FileManifest for a file larger than one chunk (spec.md §3).
const ManifestChunkSize int64 = 20_000_000

// FileKey identifies a unit of content: a whole file by its sha1, a byte
// range of a file (chunkOf), or the file pointed to by a stored manifest
// (manifestSha1). Exactly one of the three forms is populated.
type FileKey struct {
	Sha1         string      `json:"sha1,omitempty"`
	ChunkOf      *ChunkOfKey `json:"chunkOf,omitempty"`
	ManifestSha1 string      `json:"manifestSha1,omitempty"`
}

// ChunkOfKey names a byte range [StartByte, EndByte) of another FileKey.
type ChunkOfKey struct {
	FileKey   FileKey `json:"fileKey"`
	StartByte int64   `json:"startByte"`
	EndByte   int64   `json:"endByte"`
}

func WholeFile(sha1 string) FileKey    { return FileKey{Sha1: sha1} }
func ManifestFile(sha1 string) FileKey { return FileKey{ManifestSha1: sha1} }
func Chunk(of FileKey, start, end int64) FileKey {
	return FileKey{ChunkOf: &ChunkOfKey{FileKey: of, StartByte: start, EndByte: end}}
}

// kind reports which of the three forms key uses, for validation and for
// canonical serialization ordering.
func (k FileKey) kind() string {
	switch {
	case k.ChunkOf != nil:
		return "chunkOf"
	case k.ManifestSha1 != "":
		return "manifestSha1"
	default:
		return "sha1"
	}
}

func (k FileKey) Validate() error {
	set := 0
	if k.Sha1 != "" {
		set++
	}
	if k.ChunkOf != nil {
		set++
	}
	if k.ManifestSha1 != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("kacherycas: FileKey must set exactly one of sha1/chunkOf/manifestSha1, got %d", set)
	}
	if k.Sha1 != "" && !hashutil.IsValidHex(k.Sha1) {
		return fmt.Errorf("kacherycas: malformed sha1 %q", k.Sha1)
	}
	if k.ManifestSha1 != "" && !hashutil.IsValidHex(k.ManifestSha1) {
		return fmt.Errorf("kacherycas: malformed manifestSha1 %q", k.ManifestSha1)
	}
	if k.ChunkOf != nil {
		if err := k.ChunkOf.FileKey.Validate(); err != nil {
			return err
		}
		if k.ChunkOf.StartByte < 0 || k.ChunkOf.EndByte <= k.ChunkOf.StartByte {
			return fmt.Errorf("kacherycas: invalid chunk range [%d,%d)", k.ChunkOf.StartByte, k.ChunkOf.EndByte)
		}
	}
	return nil
}

// Equal reports whether two FileKeys denote the same content: equality is
// defined over their canonical serializations (spec.md §3), not over the
// Go struct representation.
func (k FileKey) Equal(other FileKey) bool {
	eq, err := canonical.Equal(k.canonicalValue(), other.canonicalValue())
	return err == nil && eq
}

// canonicalValue renders the FileKey as the generic structure canonical.Marshal
// expects, so two FileKeys with the same meaning compare equal regardless of
// how the caller built them.
func (k FileKey) canonicalValue() map[string]interface{} {
	switch k.kind() {
	case "chunkOf":
		return map[string]interface{}{
			"chunkOf": map[string]interface{}{
				"fileKey":   k.ChunkOf.FileKey.canonicalValue(),
				"startByte": k.ChunkOf.StartByte,
				"endByte":   k.ChunkOf.EndByte,
			},
		}
	case "manifestSha1":
		return map[string]interface{}{"manifestSha1": k.ManifestSha1}
	default:
		return map[string]interface{}{"sha1": k.Sha1}
	}
}

// ManifestChunk is one entry of a FileManifest's chunk list.
type ManifestChunk struct {
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Sha1  string `json:"sha1"`
}

// FileManifest describes how a large file decomposes into chunks, each
// independently content-addressed. It is itself stored as a regular CAS
// file under its own sha1.
type FileManifest struct {
	Size   int64           `json:"size"`
	Sha1   string          `json:"sha1"`
	Chunks []ManifestChunk `json:"chunks"`
}

// Validate checks the chunk-decomposition invariants spec.md §3 requires
// of a FileManifest: chunks[0].start == 0; each chunk's end is the next
// chunk's start; the last chunk's end equals the declared size; every
// chunk is at most ManifestChunkSize bytes; and every chunk but possibly
// the last is exactly ManifestChunkSize bytes. A manifest failing any of
// these is malformed input (spec.md §7: Protocol error, dropped with a
// warning) rather than something safe to drive chunk downloads from.
func (fm FileManifest) Validate() error {
	if len(fm.Chunks) == 0 {
		return errs.Protocol("kacherycas: manifest has no chunks")
	}
	if fm.Chunks[0].Start != 0 {
		return errs.Protocol(fmt.Sprintf("kacherycas: manifest first chunk starts at %d, want 0", fm.Chunks[0].Start))
	}
	for i, chunk := range fm.Chunks {
		if chunk.End <= chunk.Start {
			return errs.Protocol(fmt.Sprintf("kacherycas: manifest chunk %d has non-positive length [%d,%d)", i, chunk.Start, chunk.End))
		}
		size := chunk.End - chunk.Start
		if size > ManifestChunkSize {
			return errs.Protocol(fmt.Sprintf("kacherycas: manifest chunk %d is %d bytes, exceeds max %d", i, size, ManifestChunkSize))
		}
		isLast := i == len(fm.Chunks)-1
		if !isLast && size != ManifestChunkSize {
			return errs.Protocol(fmt.Sprintf("kacherycas: manifest chunk %d is %d bytes, want exactly %d (only the last chunk may be shorter)", i, size, ManifestChunkSize))
		}
		if i > 0 && chunk.Start != fm.Chunks[i-1].End {
			return errs.Protocol(fmt.Sprintf("kacherycas: manifest chunk %d starts at %d, does not continue from previous chunk's end %d", i, chunk.Start, fm.Chunks[i-1].End))
		}
		if chunk.Sha1 == "" {
			return errs.Protocol(fmt.Sprintf("kacherycas: manifest chunk %d has no sha1", i))
		}
	}
	if last := fm.Chunks[len(fm.Chunks)-1]; last.End != fm.Size {
		return errs.Protocol(fmt.Sprintf("kacherycas: manifest last chunk ends at %d, does not match declared size %d", last.End, fm.Size))
	}
	return nil
}

// Event is published to StorageManager subscribers whenever the store's
// contents change, so collaborators such as the hub can announce new
// content without polling the filesystem.
type Event struct {
	Kind string // "fileAdded", "fileTrashed", "manifestStored"
	Sha1 string
	Size int64
}
