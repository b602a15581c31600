package kacherycas

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kacheryhub/kachery-daemon/internal/errs"
	"github.com/kacheryhub/kachery-daemon/internal/hashutil"
)

// ReadManifestFile decodes a FileManifest that has already been
// downloaded to a local path (e.g. by internal/downloader, via the
// manifest file's own manifestSha1-keyed CAS entry).
func ReadManifestFile(path string) (*FileManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest FileManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errs.Protocol("kacherycas: malformed manifest at " + path)
	}
	return &manifest, nil
}

// BuildManifest streams path once, cutting it into ManifestChunkSize-byte
// chunks and hashing both each chunk and the file as a whole. Grounded on
// the teacher's streaming chunk cutter (internal/chunker/chunker.go),
// generalized from BLAKE3 per-chunk digests to the sha1 chunk/file
// identity this store requires.
func BuildManifest(path string) (*FileManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	whole := hashutil.New()
	var chunks []ManifestChunk
	var offset int64
	buf := make([]byte, 1<<20)

	for offset < info.Size() {
		end := offset + ManifestChunkSize
		if end > info.Size() {
			end = info.Size()
		}
		chunkHasher := hashutil.New()
		remaining := end - offset
		for remaining > 0 {
			toRead := int64(len(buf))
			if remaining < toRead {
				toRead = remaining
			}
			n, rerr := f.Read(buf[:toRead])
			if n > 0 {
				chunkHasher.Write(buf[:n])
				whole.Write(buf[:n])
				remaining -= int64(n)
			}
			if rerr != nil {
				if rerr == io.EOF && remaining == 0 {
					break
				}
				return nil, rerr
			}
		}
		chunks = append(chunks, ManifestChunk{
			Start: offset,
			End:   end,
			Sha1:  chunkHasher.HexDigest(),
		})
		offset = end
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("kacherycas: cannot build a manifest for an empty file")
	}

	return &FileManifest{
		Size:   info.Size(),
		Sha1:   whole.HexDigest(),
		Chunks: chunks,
	}, nil
}

// chunkCutter is an io.Writer that sits alongside the whole-file hasher in
// StoreFileFromStream's single pass, cutting the stream into
// ManifestChunkSize-byte pieces and hashing each one independently. It
// mirrors BuildManifest's boundary logic for the live-stream storage path,
// where the content isn't yet on disk to re-read a second time.
type chunkCutter struct {
	offset      int64
	chunkStart  int64
	chunkHasher *hashutil.Hasher
	chunks      []ManifestChunk
}

func newChunkCutter() *chunkCutter {
	return &chunkCutter{chunkHasher: hashutil.New()}
}

func (c *chunkCutter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		spaceInChunk := ManifestChunkSize - (c.offset - c.chunkStart)
		take := int64(len(p))
		if take > spaceInChunk {
			take = spaceInChunk
		}
		c.chunkHasher.Write(p[:take])
		c.offset += take
		written += int(take)
		p = p[take:]
		if c.offset-c.chunkStart == ManifestChunkSize {
			c.closeChunk()
		}
	}
	return written, nil
}

func (c *chunkCutter) closeChunk() {
	c.chunks = append(c.chunks, ManifestChunk{
		Start: c.chunkStart,
		End:   c.offset,
		Sha1:  c.chunkHasher.HexDigest(),
	})
	c.chunkStart = c.offset
	c.chunkHasher = hashutil.New()
}

// finish flushes a trailing partial chunk (if any) and returns the full
// chunk list. A stream whose size is an exact multiple of ManifestChunkSize
// closes its last chunk on the final Write and has nothing left to flush.
func (c *chunkCutter) finish() []ManifestChunk {
	if c.offset > c.chunkStart {
		c.closeChunk()
	}
	return c.chunks
}
