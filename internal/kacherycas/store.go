package kacherycas

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kacheryhub/kachery-daemon/internal/canonical"
	"github.com/kacheryhub/kachery-daemon/internal/errs"
	"github.com/kacheryhub/kachery-daemon/internal/hashutil"
)

// StorageManager is the local content-addressed store described by
// spec.md §4.4. It owns a directory tree laid out bit-exactly per §6 and
// serializes concurrent installs of the same content so that two callers
// storing identical bytes at once never race on the same destination path.
type StorageManager struct {
	layout layout
	trash  *trashIndex

	mu         sync.Mutex
	installing map[string]chan struct{}

	subsMu    sync.RWMutex
	subs      map[int]func(Event)
	nextSubID int
}

// New opens (creating if necessary) a store rooted at baseDir.
func New(baseDir string) (*StorageManager, error) {
	l := newLayout(baseDir)
	if err := l.ensureDirs(); err != nil {
		return nil, fmt.Errorf("kacherycas: prepare store directories: %w", err)
	}
	idx, err := openTrashIndex(baseDir)
	if err != nil {
		return nil, fmt.Errorf("kacherycas: open trash index: %w", err)
	}
	return &StorageManager{
		layout:     l,
		trash:      idx,
		installing: make(map[string]chan struct{}),
		subs:       make(map[int]func(Event)),
	}, nil
}

func (m *StorageManager) Close() error { return m.trash.Close() }

// Subscribe registers fn to be called on every store-mutating event. The
// returned function unsubscribes.
func (m *StorageManager) Subscribe(fn func(Event)) func() {
	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *StorageManager) publish(ev Event) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, fn := range m.subs {
		fn(ev)
	}
}

// HasLocalFile reports whether sha1Hex is present, either as a direct file
// or via a .link sidecar to an externally-stored copy.
func (m *StorageManager) HasLocalFile(sha1Hex string) bool {
	_, _, found, _ := m.resolveContentPath(sha1Hex)
	return found
}

// linkFile is the JSON sidecar a .link file contains (spec.md §3): a
// pointer at an externally-stored file the daemon was told mirrors a
// given sha1, plus the stat it was linked under, so a later resolution
// can detect that the external file has since changed.
type linkFile struct {
	Path         string   `json:"path"`
	ManifestSha1 *string  `json:"manifestSha1"`
	Stat         linkStat `json:"stat"`
}

type linkStat struct {
	Size  int64 `json:"size"`
	Mtime int64 `json:"mtime"` // Unix milliseconds
}

// resolveContentPath finds the filesystem path backing sha1Hex, following
// a .link sidecar when the content itself was linked rather than copied.
// A link whose target no longer stats with the size recorded at link
// time is treated as invalid (spec.md §3: "A link is considered invalid
// if the referenced file no longer stats with matching size").
func (m *StorageManager) resolveContentPath(sha1Hex string) (path string, size int64, found bool, err error) {
	direct := m.layout.contentPath(sha1Hex)
	if info, statErr := os.Stat(direct); statErr == nil {
		return direct, info.Size(), true, nil
	}

	linkPath := m.layout.linkPath(sha1Hex)
	linkData, readErr := os.ReadFile(linkPath)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return "", 0, false, nil
		}
		return "", 0, false, readErr
	}
	var link linkFile
	if err := json.Unmarshal(linkData, &link); err != nil {
		return "", 0, false, errs.Protocol("kacherycas: malformed link file for " + sha1Hex)
	}
	info, statErr := os.Stat(link.Path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return "", 0, false, errs.IntegrityViolation("kacherycas: linked file missing for " + sha1Hex)
		}
		return "", 0, false, statErr
	}
	if info.Size() != link.Stat.Size {
		return "", 0, false, errs.IntegrityViolation(fmt.Sprintf("kacherycas: linked file %s size changed (was %d, now %d)", link.Path, link.Stat.Size, info.Size()))
	}
	return link.Path, info.Size(), true, nil
}

// FindFile resolves key to a local filesystem path, if present.
func (m *StorageManager) FindFile(key FileKey) (path string, size int64, found bool, err error) {
	if err := key.Validate(); err != nil {
		return "", 0, false, err
	}
	switch key.kind() {
	case "sha1":
		return m.resolveContentPath(key.Sha1)

	case "manifestSha1":
		manifestPath, _, found, err := m.resolveContentPath(key.ManifestSha1)
		if err != nil || !found {
			return "", 0, found, err
		}
		manifest, err := m.readManifest(manifestPath)
		if err != nil {
			return "", 0, false, err
		}
		return m.resolveContentPath(manifest.Sha1)

	case "chunkOf":
		basePath, baseSize, found, err := m.FindFile(key.ChunkOf.FileKey)
		if err != nil || !found {
			return "", 0, found, err
		}
		start, end := key.ChunkOf.StartByte, key.ChunkOf.EndByte
		if end > baseSize {
			return "", 0, false, fmt.Errorf("kacherycas: chunk range [%d,%d) exceeds file size %d", start, end, baseSize)
		}
		return basePath, end - start, true, nil

	default:
		return "", 0, false, fmt.Errorf("kacherycas: unreachable FileKey kind")
	}
}

func (m *StorageManager) readManifest(path string) (*FileManifest, error) {
	return ReadManifestFile(path)
}

// GetReadStream opens a reader over key, optionally restricted to
// [start, end). end == -1 means "to the end of the file". For a chunkOf
// key, start/end are relative to the chunk: they are translated to an
// absolute range in the parent file (spec.md §4.4) before seeking.
func (m *StorageManager) GetReadStream(key FileKey, start, end int64) (io.ReadCloser, error) {
	path, size, found, err := m.FindFile(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound("kacherycas: no local file for key")
	}
	if end == -1 {
		end = size
	}
	if start < 0 || end > size || start > end {
		return nil, fmt.Errorf("kacherycas: read range [%d,%d) out of bounds for size %d", start, end, size)
	}

	// FindFile resolves a chunkOf key to the backing parent file; the
	// chunk's own offsets (accumulated across nested chunkOf keys) shift
	// the requested range into that parent.
	var base int64
	for k := key; k.ChunkOf != nil; k = k.ChunkOf.FileKey {
		base += k.ChunkOf.StartByte
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if base+start > 0 {
		if _, err := f.Seek(base+start, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &limitedReadCloser{r: io.LimitReader(f, end-start), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// StoreFileFromBuffer hashes and installs data, returning its sha1.
func (m *StorageManager) StoreFileFromBuffer(data []byte) (string, error) {
	sha1Hex := hashutil.Sum1Hex(data)
	if m.HasLocalFile(sha1Hex) {
		return sha1Hex, nil
	}
	tmpPath, err := m.writeTmp(func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return "", err
	}
	if err := m.installAtomic(sha1Hex, tmpPath); err != nil {
		return "", err
	}
	m.publish(Event{Kind: "fileAdded", Sha1: sha1Hex, Size: int64(len(data))})
	return sha1Hex, nil
}

// StoreFileFromStream copies r into the store while hashing it, without
// requiring the caller to know its size or sha1 up front. When the content
// exceeds ManifestChunkSize, it is simultaneously cut into chunks as it
// streams by (spec.md §4.4): each chunk's sha1 is recorded in a
// FileManifest, which is stored and its sha1 returned as manifestSha1. The
// chunks are not installed as separate CAS files; only the whole file and
// the manifest are. Single-chunk content returns manifestSha1 == "".
func (m *StorageManager) StoreFileFromStream(r io.Reader) (sha1Hex string, manifestSha1 string, size int64, err error) {
	return m.storeFileFromStream(r, "")
}

// StoreFileFromStreamExpecting is the bucket-download variant of
// StoreFileFromStream (spec.md §4.4 storeFileFromBucketUrl): the content
// hash is verified against expectedSha1 before anything is installed. On
// a mismatch the temp file is deleted, nothing reaches the content path,
// and an IntegrityViolation is returned — the store is left exactly as it
// was.
func (m *StorageManager) StoreFileFromStreamExpecting(r io.Reader, expectedSha1 string) (manifestSha1 string, size int64, err error) {
	_, manifestSha1, size, err = m.storeFileFromStream(r, expectedSha1)
	return manifestSha1, size, err
}

func (m *StorageManager) storeFileFromStream(r io.Reader, expectedSha1 string) (sha1Hex string, manifestSha1 string, size int64, err error) {
	h := hashutil.New()
	cutter := newChunkCutter()
	tmpPath, err := m.writeTmp(func(w io.Writer) error {
		n, copyErr := io.Copy(io.MultiWriter(w, h, cutter), r)
		size = n
		return copyErr
	})
	if err != nil {
		return "", "", 0, err
	}
	sha1Hex = h.HexDigest()
	if expectedSha1 != "" && !hashutil.ConstantTimeEqual(sha1Hex, expectedSha1) {
		os.Remove(tmpPath)
		return "", "", 0, errs.IntegrityViolation(fmt.Sprintf("kacherycas: streamed content hash %s does not match expected %s", sha1Hex, expectedSha1))
	}
	if err := m.installAtomic(sha1Hex, tmpPath); err != nil {
		return "", "", 0, err
	}
	m.publish(Event{Kind: "fileAdded", Sha1: sha1Hex, Size: size})

	chunks := cutter.finish()
	if len(chunks) > 1 {
		manifestSha1, err = m.StoreManifest(FileManifest{Size: size, Sha1: sha1Hex, Chunks: chunks})
		if err != nil {
			return "", "", 0, err
		}
	}
	return sha1Hex, manifestSha1, size, nil
}

// StoreLocalFile hashes a file already on disk and copies it into the
// store, returning its sha1 and (for files over ManifestChunkSize) its
// manifestSha1. Used for files a caller points the daemon at directly (e.g.
// via a CLI "store" command).
func (m *StorageManager) StoreLocalFile(path string) (sha1Hex string, manifestSha1 string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	sha1Hex, manifestSha1, _, err = m.StoreFileFromStream(f)
	return sha1Hex, manifestSha1, err
}

// LinkLocalFile records externalPath as backing whatever sha1 it hashes
// to, without copying it into the store (spec.md §4.4). The caller
// declares the size/mtime it observed the file under; LinkLocalFile
// rejects if the file no longer matches that stat (Testable Property #4,
// spec.md §8: size must match exactly, mtime within 2ms), since a file
// that has moved since the caller stat'd it cannot safely be trusted to
// still hash to whatever the caller believes it hashes to. On success it
// hashes the file (calculateHashOnly: the bytes are never copied into the
// store), builds a manifest the same way StoreFileFromStream does for
// content over ManifestChunkSize, and writes a JSON link sidecar.
func (m *StorageManager) LinkLocalFile(externalPath string, declaredSize int64, declaredMtime time.Time) (sha1Hex string, manifestSha1 string, err error) {
	info, err := os.Stat(externalPath)
	if err != nil {
		return "", "", err
	}
	if info.Size() != declaredSize {
		return "", "", errs.PreconditionFailure(fmt.Sprintf("kacherycas: %s observed size %d does not match declared size %d", externalPath, info.Size(), declaredSize))
	}
	if mtimeDiff := info.ModTime().Sub(declaredMtime); mtimeDiff > 2*time.Millisecond || mtimeDiff < -2*time.Millisecond {
		return "", "", errs.PreconditionFailure(fmt.Sprintf("kacherycas: %s observed mtime %s differs from declared %s by more than 2ms", externalPath, info.ModTime(), declaredMtime))
	}

	f, err := os.Open(externalPath)
	if err != nil {
		return "", "", err
	}
	h := hashutil.New()
	cutter := newChunkCutter()
	_, err = io.Copy(io.MultiWriter(h, cutter), f)
	f.Close()
	if err != nil {
		return "", "", err
	}
	sha1Hex = h.HexDigest()

	chunks := cutter.finish()
	if len(chunks) > 1 {
		manifestSha1, err = m.StoreManifest(FileManifest{Size: info.Size(), Sha1: sha1Hex, Chunks: chunks})
		if err != nil {
			return "", "", err
		}
	}

	var manifestPtr *string
	if manifestSha1 != "" {
		manifestPtr = &manifestSha1
	}
	link := linkFile{
		Path:         externalPath,
		ManifestSha1: manifestPtr,
		Stat:         linkStat{Size: info.Size(), Mtime: info.ModTime().UnixMilli()},
	}
	data, err := json.Marshal(link)
	if err != nil {
		return "", "", err
	}

	linkPath := m.layout.linkPath(sha1Hex)
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return "", "", err
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(linkPath), "*.link.tmp")
	if err != nil {
		return "", "", err
	}
	tmpPath := tmpFile.Name()
	_, writeErr := tmpFile.Write(data)
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return "", "", writeErr
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", "", closeErr
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return "", "", err
	}
	if err := os.Rename(tmpPath, linkPath); err != nil {
		os.Remove(tmpPath)
		return "", "", err
	}
	return sha1Hex, manifestSha1, nil
}

// ConcatenateChunksAndStoreResult assembles a file from its already-stored
// chunks (each previously installed under its own sha1) and installs the
// result under manifest.Sha1, verifying the reassembled bytes match.
func (m *StorageManager) ConcatenateChunksAndStoreResult(manifest FileManifest) (string, error) {
	if m.HasLocalFile(manifest.Sha1) {
		return manifest.Sha1, nil
	}

	whole := hashutil.New()
	tmpPath, err := m.writeTmp(func(w io.Writer) error {
		for _, chunk := range manifest.Chunks {
			chunkPath, _, found, err := m.resolveContentPath(chunk.Sha1)
			if err != nil {
				return err
			}
			if !found {
				return errs.PreconditionFailure("kacherycas: missing chunk " + chunk.Sha1 + " while assembling " + manifest.Sha1)
			}
			cf, err := os.Open(chunkPath)
			if err != nil {
				return err
			}
			_, err = io.Copy(io.MultiWriter(w, whole), cf)
			cf.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if got := whole.HexDigest(); !hashutil.ConstantTimeEqual(got, manifest.Sha1) {
		os.Remove(tmpPath)
		return "", errs.IntegrityViolation(fmt.Sprintf("kacherycas: assembled file hash %s does not match manifest sha1 %s", got, manifest.Sha1))
	}

	if err := m.installAtomic(manifest.Sha1, tmpPath); err != nil {
		return "", err
	}
	m.publish(Event{Kind: "fileAdded", Sha1: manifest.Sha1, Size: manifest.Size})
	return manifest.Sha1, nil
}

// StoreManifest installs manifest's canonical JSON serialization as a regular
// CAS file, keyed by its own content sha1 (spec.md §3: "the manifest
// itself is stored as a regular CAS file").
func (m *StorageManager) StoreManifest(manifest FileManifest) (string, error) {
	data, err := canonical.Marshal(manifest)
	if err != nil {
		return "", err
	}
	manifestSha1, err := m.StoreFileFromBuffer(data)
	if err != nil {
		return "", err
	}
	m.publish(Event{Kind: "manifestStored", Sha1: manifestSha1, Size: int64(len(data))})
	return manifestSha1, nil
}

// MoveFileToTrash relocates sha1Hex's content into sha1-trash/ and records
// the move for later GCTrash eviction, rather than deleting immediately.
func (m *StorageManager) MoveFileToTrash(sha1Hex string) error {
	src := m.layout.contentPath(sha1Hex)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("kacherycas: cannot trash absent file " + sha1Hex)
		}
		return err
	}
	dst := m.layout.trashPath(sha1Hex)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		// Already trashed once before; the trash copy has identical bytes,
		// so dropping the source is equivalent to moving it.
		if err := os.Remove(src); err != nil {
			return err
		}
	} else if err := os.Rename(src, dst); err != nil {
		return err
	}
	if err := m.trash.markTrashed(sha1Hex); err != nil {
		return err
	}
	m.publish(Event{Kind: "fileTrashed", Sha1: sha1Hex})
	return nil
}

// GCTrash permanently deletes trashed files older than maxAge, returning
// the count removed. Grounded on the teacher's BoltCAS.GC cursor-scan.
func (m *StorageManager) GCTrash(maxAge time.Duration) (int, error) {
	sha1s, err := m.trash.evictOlderThan(maxAge)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sha1Hex := range sha1s {
		path := m.layout.trashPath(sha1Hex)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (m *StorageManager) writeTmp(write func(io.Writer) error) (string, error) {
	tmpFile, err := os.CreateTemp(m.layout.tmpDir(), "install-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()
	err = write(tmpFile)
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", closeErr
	}
	return tmpPath, nil
}

// installAtomic moves tmpPath into its final content-addressed location,
// deduplicating concurrent installers of the same sha1: the first caller
// performs the rename, later callers wait for it and discard their own
// tmp file rather than racing on the destination path. Grounded on the
// write-to-tmp-then-rename idiom used throughout the retrieval pack's
// downloaders, generalized with a per-key wait channel.
func (m *StorageManager) installAtomic(sha1Hex string, tmpPath string) error {
	final := m.layout.contentPath(sha1Hex)

	if _, err := os.Stat(final); err == nil {
		os.Remove(tmpPath)
		return nil
	}

	m.mu.Lock()
	if ch, inProgress := m.installing[sha1Hex]; inProgress {
		m.mu.Unlock()
		<-ch
		os.Remove(tmpPath)
		return nil
	}
	ch := make(chan struct{})
	m.installing[sha1Hex] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.installing, sha1Hex)
		m.mu.Unlock()
		close(ch)
	}()

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if _, err := os.Stat(final); err == nil {
		os.Remove(tmpPath)
		return nil
	}
	tmpInfo, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	wantSize := tmpInfo.Size()
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return err
	}
	// On networked filesystems a rename can become visible before
	// buffered writes do; poll until the destination stats at the full
	// size (spec.md §4.4), up to 10 s.
	deadline := time.Now().Add(10 * time.Second)
	for {
		info, statErr := os.Stat(final)
		if statErr == nil && info.Size() == wantSize {
			break
		}
		if time.Now().After(deadline) {
			return errs.Transient(fmt.Sprintf("kacherycas: installed file %s did not reach expected size %d within 10s", final, wantSize), statErr)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := os.Chmod(final, 0o644); err != nil {
		return err
	}
	return nil
}
