// Package downloader implements the Downloader component (spec.md §4.5):
// fetching a file either directly (small files, single bucket GET) or via
// its manifest (large files, bounded-concurrency parallel chunk fetch with
// retry). It is grounded on mentat-gocloudfiles/cloudfiles.go's CopyFile,
// which fans a multi-chunk copy out across a fixed-size semaphore and
// drains per-chunk results on error/result channels.
package downloader

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/kacheryhub/kachery-daemon/internal/bucketclient"
	"github.com/kacheryhub/kachery-daemon/internal/errs"
	"github.com/kacheryhub/kachery-daemon/internal/kacherycas"
	"github.com/kacheryhub/kachery-daemon/internal/streamutil"
)

// ChunkConcurrency is the fixed number of chunks fetched in parallel for a
// manifest-driven download (spec.md §4.5).
const ChunkConcurrency = 5

// MaxChunkRetries is the number of additional attempts made for a chunk
// whose fetch fails before the whole download fails. A chunk that fails its
// integrity check or is not found is not retried.
const MaxChunkRetries = 2

// Stage deadlines for the direct-load two-pass flow (spec.md §4.5/§4.7).
const (
	HeadDeadline               = 3 * time.Second
	RequestFilePendingDeadline = 30 * time.Second
	RequestFileFinishDeadline  = 30 * time.Second
)

// Progress reports cumulative bytes downloaded against the known total
// (total is 0 if not yet known, e.g. before the manifest is fetched).
type Progress struct {
	BytesDownloaded int64
	TotalBytes      int64
}

// RequestFileFunc asks the hub to locate and request a file by sha1 from
// peers, resolving once a bucket URL is available (or erroring/timing
// out). This is the Downloader's seam onto HubCoordinator (spec.md §4.7);
// it is passed in rather than imported directly so the two components
// stay decoupled.
type RequestFileFunc func(ctx context.Context, sha1Hex string) (bucketURL string, err error)

type Downloader struct {
	cas    *kacherycas.StorageManager
	bucket *bucketclient.Client

	// OnChunkRetry, if set, is called once per retried chunk fetch. Set by
	// daemon wiring to feed the retry counter metric.
	OnChunkRetry func()
}

func New(cas *kacherycas.StorageManager, bucket *bucketclient.Client) *Downloader {
	return &Downloader{cas: cas, bucket: bucket}
}

// LoadFile fetches sha1Hex into the local store if not already present,
// reporting progress via onProgress (may be nil). directURL, if non-empty,
// is tried first (e.g. a known channel bucket URL); otherwise requestFile
// is used to discover one via the hub.
func (d *Downloader) LoadFile(ctx context.Context, sha1Hex string, directURL string, requestFile RequestFileFunc, onProgress func(Progress)) (string, error) {
	return d.loadFile(ctx, sha1Hex, directURL, requestFile, onProgress, nil)
}

// LoadFileStream exposes LoadFile as an observable DataStream: downloaded
// bytes are pushed to OnData subscribers as they arrive, exactly one
// terminal event fires, and cancelling the stream aborts the underlying
// fetch. On finish the content is installed in the store; callers query
// the CAS for its local path.
func (d *Downloader) LoadFileStream(ctx context.Context, sha1Hex string, directURL string, requestFile RequestFileFunc, onProgress func(Progress)) *streamutil.Stream {
	s := streamutil.New(ctx)
	go func() {
		_, err := d.loadFile(s.Context(), sha1Hex, directURL, requestFile, onProgress, s.PushData)
		switch {
		case err == nil:
			s.Finish()
		case errs.Is(err, errs.KindCancelled):
			s.Cancel()
		default:
			s.Fail(err)
		}
	}()
	return s
}

func (d *Downloader) loadFile(ctx context.Context, sha1Hex string, directURL string, requestFile RequestFileFunc, onProgress func(Progress), onData func([]byte)) (string, error) {
	if d.cas.HasLocalFile(sha1Hex) {
		path, _, _, err := d.cas.FindFile(kacherycas.WholeFile(sha1Hex))
		return path, err
	}

	url, err := d.resolveURL(ctx, sha1Hex, directURL, requestFile)
	if err != nil {
		return "", err
	}

	exists, size, err := d.bucket.Head(ctx, url)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errs.NotFound("downloader: bucket object not found for " + sha1Hex)
	}

	return d.fetchWhole(ctx, sha1Hex, url, size, onProgress, onData)
}

func (d *Downloader) resolveURL(ctx context.Context, sha1Hex, directURL string, requestFile RequestFileFunc) (string, error) {
	if directURL != "" {
		headCtx, cancel := context.WithTimeout(ctx, HeadDeadline)
		defer cancel()
		exists, _, err := d.bucket.Head(headCtx, directURL)
		if err == nil && exists {
			return directURL, nil
		}
	}
	if requestFile == nil {
		return "", errs.NotFound("downloader: no direct URL and no requestFile collaborator for " + sha1Hex)
	}
	reqCtx, cancel := context.WithTimeout(ctx, RequestFilePendingDeadline+RequestFileFinishDeadline)
	defer cancel()
	return requestFile(reqCtx, sha1Hex)
}

// fetchWhole downloads a whole object by a single streamed GET, verifying
// its sha1 on completion.
func (d *Downloader) fetchWhole(ctx context.Context, sha1Hex, url string, size int64, onProgress func(Progress), onData func([]byte)) (string, error) {
	body, contentLength, err := d.bucket.GetStream(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()
	if contentLength > 0 {
		size = contentLength
	}

	pr := &progressReader{r: body, onProgress: onProgress, onData: onData, total: size}
	if _, _, err := d.cas.StoreFileFromStreamExpecting(pr, sha1Hex); err != nil {
		return "", err
	}
	path, _, _, err := d.cas.FindFile(kacherycas.WholeFile(sha1Hex))
	return path, err
}

// LoadFileFromManifest downloads a large file described by manifest,
// fetching its chunks with bounded concurrency and retrying failed
// chunks, then assembling and verifying the whole file.
func (d *Downloader) LoadFileFromManifest(ctx context.Context, manifest kacherycas.FileManifest, bucketURLForChunk func(chunkSha1 string) string, onProgress func(Progress)) (string, error) {
	if d.cas.HasLocalFile(manifest.Sha1) {
		path, _, _, err := d.cas.FindFile(kacherycas.WholeFile(manifest.Sha1))
		return path, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, ChunkConcurrency)
	var wg sync.WaitGroup
	errCh := make(chan error, len(manifest.Chunks))

	var downloadedMu sync.Mutex
	var downloaded int64

	for _, chunk := range manifest.Chunks {
		chunk := chunk
		if d.cas.HasLocalFile(chunk.Sha1) {
			downloadedMu.Lock()
			downloaded += chunk.End - chunk.Start
			downloadedMu.Unlock()
			if onProgress != nil {
				onProgress(Progress{BytesDownloaded: downloaded, TotalBytes: manifest.Size})
			}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			url := bucketURLForChunk(chunk.Sha1)
			err := d.fetchChunkWithRetry(ctx, chunk.Sha1, url)
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
				return
			}
			downloadedMu.Lock()
			downloaded += chunk.End - chunk.Start
			progress := Progress{BytesDownloaded: downloaded, TotalBytes: manifest.Size}
			downloadedMu.Unlock()
			if onProgress != nil {
				onProgress(progress)
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return "", err
	default:
	}
	if err := ctx.Err(); err != nil {
		return "", errs.Cancelled("downloader: manifest download cancelled")
	}

	return d.cas.ConcatenateChunksAndStoreResult(manifest)
}

func (d *Downloader) fetchChunkWithRetry(ctx context.Context, chunkSha1, url string) error {
	var lastErr error
	for attempt := 0; attempt <= MaxChunkRetries; attempt++ {
		if attempt > 0 {
			if d.OnChunkRetry != nil {
				d.OnChunkRetry()
			}
			select {
			case <-ctx.Done():
				return errs.Cancelled("downloader: chunk fetch cancelled")
			case <-time.After(backoff(attempt)):
			}
		}
		err := d.fetchOneChunk(ctx, chunkSha1, url)
		if err == nil {
			return nil
		}
		lastErr = err
		if errs.Is(err, errs.KindIntegrityViolation) || errs.Is(err, errs.KindNotFound) {
			// Not worth retrying: the object will not change shape on retry.
			return err
		}
	}
	return lastErr
}

func (d *Downloader) fetchOneChunk(ctx context.Context, chunkSha1, url string) error {
	body, _, err := d.bucket.GetStream(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	_, _, err = d.cas.StoreFileFromStreamExpecting(body, chunkSha1)
	return err
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 500 * time.Millisecond
}

type progressReader struct {
	r          io.Reader
	onProgress func(Progress)
	onData     func([]byte)
	total      int64
	read       int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil {
			p.onProgress(Progress{BytesDownloaded: p.read, TotalBytes: p.total})
		}
		if p.onData != nil {
			p.onData(append([]byte{}, b[:n]...))
		}
	}
	return n, err
}
