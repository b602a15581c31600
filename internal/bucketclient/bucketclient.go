// Package bucketclient implements BucketClient (spec.md §4.3): HEAD/GET
// object access, optionally cache-busted JSON fetches, and PUT through a
// pre-signed URL. It is grounded on the teacher pack's cloud object-store
// client (mentat-gocloudfiles/cloudfiles.go), adapted from Rackspace
// Cloud Files auth+HEAD/GET/PUT semantics to anonymous bucket HTTPS access
// fronted by pre-signed URLs and gs://-style bucket URIs.
package bucketclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kacheryhub/kachery-daemon/internal/errs"
)

// Client performs HTTP object-store operations against channel buckets.
type Client struct {
	http *http.Client

	// Observe, if set, is called once per completed request with the
	// method ("head"/"get"/"put"), a coarse result ("ok"/"not_found"/
	// "error"), and the request latency in seconds. Set by daemon wiring
	// to feed the bucket-request metrics.
	Observe func(method, result string, seconds float64)
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// BucketURIToURL implements the gs://B/P -> https://storage.googleapis.com/B/P
// rule from spec.md §6.
func BucketURIToURL(uri string) (string, error) {
	const prefix = "gs://"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("bucketclient: unsupported bucket URI scheme: %s", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/", 2)
	bucket := parts[0]
	path := ""
	if len(parts) == 2 {
		path = parts[1]
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, path), nil
}

// Head reports whether the object at url exists, and if so its size.
func (c *Client) Head(ctx context.Context, u string) (exists bool, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, 0, errs.Fatal("bucketclient: build HEAD request", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("head", "error", start)
		return false, 0, classifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.observe("head", "not_found", start)
		return false, 0, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.observe("head", "ok", start)
		return true, resp.ContentLength, nil
	case resp.StatusCode >= 500:
		c.observe("head", "error", start)
		return false, 0, errs.Transient("bucketclient: HEAD server error", fmt.Errorf("status %d", resp.StatusCode))
	default:
		c.observe("head", "error", start)
		return false, 0, errs.Fatal("bucketclient: HEAD failed", fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (c *Client) observe(method, result string, start time.Time) {
	if c.Observe != nil {
		c.Observe(method, result, time.Since(start).Seconds())
	}
}

// GetStream starts a GET of url and returns the body stream (caller must
// Close it) along with the advertised content length, or NotFound on 404.
func (c *Client) GetStream(ctx context.Context, u string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, errs.Fatal("bucketclient: build GET request", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("get", "error", start)
		return nil, 0, classifyNetErr(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		c.observe("get", "not_found", start)
		return nil, 0, errs.NotFound("bucketclient: object not found: " + u)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.observe("get", "ok", start)
		return resp.Body, resp.ContentLength, nil
	case resp.StatusCode >= 500:
		resp.Body.Close()
		c.observe("get", "error", start)
		return nil, 0, errs.Transient("bucketclient: GET server error", fmt.Errorf("status %d", resp.StatusCode))
	default:
		resp.Body.Close()
		c.observe("get", "error", start)
		return nil, 0, errs.Fatal("bucketclient: GET failed", fmt.Errorf("status %d", resp.StatusCode))
	}
}

// GetJSON fetches and decodes a JSON document at path, returning a nil
// value (no error) on 404. cacheBust appends a random query parameter so
// that a CDN or proxy cannot serve stale content, as required when polling
// subfeed.json for a fresh message count.
func (c *Client) GetJSON(ctx context.Context, rawURL string, cacheBust bool) (json.RawMessage, error) {
	u := rawURL
	if cacheBust {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, errs.Fatal("bucketclient: parse URL", err)
		}
		q := parsed.Query()
		q.Set("cb", randomToken())
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}

	body, _, err := c.GetStream(ctx, u)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errs.Transient("bucketclient: read JSON body", err)
	}
	var probe interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errs.Protocol("bucketclient: malformed JSON at " + rawURL)
	}
	return json.RawMessage(data), nil
}

// PutSigned uploads data to a pre-signed PUT URL minted by the hub's
// SignedUrlMinter collaborator (spec.md §6).
func (c *Client) PutSigned(ctx context.Context, u string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, r)
	if err != nil {
		return errs.Fatal("bucketclient: build PUT request", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("put", "error", start)
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.observe("put", "ok", start)
		return nil
	}
	c.observe("put", "error", start)
	if resp.StatusCode >= 500 {
		return errs.Transient("bucketclient: PUT server error", fmt.Errorf("status %d", resp.StatusCode))
	}
	return errs.Fatal("bucketclient: PUT failed", fmt.Errorf("status %d", resp.StatusCode))
}

func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Cancelled("bucketclient: request cancelled")
	}
	return errs.Transient("bucketclient: request failed", err)
}

func randomToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
