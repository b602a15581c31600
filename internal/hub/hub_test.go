package hub

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/kacheryhub/kachery-daemon/internal/bucketclient"
	"github.com/kacheryhub/kachery-daemon/internal/config"
	"github.com/kacheryhub/kachery-daemon/internal/errs"
	"github.com/kacheryhub/kachery-daemon/internal/kacherycas"
	"github.com/kacheryhub/kachery-daemon/internal/nodestats"
	"github.com/kacheryhub/kachery-daemon/internal/observability"
	"github.com/kacheryhub/kachery-daemon/internal/pubsubtransport"
	"github.com/kacheryhub/kachery-daemon/internal/signature"
	"github.com/kacheryhub/kachery-daemon/internal/subfeed"
)

func testChannelConfig(name string) config.ChannelConfig {
	return config.ChannelConfig{
		ChannelName:      name,
		ChannelBucketURI: "gs://test-bucket",
		Roles: config.ChannelRoles{
			RequestFiles: true, ProvideFiles: true, RequestFeeds: true, ProvideFeeds: true,
		},
		Authorization: config.ChannelPermissions{
			RequestFiles: true, ProvideFiles: true, RequestFeeds: true, ProvideFeeds: true,
		},
	}
}

func newTestHub(t *testing.T, ch config.ChannelConfig, tr *pubsubtransport.Transport, cas *kacherycas.StorageManager, noSubfeeds bool) (*HubCoordinator, *signature.KeyPair) {
	t.Helper()
	kp, err := signature.Generate()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Channels = []config.ChannelConfig{ch}
	cfg.RequestFilePendingDeadline = 200 * time.Millisecond
	cfg.RequestFileStartedDeadline = 200 * time.Millisecond
	cfg.RequestFileFinishedDeadline = 200 * time.Millisecond

	logger := observability.NewLogger("test", "0.0.0", io.Discard)
	bucket := bucketclient.New(time.Second)
	lookup := func(feedID, subfeedHash string) (*subfeed.Store, bool) { return nil, false }

	h := New(kp, cfg, tr, bucket, cas, nodestats.New(), NewHMACSignedUrlMinter([]byte("secret"), time.Minute), lookup, logger)
	h.Start()
	t.Cleanup(h.Close)
	return h, kp
}

// publishAs signs body with kp and publishes it directly on the
// transport, simulating a remote peer's envelope.
func publishAs(t *testing.T, tr *pubsubtransport.Transport, kp *signature.KeyPair, pubsubChannel string, body interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signature.Sign(body, kp)
	if err != nil {
		t.Fatal(err)
	}
	tr.Publish(pubsubChannel, pubsubtransport.Envelope{Body: raw, FromNodeID: kp.FeedID(), Signature: sig})
}

func TestRequestFilePublishesAndResolvesOnFinished(t *testing.T) {
	tr := pubsubtransport.New(8)
	cas, err := kacherycas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cas.Close()

	ch := testChannelConfig("chan1")
	h, _ := newTestHub(t, ch, tr, cas, false)

	// Observe the requestFile envelope the hub publishes, as a remote
	// provider would.
	rx, unsubscribe := tr.Subscribe("chan1-requestFiles")
	defer unsubscribe()

	sha1Hex := "f572d396fae9206628714fb2ce00f72e94f2258f"
	remote, _ := signature.Generate()

	resultCh := make(chan struct {
		url string
		err error
	}, 1)
	go func() {
		url, err := h.RequestFile(context.Background(), "chan1", sha1Hex)
		resultCh <- struct {
			url string
			err error
		}{url, err}
	}()

	select {
	case env := <-rx:
		var body requestFileBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			t.Fatal(err)
		}
		if body.Type != "requestFile" || body.FileKey.Sha1 != sha1Hex {
			t.Fatalf("unexpected requestFile body: %+v", body)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for requestFile publish")
	}

	publishAs(t, tr, remote, "chan1-provideFiles", uploadFileStatusBody{
		Type: "uploadFileStatus", FileKey: kacherycas.WholeFile(sha1Hex), Status: "pending",
	})
	time.Sleep(20 * time.Millisecond)
	publishAs(t, tr, remote, "chan1-provideFiles", uploadFileStatusBody{
		Type: "uploadFileStatus", FileKey: kacherycas.WholeFile(sha1Hex), Status: "started",
	})
	time.Sleep(20 * time.Millisecond)
	publishAs(t, tr, remote, "chan1-provideFiles", uploadFileStatusBody{
		Type: "uploadFileStatus", FileKey: kacherycas.WholeFile(sha1Hex), Status: "finished",
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		want := "https://storage.googleapis.com/test-bucket/sha1/f5/72/d3/" + sha1Hex
		if res.url != want {
			t.Fatalf("got url %q, want %q", res.url, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestFile to resolve")
	}
}

func TestRequestFileTimesOutWhenStuckInPending(t *testing.T) {
	tr := pubsubtransport.New(8)
	cas, err := kacherycas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cas.Close()

	ch := testChannelConfig("chan1")
	h, _ := newTestHub(t, ch, tr, cas, false)

	sha1Hex := "000000000000000000000000000000000000000a"
	remote, _ := signature.Generate()

	go func() {
		time.Sleep(10 * time.Millisecond)
		publishAs(t, tr, remote, "chan1-provideFiles", uploadFileStatusBody{
			Type: "uploadFileStatus", FileKey: kacherycas.WholeFile(sha1Hex), Status: "pending",
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h.RequestFile(ctx, "chan1", sha1Hex)
	if !errs.Is(err, errs.KindTransient) {
		t.Fatalf("expected Transient timeout error, got %v", err)
	}
}

func TestRequestFileRejectsStageRegression(t *testing.T) {
	if !advances(StatusNone, StatusPending) {
		t.Fatal("'' -> pending should be a valid advance")
	}
	if !advances(StatusPending, StatusStarted) {
		t.Fatal("pending -> started should be a valid advance")
	}
	if advances(StatusStarted, StatusPending) {
		t.Fatal("started -> pending must not be a valid advance")
	}
	if advances(StatusFinished, StatusFinished) {
		t.Fatal("finished -> finished is not a forward advance")
	}
}

func TestIncomingFileRequestServesFromCAS(t *testing.T) {
	tr := pubsubtransport.New(8)
	cas, err := kacherycas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cas.Close()

	ch := testChannelConfig("chan1")
	newTestHub(t, ch, tr, cas, false)

	sha1Hex, err := cas.StoreFileFromBuffer([]byte("hello\n"))
	if err != nil {
		t.Fatal(err)
	}

	statusRx, unsubscribe := tr.Subscribe("chan1-provideFiles")
	defer unsubscribe()

	remote, _ := signature.Generate()
	publishAs(t, tr, remote, "chan1-requestFiles", requestFileBody{
		Type: "requestFile", FileKey: kacherycas.WholeFile(sha1Hex),
	})

	var sawPending, sawStarted bool
	for i := 0; i < 2; i++ {
		select {
		case env := <-statusRx:
			var body uploadFileStatusBody
			if err := json.Unmarshal(env.Body, &body); err != nil {
				t.Fatal(err)
			}
			switch body.Status {
			case "pending":
				sawPending = true
			case "started":
				sawStarted = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for uploadFileStatus publishes")
		}
	}
	if !sawPending || !sawStarted {
		t.Fatalf("expected pending and started statuses, got pending=%v started=%v", sawPending, sawStarted)
	}
}

func TestHandleEnvelopeDropsWrongSubChannel(t *testing.T) {
	tr := pubsubtransport.New(8)
	cas, err := kacherycas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cas.Close()

	ch := testChannelConfig("chan1")
	h, _ := newTestHub(t, ch, tr, cas, false)

	sha1Hex, err := cas.StoreFileFromBuffer([]byte("hello\n"))
	if err != nil {
		t.Fatal(err)
	}

	statusRx, unsubscribe := tr.Subscribe("chan1-provideFiles")
	defer unsubscribe()

	remote, _ := signature.Generate()
	// A requestFile body published on the wrong sub-channel (-provideFiles
	// expects uploadFileStatus) must be dropped, not routed as a file
	// request.
	publishAs(t, tr, remote, "chan1-provideFiles", requestFileBody{
		Type: "requestFile", FileKey: kacherycas.WholeFile(sha1Hex),
	})

	_ = h
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case env := <-statusRx:
			if env.FromNodeID == remote.FeedID() {
				continue // the probe envelope published above
			}
			t.Fatalf("expected the hub to publish nothing, got %+v", env)
		case <-deadline:
			return
		}
	}
}

func TestHandleEnvelopeDropsInvalidSignature(t *testing.T) {
	tr := pubsubtransport.New(8)
	cas, err := kacherycas.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer cas.Close()

	ch := testChannelConfig("chan1")
	h, _ := newTestHub(t, ch, tr, cas, false)

	sha1Hex, err := cas.StoreFileFromBuffer([]byte("hello\n"))
	if err != nil {
		t.Fatal(err)
	}
	statusRx, unsubscribe := tr.Subscribe("chan1-provideFiles")
	defer unsubscribe()

	remote, _ := signature.Generate()
	raw, _ := json.Marshal(requestFileBody{Type: "requestFile", FileKey: kacherycas.WholeFile(sha1Hex)})
	// Tampered signature: sign a different body than the one published.
	badSig, _ := signature.Sign(requestFileBody{Type: "requestFile", FileKey: kacherycas.WholeFile("000000000000000000000000000000000000000b")}, remote)
	tr.Publish("chan1-requestFiles", pubsubtransport.Envelope{Body: raw, FromNodeID: remote.FeedID(), Signature: badSig})

	select {
	case env := <-statusRx:
		t.Fatalf("expected no delivery for a forged envelope, got %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
	_ = h
}
