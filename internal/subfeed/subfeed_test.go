package subfeed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kacheryhub/kachery-daemon/internal/bucketclient"
	"github.com/kacheryhub/kachery-daemon/internal/errs"
	"github.com/kacheryhub/kachery-daemon/internal/signature"
)

type memPersistence struct {
	mu   sync.Mutex
	msgs map[string][]Message
}

func newMemPersistence() *memPersistence {
	return &memPersistence{msgs: make(map[string][]Message)}
}

func (p *memPersistence) key(feedID, subfeedHash string) string { return feedID + "/" + subfeedHash }

func (p *memPersistence) LoadMessages(feedID, subfeedHash string) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message{}, p.msgs[p.key(feedID, subfeedHash)]...), nil
}

func (p *memPersistence) AppendMessages(feedID, subfeedHash string, msgs []Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.key(feedID, subfeedHash)
	p.msgs[k] = append(p.msgs[k], msgs...)
	return nil
}

func fixedClock() float64 { return 1700000000 }

func TestAppendAndVerifyChain(t *testing.T) {
	kp, err := signature.Generate()
	if err != nil {
		t.Fatal(err)
	}
	persistence := newMemPersistence()
	store, err := Open("feed1", "subfeedA", kp.FeedID(), persistence)
	if err != nil {
		t.Fatal(err)
	}

	payloads := []json.RawMessage{
		json.RawMessage(`{"type":"a"}`),
		json.RawMessage(`{"type":"b"}`),
	}
	msgs, err := store.AppendMessagePayloads(payloads, kp, fixedClock)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if store.GetNumMessages() != 2 {
		t.Fatalf("got %d, want 2", store.GetNumMessages())
	}

	// Reopen from persistence: must re-verify the chain successfully.
	reopened, err := Open("feed1", "subfeedA", kp.FeedID(), persistence)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.GetNumMessages() != 2 {
		t.Fatalf("got %d after reopen, want 2", reopened.GetNumMessages())
	}
}

func TestOpenRejectsTamperedPersistedChain(t *testing.T) {
	kp, _ := signature.Generate()
	persistence := newMemPersistence()
	store, _ := Open("feed1", "subfeedA", kp.FeedID(), persistence)
	_, err := store.AppendMessagePayloads([]json.RawMessage{json.RawMessage(`{}`)}, kp, fixedClock)
	if err != nil {
		t.Fatal(err)
	}

	// Tamper with the persisted message directly.
	persistence.mu.Lock()
	k := persistence.key("feed1", "subfeedA")
	tampered := persistence.msgs[k][0]
	tampered.Body.MessageNumber = 99
	persistence.msgs[k][0] = tampered
	persistence.mu.Unlock()

	_, err = Open("feed1", "subfeedA", kp.FeedID(), persistence)
	if !errs.Is(err, errs.KindIntegrityViolation) {
		t.Fatalf("expected IntegrityViolation on reopen, got %v", err)
	}
}

func TestAddSignedMessagesRejectsWrongSigner(t *testing.T) {
	owner, _ := signature.Generate()
	impostor, _ := signature.Generate()

	persistence := newMemPersistence()
	store, _ := Open("feed1", "subfeedA", owner.FeedID(), persistence)

	body := MessageBody{Message: json.RawMessage(`{}`), MessageNumber: 0}
	sig, err := signature.Sign(body, impostor)
	if err != nil {
		t.Fatal(err)
	}
	err = store.AddSignedMessages([]Message{{Body: body, Signature: sig}})
	if !errs.Is(err, errs.KindIntegrityViolation) {
		t.Fatalf("expected IntegrityViolation for wrong signer, got %v", err)
	}
}

func TestAddSignedMessagesDropsOverlappingReplay(t *testing.T) {
	owner, _ := signature.Generate()
	producerPersist := newMemPersistence()
	producer, _ := Open("feed1", "subfeedA", owner.FeedID(), producerPersist)
	msgs, err := producer.AppendMessagePayloads([]json.RawMessage{
		json.RawMessage(`{"n":0}`),
		json.RawMessage(`{"n":1}`),
	}, owner, fixedClock)
	if err != nil {
		t.Fatal(err)
	}

	consumerPersist := newMemPersistence()
	consumer, _ := Open("feed1", "subfeedA", owner.FeedID(), consumerPersist)
	if err := consumer.AddSignedMessages(msgs); err != nil {
		t.Fatal(err)
	}
	if consumer.GetNumMessages() != 2 {
		t.Fatalf("got %d, want 2", consumer.GetNumMessages())
	}

	// Replaying the same batch (e.g. a retried bucket pull after a dropped
	// connection) must be a quiet no-op, not a chain-break error.
	if err := consumer.AddSignedMessages(msgs); err != nil {
		t.Fatalf("replay of already-applied messages should be tolerated, got %v", err)
	}
	if consumer.GetNumMessages() != 2 {
		t.Fatalf("got %d after replay, want 2 (no duplication)", consumer.GetNumMessages())
	}

	// A batch that overlaps partially (message 1 repeated, message 2 new)
	// must apply only the fresh suffix.
	more, err := producer.AppendMessagePayloads([]json.RawMessage{json.RawMessage(`{"n":2}`)}, owner, fixedClock)
	if err != nil {
		t.Fatal(err)
	}
	overlapping := append(append([]Message{}, msgs[1:]...), more...)
	if err := consumer.AddSignedMessages(overlapping); err != nil {
		t.Fatalf("partially-overlapping replay should be tolerated, got %v", err)
	}
	if consumer.GetNumMessages() != 3 {
		t.Fatalf("got %d after partial overlap, want 3", consumer.GetNumMessages())
	}
}

func TestAppendMessagePayloadsRejectsWrongKey(t *testing.T) {
	owner, _ := signature.Generate()
	other, _ := signature.Generate()
	persistence := newMemPersistence()
	store, _ := Open("feed1", "subfeedA", owner.FeedID(), persistence)

	_, err := store.AppendMessagePayloads([]json.RawMessage{json.RawMessage(`{}`)}, other, fixedClock)
	if !errs.Is(err, errs.KindPreconditionFailure) {
		t.Fatalf("expected PreconditionFailure, got %v", err)
	}
}

func TestBucketReplicationRoundTrip(t *testing.T) {
	kp, _ := signature.Generate()
	producerPersist := newMemPersistence()
	producer, _ := Open("feed1", "subfeedA", kp.FeedID(), producerPersist)
	_, err := producer.AppendMessagePayloads([]json.RawMessage{
		json.RawMessage(`{"n":1}`),
		json.RawMessage(`{"n":2}`),
	}, kp, fixedClock)
	if err != nil {
		t.Fatal(err)
	}

	objects := make(map[string][]byte)
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			objects[name] = data
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			mu.Lock()
			data, ok := objects[name]
			mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		}
	}))
	defer srv.Close()

	mintPutURL := func(ctx context.Context, objectName string) (string, error) {
		return srv.URL + "/" + objectName, nil
	}
	getURL := func(objectName string) string { return srv.URL + "/" + objectName }

	client := bucketclient.New(0)
	pushed, err := producer.PushToBucket(context.Background(), client, 0, mintPutURL)
	if err != nil {
		t.Fatal(err)
	}
	if pushed != 2 {
		t.Fatalf("got %d pushed, want 2", pushed)
	}
	if _, ok := objects["subfeed.json"]; !ok {
		t.Fatal("expected subfeed.json to be written")
	}
	if _, ok := objects["0"]; !ok {
		t.Fatal("expected message object \"0\" to be written")
	}
	if _, ok := objects["1"]; !ok {
		t.Fatal("expected message object \"1\" to be written")
	}

	consumerPersist := newMemPersistence()
	consumer, _ := Open("feed1", "subfeedA", kp.FeedID(), consumerPersist)
	n, err := consumer.PullFromBucket(context.Background(), client, getURL)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("got %d new messages, want 2", n)
	}
	if consumer.GetNumMessages() != 2 {
		t.Fatalf("got %d, want 2", consumer.GetNumMessages())
	}

	// A second push with lastPushed=2 should push nothing new but still
	// refresh subfeed.json.
	pushed, err = producer.PushToBucket(context.Background(), client, 2, mintPutURL)
	if err != nil {
		t.Fatal(err)
	}
	if pushed != 0 {
		t.Fatalf("got %d pushed on no-op push, want 0", pushed)
	}
}
