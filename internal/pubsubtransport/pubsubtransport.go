// Package pubsubtransport implements the PubsubTransport collaborator
// (spec.md §6): per-channel publish/subscribe of signed envelopes. This is
// an in-process transport — a stub for the wire transport a multi-node
// deployment would use — grounded on the teacher's EventPublisher
// (daemon/service/events.go): a subscription table guarded by a mutex,
// with non-blocking sends so a slow subscriber can never stall a
// publisher.
package pubsubtransport

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Envelope is the signed wire format for every pubsub message (spec.md
// §6): Body is one of requestFile/uploadFileStatus/requestSubfeed/
// subfeedMessageCountUpdate, tagged by its own "type" field so a
// subscriber can dispatch without out-of-band knowledge of the channel's
// expected shape.
type Envelope struct {
	Body       json.RawMessage `json:"body"`
	FromNodeID string          `json:"fromNodeId"`
	Signature  string          `json:"signature"`
}

type subscription struct {
	id string
	ch chan Envelope
}

// Transport is a process-local fan-out pubsub: Publish on a channel name
// delivers to every current Subscribe-r of that name.
type Transport struct {
	mu         sync.RWMutex
	subs       map[string][]*subscription
	bufferSize int
}

// New creates a Transport whose per-subscriber channels buffer up to
// bufferSize pending envelopes before Publish starts dropping for that
// subscriber.
func New(bufferSize int) *Transport {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Transport{subs: make(map[string][]*subscription), bufferSize: bufferSize}
}

// Subscribe starts listening on channelName, returning a receive channel
// and an unsubscribe function. The returned channel is closed by
// unsubscribe; callers must stop reading from it once called.
func (t *Transport) Subscribe(channelName string) (<-chan Envelope, func()) {
	sub := &subscription{id: uuid.NewString(), ch: make(chan Envelope, t.bufferSize)}

	t.mu.Lock()
	t.subs[channelName] = append(t.subs[channelName], sub)
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		peers := t.subs[channelName]
		for i, s := range peers {
			if s.id == sub.id {
				t.subs[channelName] = append(peers[:i], peers[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans env out to every current subscriber of channelName. A
// subscriber whose buffer is full is skipped rather than blocking the
// publisher (slow-consumer protection, matching the teacher's
// EventPublisher.Publish).
func (t *Transport) Publish(channelName string, env Envelope) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs[channelName] {
		select {
		case sub.ch <- env:
		default:
		}
	}
}

// SubscriberCount reports how many active subscriptions exist on
// channelName, for health/metrics reporting.
func (t *Transport) SubscriberCount(channelName string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[channelName])
}
