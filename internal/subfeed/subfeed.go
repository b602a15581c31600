// Package subfeed implements SubfeedStore (spec.md §4.6): a per-(feedId,
// subfeedHash) signed, append-only message log with hash-chain
// verification and bucket-backed replication between the single writer
// node and consumer nodes. Grounded on the teacher's SQLite persistence
// layer (daemon/manager/persistence.go) for durable append storage and on
// daemon/manager/verification.go's sign/verify pattern for chain links.
package subfeed

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kacheryhub/kachery-daemon/internal/errs"
	"github.com/kacheryhub/kachery-daemon/internal/signature"
)

// Message is one signed entry in a subfeed's append-only log.
type Message struct {
	Body      MessageBody `json:"body"`
	Signature string      `json:"signature"`
}

// MessageBody is the signed pre-image: the caller's payload plus the
// hash-chain link to the previous message.
type MessageBody struct {
	Message           json.RawMessage `json:"message"`
	PreviousSignature *string         `json:"previousSignature"`
	MessageNumber     int64           `json:"messageNumber"`
	Timestamp         float64         `json:"timestamp"`
}

// Persistence is the durable storage seam a Store is built on — satisfied
// by internal/localfeedmanager's SQLite-backed implementation, or an
// in-memory fake in tests.
type Persistence interface {
	LoadMessages(feedID, subfeedHash string) ([]Message, error)
	AppendMessages(feedID, subfeedHash string, msgs []Message) error
}

// Store is a single subfeed's append-only log, guarded by a single-writer
// mutex (spec.md §5: one writer per subfeed at a time).
type Store struct {
	feedID      string
	subfeedHash string
	publicKey   string // hex-encoded Ed25519 public key == feedId

	persistence Persistence

	mu       sync.Mutex
	messages []Message
}

// Open loads and chain-verifies any persisted messages for (feedID,
// subfeedHash). publicKeyHex must be the feed owner's public key, since
// every message must verify under it.
func Open(feedID, subfeedHash, publicKeyHex string, persistence Persistence) (*Store, error) {
	msgs, err := persistence.LoadMessages(feedID, subfeedHash)
	if err != nil {
		return nil, fmt.Errorf("subfeed: load messages: %w", err)
	}
	if err := verifyChain(msgs, publicKeyHex); err != nil {
		return nil, err
	}
	return &Store{
		feedID:      feedID,
		subfeedHash: subfeedHash,
		publicKey:   publicKeyHex,
		persistence: persistence,
		messages:    msgs,
	}, nil
}

func (s *Store) FeedID() string      { return s.feedID }
func (s *Store) SubfeedHash() string { return s.subfeedHash }

func (s *Store) GetNumMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// GetSignedMessages returns messages in [start, end). end == -1 means "to
// the current end of the log".
func (s *Store) GetSignedMessages(start, end int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if end == -1 {
		end = len(s.messages)
	}
	if start < 0 || end > len(s.messages) || start > end {
		return nil, fmt.Errorf("subfeed: range [%d,%d) out of bounds for %d messages", start, end, len(s.messages))
	}
	out := make([]Message, end-start)
	copy(out, s.messages[start:end])
	return out, nil
}

// AppendMessagePayloads signs and appends one message per payload, as the
// feed's owner. Only the node holding kp may legitimately do this, since
// every message must verify under kp's public key.
func (s *Store) AppendMessagePayloads(payloads []json.RawMessage, kp *signature.KeyPair, now func() float64) ([]Message, error) {
	if kp.FeedID() != s.publicKey {
		return nil, errs.PreconditionFailure("subfeed: signing key does not match subfeed owner")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prevSig *string
	if len(s.messages) > 0 {
		sig := s.messages[len(s.messages)-1].Signature
		prevSig = &sig
	}
	nextNumber := int64(len(s.messages))

	newMsgs := make([]Message, 0, len(payloads))
	for _, payload := range payloads {
		body := MessageBody{
			Message:           payload,
			PreviousSignature: prevSig,
			MessageNumber:     nextNumber,
			Timestamp:         now(),
		}
		sigHex, err := signature.Sign(body, kp)
		if err != nil {
			return nil, fmt.Errorf("subfeed: sign message: %w", err)
		}
		msg := Message{Body: body, Signature: sigHex}
		newMsgs = append(newMsgs, msg)

		prevSig = &sigHex
		nextNumber++
	}

	if err := s.persistence.AppendMessages(s.feedID, s.subfeedHash, newMsgs); err != nil {
		return nil, fmt.Errorf("subfeed: persist messages: %w", err)
	}
	s.messages = append(s.messages, newMsgs...)
	return newMsgs, nil
}

// AddSignedMessages appends already-signed messages received from a
// replication source (bucket pull or pubsub push), verifying that they
// chain correctly from the current tip before committing them.
//
// Per spec.md §4.6, the precondition is on the *first* incoming message
// only (messageNumber == 0 for an empty subfeed, or ≤ lastExisting+1
// otherwise); any message numbers below the current length are tolerated
// as idempotent replays and dropped quietly rather than re-verified, so a
// retried batch that overlaps what is already on disk is a harmless no-op
// on the overlapping prefix instead of a chain-break error.
func (s *Store) AddSignedMessages(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msgs) == 0 {
		return nil
	}
	currentLength := int64(len(s.messages))
	if msgs[0].Body.MessageNumber > currentLength {
		return errs.PreconditionFailure(fmt.Sprintf("subfeed: append gap: first incoming message number %d exceeds current length %d", msgs[0].Body.MessageNumber, currentLength))
	}

	fresh := msgs
	for len(fresh) > 0 && fresh[0].Body.MessageNumber < currentLength {
		fresh = fresh[1:]
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := verifyChainContinuation(s.messages, fresh, s.publicKey); err != nil {
		return err
	}
	if err := s.persistence.AppendMessages(s.feedID, s.subfeedHash, fresh); err != nil {
		return fmt.Errorf("subfeed: persist replicated messages: %w", err)
	}
	s.messages = append(s.messages, fresh...)
	return nil
}

func verifyChain(msgs []Message, publicKeyHex string) error {
	return verifyChainContinuation(nil, msgs, publicKeyHex)
}

// verifyChainContinuation checks that newMsgs forms a valid, signed
// continuation of existing (which may be empty for a fresh subfeed).
func verifyChainContinuation(existing []Message, newMsgs []Message, publicKeyHex string) error {
	var prevSig *string
	expectedNumber := int64(len(existing))
	if len(existing) > 0 {
		sig := existing[len(existing)-1].Signature
		prevSig = &sig
	}

	for i, msg := range newMsgs {
		if !signature.VerifyHexPublicKey(msg.Body, publicKeyHex, msg.Signature) {
			return errs.IntegrityViolation(fmt.Sprintf("subfeed: signature verification failed at message %d", i))
		}
		if msg.Body.MessageNumber != expectedNumber {
			return errs.IntegrityViolation(fmt.Sprintf("subfeed: message number %d out of sequence, expected %d", msg.Body.MessageNumber, expectedNumber))
		}
		if !sameOptionalString(msg.Body.PreviousSignature, prevSig) {
			return errs.IntegrityViolation(fmt.Sprintf("subfeed: broken hash chain at message %d", i))
		}
		sig := msg.Signature
		prevSig = &sig
		expectedNumber++
	}
	return nil
}

func sameOptionalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
