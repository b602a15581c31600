package subfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kacheryhub/kachery-daemon/internal/bucketclient"
)

// subfeedJSON is the small control object at a subfeed's bucket root
// (spec.md §6): just the message count, so a consumer can cheaply poll for
// new messages without fetching the messages themselves.
type subfeedJSON struct {
	MessageCount int `json:"messageCount"`
}

// PutURLFunc mints a pre-signed PUT URL for objectName within a subfeed's
// bucket path ("subfeed.json", or a message index as a decimal string).
// This is the Store's seam onto the hub's signed-URL-minting collaborator
// (spec.md §6); it is passed in rather than imported directly so the
// subfeed package stays decoupled from channel/bucket configuration.
type PutURLFunc func(ctx context.Context, objectName string) (string, error)

// GetURLFunc builds the GET URL for objectName within a subfeed's bucket
// path.
type GetURLFunc func(objectName string) string

// PushToBucket uploads every local message from index lastPushed onward to
// its own numbered object, then republishes subfeed.json with the new
// count. Called by the subfeed's producer node after a successful local
// append. Returns the number of messages pushed.
func (s *Store) PushToBucket(ctx context.Context, client *bucketclient.Client, lastPushed int, mintPutURL PutURLFunc) (int, error) {
	s.mu.Lock()
	messages := append([]Message{}, s.messages...)
	s.mu.Unlock()

	if lastPushed < 0 {
		lastPushed = 0
	}
	if lastPushed > len(messages) {
		return 0, fmt.Errorf("subfeed: lastPushed %d exceeds local message count %d", lastPushed, len(messages))
	}

	for i := lastPushed; i < len(messages); i++ {
		data, err := json.Marshal(messages[i])
		if err != nil {
			return i - lastPushed, err
		}
		putURL, err := mintPutURL(ctx, strconv.Itoa(i))
		if err != nil {
			return i - lastPushed, err
		}
		if err := client.PutSigned(ctx, putURL, bytes.NewReader(data), int64(len(data))); err != nil {
			return i - lastPushed, err
		}
	}

	doc, err := json.Marshal(subfeedJSON{MessageCount: len(messages)})
	if err != nil {
		return len(messages) - lastPushed, err
	}
	putURL, err := mintPutURL(ctx, "subfeed.json")
	if err != nil {
		return len(messages) - lastPushed, err
	}
	if err := client.PutSigned(ctx, putURL, bytes.NewReader(doc), int64(len(doc))); err != nil {
		return len(messages) - lastPushed, err
	}
	return len(messages) - lastPushed, nil
}

// PullFromBucket polls subfeed.json for a fresh message count (cache-busted
// so a CDN in front of the bucket can't serve a stale count), and if it
// exceeds the local count, fetches each missing numbered message object in
// order and appends it, verifying the hash chain as it goes. Returns the
// number of newly-appended messages.
func (s *Store) PullFromBucket(ctx context.Context, client *bucketclient.Client, getURL GetURLFunc) (int, error) {
	raw, err := client.GetJSON(ctx, getURL("subfeed.json"), true)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	var doc subfeedJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("subfeed: malformed subfeed.json: %w", err)
	}

	localCount := s.GetNumMessages()
	if doc.MessageCount <= localCount {
		return 0, nil
	}

	newMsgs := make([]Message, 0, doc.MessageCount-localCount)
	for i := localCount; i < doc.MessageCount; i++ {
		raw, err := client.GetJSON(ctx, getURL(strconv.Itoa(i)), false)
		if err != nil {
			return 0, err
		}
		if raw == nil {
			return 0, fmt.Errorf("subfeed: bucket claims %d messages but object %d is missing", doc.MessageCount, i)
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return 0, fmt.Errorf("subfeed: malformed message object %d: %w", i, err)
		}
		newMsgs = append(newMsgs, msg)
	}

	if err := s.AddSignedMessages(newMsgs); err != nil {
		return 0, err
	}
	return len(newMsgs), nil
}
