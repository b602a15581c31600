// Package hub implements HubCoordinator (spec.md §4.7): per-channel pubsub
// message routing between peers — requestFile/uploadFileStatus for file
// transfers, requestSubfeed/subfeedMessageCountUpdate for subfeed
// replication — plus the monotonic stage machine a Downloader waits on
// during a direct-load requestFile round trip. Grounded on the teacher's
// EventPublisher (daemon/service/events.go, reworked here as
// internal/pubsubtransport) for the publish/subscribe mechanics, and on
// daemon/manager/session.go's validTransitions map-lookup pattern for the
// monotonic stage machine.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kacheryhub/kachery-daemon/internal/bucketclient"
	"github.com/kacheryhub/kachery-daemon/internal/config"
	"github.com/kacheryhub/kachery-daemon/internal/errs"
	"github.com/kacheryhub/kachery-daemon/internal/kacherycas"
	"github.com/kacheryhub/kachery-daemon/internal/nodestats"
	"github.com/kacheryhub/kachery-daemon/internal/observability"
	"github.com/kacheryhub/kachery-daemon/internal/pubsubtransport"
	"github.com/kacheryhub/kachery-daemon/internal/ratelimit"
	"github.com/kacheryhub/kachery-daemon/internal/signature"
	"github.com/kacheryhub/kachery-daemon/internal/subfeed"
)

// FileStatus is one stage of the requestFile waiter's monotonic
// progression (spec.md §4.7): '' < pending < started < finished.
type FileStatus string

const (
	StatusNone     FileStatus = ""
	StatusPending  FileStatus = "pending"
	StatusStarted  FileStatus = "started"
	StatusFinished FileStatus = "finished"
)

var stageOrder = map[FileStatus]int{
	StatusNone:     0,
	StatusPending:  1,
	StatusStarted:  2,
	StatusFinished: 3,
}

// advances reports whether moving from cur to next is a legal, strictly
// forward stage transition. Anything else (duplicate or stale update) is
// ignored by the waiter rather than treated as an error.
func advances(cur, next FileStatus) bool {
	return stageOrder[next] > stageOrder[cur]
}

// Envelope body types, tagged by "type" so a receiver can dispatch
// without prior knowledge of which of the four shapes arrived.
type requestFileBody struct {
	Type    string            `json:"type"`
	FileKey kacherycas.FileKey `json:"fileKey"`
}

type uploadFileStatusBody struct {
	Type    string            `json:"type"`
	FileKey kacherycas.FileKey `json:"fileKey"`
	Status  string            `json:"status"`
}

type requestSubfeedBody struct {
	Type        string `json:"type"`
	FeedID      string `json:"feedId"`
	SubfeedHash string `json:"subfeedHash"`
	Position    int    `json:"position"`
}

type subfeedMessageCountUpdateBody struct {
	Type         string `json:"type"`
	FeedID       string `json:"feedId"`
	SubfeedHash  string `json:"subfeedHash"`
	MessageCount int    `json:"messageCount"`
}

// SignedUrlMinter is the collaborator that obtains a signed PUT URL for a
// sha1+size (file upload) or for one object of a subfeed's bucket tree
// (spec.md §6).
type SignedUrlMinter interface {
	MintFileUploadURL(ctx context.Context, channelBucketURI, sha1Hex string, size int64) (string, error)
	MintSubfeedUploadURL(ctx context.Context, channelBucketURI, feedID, subfeedHash, objectName string) (string, error)
}

// SubfeedLookupFunc resolves an open Store for (feedID, subfeedHash), if
// this node holds one — used to answer requestSubfeed and
// subfeedMessageCountUpdate without HubCoordinator owning subfeed
// lifecycle itself.
type SubfeedLookupFunc func(feedID, subfeedHash string) (*subfeed.Store, bool)

// Deadlines are the fixed per-stage timeouts for the requestFile waiter
// (spec.md §4.5/§5): ToPending is how long the requester waits to leave
// '', ToStarted how long it waits in pending, ToFinished how long it
// waits in started.
type Deadlines struct {
	ToPending  time.Duration
	ToStarted  time.Duration
	ToFinished time.Duration
}

func DeadlinesFromConfig(cfg *config.Config) Deadlines {
	return Deadlines{
		ToPending:  cfg.RequestFilePendingDeadline,
		ToStarted:  cfg.RequestFileStartedDeadline,
		ToFinished: cfg.RequestFileFinishedDeadline,
	}
}

type waiter struct {
	updates chan FileStatus
}

// HubCoordinator routes pubsub messages for every channel this node
// belongs to and drives the requestFile waiter state machine on behalf
// of the Downloader.
type HubCoordinator struct {
	keyPair       *signature.KeyPair
	cfg           *config.Config
	pubsub        *pubsubtransport.Transport
	bucket        *bucketclient.Client
	cas           *kacherycas.StorageManager
	stats         *nodestats.Stats
	minter        SignedUrlMinter
	subfeedLookup SubfeedLookupFunc
	logger        *observability.Logger
	deadlines     Deadlines

	rateLimitersMu sync.Mutex
	rateLimiters   map[string]*ratelimit.TokenBucket

	waitersMu sync.Mutex
	waiters   map[string]*waiter

	unsubscribeMu sync.Mutex
	unsubscribe   []func()
}

func New(
	keyPair *signature.KeyPair,
	cfg *config.Config,
	pubsub *pubsubtransport.Transport,
	bucket *bucketclient.Client,
	cas *kacherycas.StorageManager,
	stats *nodestats.Stats,
	minter SignedUrlMinter,
	subfeedLookup SubfeedLookupFunc,
	logger *observability.Logger,
) *HubCoordinator {
	return &HubCoordinator{
		keyPair:       keyPair,
		cfg:           cfg,
		pubsub:        pubsub,
		bucket:        bucket,
		cas:           cas,
		stats:         stats,
		minter:        minter,
		subfeedLookup: subfeedLookup,
		logger:        logger,
		deadlines:     DeadlinesFromConfig(cfg),
		rateLimiters:  make(map[string]*ratelimit.TokenBucket),
		waiters:       make(map[string]*waiter),
	}
}

// Start subscribes to every pubsub sub-channel implied by this node's
// channel memberships' role×permission table (spec.md §4.7) and begins
// routing incoming envelopes. Call once.
func (h *HubCoordinator) Start() {
	for _, ch := range h.cfg.Channels {
		h.subscribeIfRole(ch.Roles.RequestFiles, ch.ChannelName+"-provideFiles")
		h.subscribeIfRole(ch.Roles.ProvideFiles, ch.ChannelName+"-requestFiles")
		h.subscribeIfRole(ch.Roles.RequestFeeds, ch.ChannelName+"-provideFeeds")
		h.subscribeIfRole(ch.Roles.ProvideFeeds, ch.ChannelName+"-requestFeeds")
	}
}

func (h *HubCoordinator) subscribeIfRole(hasRole bool, pubsubChannel string) {
	if !hasRole {
		return
	}
	rx, unsubscribe := h.pubsub.Subscribe(pubsubChannel)
	h.unsubscribeMu.Lock()
	h.unsubscribe = append(h.unsubscribe, unsubscribe)
	h.unsubscribeMu.Unlock()

	go func() {
		for env := range rx {
			h.stats.RecordReceived(pubsubChannel, int64(len(env.Body)))
			h.handleEnvelope(pubsubChannel, env)
		}
	}()
}

// Close unsubscribes from every pubsub sub-channel. Safe to call once
// after Start.
func (h *HubCoordinator) Close() {
	h.unsubscribeMu.Lock()
	defer h.unsubscribeMu.Unlock()
	for _, u := range h.unsubscribe {
		u()
	}
	h.unsubscribe = nil
}

// RequestFile implements downloader.RequestFileFunc: it publishes a
// requestFile envelope on <channel>-requestFiles and waits for the
// monotonic uploadFileStatus progression pending -> started -> finished,
// resolving to the channel's bucket URL for sha1Hex once finished.
func (h *HubCoordinator) RequestFile(ctx context.Context, channelName, sha1Hex string) (string, error) {
	ch, ok := h.cfg.ChannelByName(channelName)
	if !ok {
		return "", errs.PreconditionFailure("hub: unknown channel " + channelName)
	}
	if !ch.Roles.RequestFiles || !ch.Authorization.RequestFiles {
		return "", errs.PreconditionFailure("hub: channel " + channelName + " lacks requestFiles role/permission")
	}

	w := &waiter{updates: make(chan FileStatus, 8)}
	key := waiterKey(channelName, sha1Hex)
	h.waitersMu.Lock()
	h.waiters[key] = w
	h.waitersMu.Unlock()
	defer func() {
		h.waitersMu.Lock()
		delete(h.waiters, key)
		h.waitersMu.Unlock()
	}()

	if err := h.publish(ctx, channelName+"-requestFiles", requestFileBody{
		Type:    "requestFile",
		FileKey: kacherycas.WholeFile(sha1Hex),
	}); err != nil {
		return "", err
	}

	stage := StatusNone
	timer := time.NewTimer(h.deadlines.ToPending)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", errs.Cancelled("hub: requestFile wait cancelled for " + sha1Hex)
		case <-timer.C:
			return "", errs.Transient(fmt.Sprintf("hub: requestFile timed out in stage %q for %s", stage, sha1Hex), nil)
		case next := <-w.updates:
			if !advances(stage, next) {
				continue
			}
			stage = next
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			switch stage {
			case StatusPending:
				timer.Reset(h.deadlines.ToStarted)
			case StatusStarted:
				timer.Reset(h.deadlines.ToFinished)
			case StatusFinished:
				return h.fileBucketURL(ch, sha1Hex)
			}
		}
	}
}

func waiterKey(channelName, sha1Hex string) string { return channelName + "|" + sha1Hex }

// publish signs body as this node and fans it out on pubsubChannel,
// respecting a per-channel publish rate limit to bound the damage of a
// noisy requestFile storm.
func (h *HubCoordinator) publish(ctx context.Context, pubsubChannel string, body interface{}) error {
	h.rateLimiter(pubsubChannel).Wait(1)

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hub: marshal envelope body: %w", err)
	}
	sig, err := signature.Sign(body, h.keyPair)
	if err != nil {
		return fmt.Errorf("hub: sign envelope: %w", err)
	}
	env := pubsubtransport.Envelope{Body: raw, FromNodeID: h.keyPair.FeedID(), Signature: sig}

	h.pubsub.Publish(pubsubChannel, env)
	h.stats.RecordSent(pubsubChannel, int64(len(raw)))
	return nil
}

func (h *HubCoordinator) rateLimiter(pubsubChannel string) *ratelimit.TokenBucket {
	h.rateLimitersMu.Lock()
	defer h.rateLimitersMu.Unlock()
	rl, ok := h.rateLimiters[pubsubChannel]
	if !ok {
		rl = ratelimit.NewTokenBucket(20, 40)
		h.rateLimiters[pubsubChannel] = rl
	}
	return rl
}

// handleEnvelope verifies env's signature, checks its body type matches
// what pubsubChannel's suffix expects, and dispatches to the matching
// handler. Anything that fails verification, is malformed, or arrives on
// the wrong sub-channel is dropped with a warning (spec.md §4.7/§7:
// Protocol errors drop-with-warning, defense in depth).
func (h *HubCoordinator) handleEnvelope(pubsubChannel string, env pubsubtransport.Envelope) {
	if !signature.VerifyHexPublicKey(env.Body, env.FromNodeID, env.Signature) {
		h.logger.Warn("hub: dropping envelope with invalid signature on " + pubsubChannel)
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Body, &probe); err != nil {
		h.logger.Warn("hub: dropping malformed envelope body on " + pubsubChannel)
		return
	}
	if want := expectedBodyType(pubsubChannel); want != "" && probe.Type != want {
		h.logger.Warn("hub: dropping " + probe.Type + " body on wrong sub-channel " + pubsubChannel)
		return
	}

	channelName := baseChannelName(pubsubChannel)
	switch probe.Type {
	case "requestFile":
		var body requestFileBody
		if json.Unmarshal(env.Body, &body) == nil {
			h.handleIncomingFileRequest(channelName, body)
		}
	case "uploadFileStatus":
		var body uploadFileStatusBody
		if json.Unmarshal(env.Body, &body) == nil {
			h.handleUploadFileStatus(channelName, body)
		}
	case "requestSubfeed":
		var body requestSubfeedBody
		if json.Unmarshal(env.Body, &body) == nil {
			h.handleRequestSubfeed(channelName, body)
		}
	case "subfeedMessageCountUpdate":
		var body subfeedMessageCountUpdateBody
		if json.Unmarshal(env.Body, &body) == nil {
			h.handleSubfeedMessageCountUpdate(channelName, body)
		}
	default:
		h.logger.Warn("hub: dropping envelope with unrecognized body type " + probe.Type)
	}
}

func expectedBodyType(pubsubChannel string) string {
	switch {
	case strings.HasSuffix(pubsubChannel, "-requestFiles"):
		return "requestFile"
	case strings.HasSuffix(pubsubChannel, "-provideFiles"):
		return "uploadFileStatus"
	case strings.HasSuffix(pubsubChannel, "-requestFeeds"):
		return "requestSubfeed"
	case strings.HasSuffix(pubsubChannel, "-provideFeeds"):
		return "subfeedMessageCountUpdate"
	default:
		return ""
	}
}

func baseChannelName(pubsubChannel string) string {
	for _, suffix := range []string{"-requestFiles", "-provideFiles", "-requestFeeds", "-provideFeeds"} {
		if strings.HasSuffix(pubsubChannel, suffix) {
			return strings.TrimSuffix(pubsubChannel, suffix)
		}
	}
	return pubsubChannel
}

// handleIncomingFileRequest is onIncomingFileRequest (spec.md §4.7): if
// this node can provide the file, it immediately acknowledges with
// "pending" and hands the upload off to a background job.
func (h *HubCoordinator) handleIncomingFileRequest(channelName string, body requestFileBody) {
	ch, ok := h.cfg.ChannelByName(channelName)
	if !ok || !ch.Roles.ProvideFiles || !ch.Authorization.ProvideFiles || ch.ChannelBucketURI == "" {
		return
	}
	sha1Hex := body.FileKey.Sha1
	if sha1Hex == "" || !h.cas.HasLocalFile(sha1Hex) {
		return
	}

	ctx := context.Background()
	if err := h.publish(ctx, channelName+"-provideFiles", uploadFileStatusBody{
		Type:    "uploadFileStatus",
		FileKey: kacherycas.WholeFile(sha1Hex),
		Status:  string(StatusPending),
	}); err != nil {
		h.logger.Warn("hub: failed to acknowledge file request for " + sha1Hex)
		return
	}
	go h.serveFileRequest(ch, sha1Hex)
}

func (h *HubCoordinator) serveFileRequest(ch config.ChannelConfig, sha1Hex string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.deadlines.ToStarted+h.deadlines.ToFinished)
	defer cancel()

	path, size, found, err := h.cas.FindFile(kacherycas.WholeFile(sha1Hex))
	if err != nil || !found {
		return
	}

	if err := h.publish(ctx, ch.ChannelName+"-provideFiles", uploadFileStatusBody{
		Type:    "uploadFileStatus",
		FileKey: kacherycas.WholeFile(sha1Hex),
		Status:  string(StatusStarted),
	}); err != nil {
		return
	}

	putURL, err := h.minter.MintFileUploadURL(ctx, ch.ChannelBucketURI, sha1Hex, size)
	if err != nil {
		h.logger.WithFile(sha1Hex, size).Error(err, "hub: failed to mint upload URL")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		h.logger.WithFile(sha1Hex, size).Error(err, "hub: failed to open local file for upload")
		return
	}
	defer f.Close()

	if err := h.bucket.PutSigned(ctx, putURL, f, size); err != nil {
		h.logger.WithFile(sha1Hex, size).Error(err, "hub: failed to PUT file to bucket")
		return
	}
	h.stats.RecordSent(ch.ChannelName, size)

	_ = h.publish(ctx, ch.ChannelName+"-provideFiles", uploadFileStatusBody{
		Type:    "uploadFileStatus",
		FileKey: kacherycas.WholeFile(sha1Hex),
		Status:  string(StatusFinished),
	})
}

func (h *HubCoordinator) handleUploadFileStatus(channelName string, body uploadFileStatusBody) {
	sha1Hex := body.FileKey.Sha1
	if sha1Hex == "" {
		return
	}
	var stage FileStatus
	switch body.Status {
	case string(StatusPending):
		stage = StatusPending
	case string(StatusStarted):
		stage = StatusStarted
	case string(StatusFinished):
		stage = StatusFinished
	default:
		return
	}

	h.waitersMu.Lock()
	w, ok := h.waiters[waiterKey(channelName, sha1Hex)]
	h.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case w.updates <- stage:
	default:
	}
}

// handleRequestSubfeed is the subfeed-provider dispatch (spec.md §4.7):
// perform the bucket replication producer path for the requested range.
func (h *HubCoordinator) handleRequestSubfeed(channelName string, body requestSubfeedBody) {
	ch, ok := h.cfg.ChannelByName(channelName)
	if !ok || !ch.Roles.ProvideFeeds || !ch.Authorization.ProvideFeeds || ch.ChannelBucketURI == "" {
		return
	}
	store, ok := h.subfeedLookup(body.FeedID, body.SubfeedHash)
	if !ok {
		return
	}
	go h.serveSubfeedRequest(ch, store, body.Position)
}

func (h *HubCoordinator) serveSubfeedRequest(ch config.ChannelConfig, store *subfeed.Store, lastPushed int) {
	ctx, cancel := context.WithTimeout(context.Background(), h.deadlines.ToStarted+h.deadlines.ToFinished)
	defer cancel()

	mintPutURL := func(ctx context.Context, objectName string) (string, error) {
		return h.minter.MintSubfeedUploadURL(ctx, ch.ChannelBucketURI, store.FeedID(), store.SubfeedHash(), objectName)
	}
	if _, err := store.PushToBucket(ctx, h.bucket, lastPushed, mintPutURL); err != nil {
		h.logger.WithFeed(store.FeedID(), store.SubfeedHash()).Error(err, "hub: subfeed push failed")
		return
	}

	_ = h.publish(ctx, ch.ChannelName+"-provideFeeds", subfeedMessageCountUpdateBody{
		Type:         "subfeedMessageCountUpdate",
		FeedID:       store.FeedID(),
		SubfeedHash:  store.SubfeedHash(),
		MessageCount: store.GetNumMessages(),
	})
}

// handleSubfeedMessageCountUpdate is the subfeed consumer dispatch
// (spec.md §4.6/§4.7): pull and verify any messages beyond what is
// already local.
func (h *HubCoordinator) handleSubfeedMessageCountUpdate(channelName string, body subfeedMessageCountUpdateBody) {
	ch, ok := h.cfg.ChannelByName(channelName)
	if !ok || !ch.Roles.RequestFeeds || !ch.Authorization.RequestFeeds {
		return
	}
	store, ok := h.subfeedLookup(body.FeedID, body.SubfeedHash)
	if !ok || body.MessageCount <= store.GetNumMessages() {
		return
	}
	go h.pullSubfeed(ch, store)
}

func (h *HubCoordinator) pullSubfeed(ch config.ChannelConfig, store *subfeed.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.BucketRequestTimeout)
	defer cancel()

	getURL := func(objectName string) string {
		objPath := subfeedBucketObjectPath(store.FeedID(), store.SubfeedHash(), objectName)
		full, err := bucketclient.BucketURIToURL(joinBucketURI(ch.ChannelBucketURI, objPath))
		if err != nil {
			return ""
		}
		return full
	}
	if _, err := store.PullFromBucket(ctx, h.bucket, getURL); err != nil {
		h.logger.WithFeed(store.FeedID(), store.SubfeedHash()).Error(err, "hub: subfeed pull failed")
	}
}

// MintSubfeedUploadURLFor exposes the hub's SignedUrlMinter collaborator
// to daemon wiring's own local-append producer path, so a freshly
// appended subfeed range can be pushed to the channel bucket the same way
// serveSubfeedRequest does for a peer-initiated requestSubfeed.
func (h *HubCoordinator) MintSubfeedUploadURLFor(ctx context.Context, channelBucketURI, feedID, subfeedHash, objectName string) (string, error) {
	return h.minter.MintSubfeedUploadURL(ctx, channelBucketURI, feedID, subfeedHash, objectName)
}

// PublishSubfeedProduced is called by daemon wiring right after a local
// append + PushToBucket, to announce the new count to consumers (spec.md
// §4.6 producer-side replication's final step).
func (h *HubCoordinator) PublishSubfeedProduced(ctx context.Context, channelName, feedID, subfeedHash string, messageCount int) error {
	return h.publish(ctx, channelName+"-provideFeeds", subfeedMessageCountUpdateBody{
		Type:         "subfeedMessageCountUpdate",
		FeedID:       feedID,
		SubfeedHash:  subfeedHash,
		MessageCount: messageCount,
	})
}

func (h *HubCoordinator) fileBucketURL(ch config.ChannelConfig, sha1Hex string) (string, error) {
	return bucketclient.BucketURIToURL(joinBucketURI(ch.ChannelBucketURI, fileBucketObjectPath(sha1Hex)))
}

// fileBucketObjectPath and subfeedBucketObjectPath implement the bit-exact
// bucket object layout from spec.md §6.
func fileBucketObjectPath(sha1Hex string) string {
	return fmt.Sprintf("sha1/%s/%s/%s/%s", sha1Hex[0:2], sha1Hex[2:4], sha1Hex[4:6], sha1Hex)
}

func subfeedBucketObjectPath(feedID, subfeedHash, objectName string) string {
	return fmt.Sprintf("feeds/%s/%s/%s/%s/subfeeds/%s/%s/%s/%s/%s",
		feedID[0:2], feedID[2:4], feedID[4:6], feedID,
		subfeedHash[0:2], subfeedHash[2:4], subfeedHash[4:6], subfeedHash,
		objectName)
}

func joinBucketURI(bucketURI, subpath string) string {
	return strings.TrimRight(bucketURI, "/") + "/" + subpath
}
