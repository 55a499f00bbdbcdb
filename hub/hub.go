// Package hub implements the Fan-out Hub (SPEC_FULL.md §4.E): one per
// stream, it holds the latest decoded JPEG frame and broadcasts it to an
// arbitrary number of HTTP MJPEG subscribers plus a single in-process
// scoring callback, without ever letting a slow subscriber block the
// pipeline reader that publishes frames.
//
// Each subscriber owns a capacity-1, overwrite-on-full mailbox (SPEC_FULL
// §9 "Hub subscriber mailbox"), generalized from the teacher's direct
// pipe-to-io.Writer MJPEG relay (services/mjpeg_service.go) into a proper
// N-way fan-out.
package hub

import (
	"sync"
	"time"

	"rtsp-gateway/pipeline"
)

// SlowSubscriberTimeout is how long a subscriber may go without accepting
// a frame before the Hub disconnects it (SPEC_FULL.md §4.E).
const SlowSubscriberTimeout = 30 * time.Second

// Score is one scored observation the scoring callback produced for a
// frame; the Hub republishes these to SSE subscribers verbatim.
type Score struct {
	Label string         `json:"label"`
	Value float64        `json:"value"`
	Zone  string         `json:"zone,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// ScoreEvent is one SSE record: a frame's timestamp plus whatever scores
// the callback produced for it (possibly zero).
type ScoreEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Scores    []Score   `json:"scores"`
}

// ScoreCallback is the single in-process scoring consumer (SPEC_FULL.md
// §4.E, §1 "the object-detection/scoring model itself ... is not [in
// scope]; a frame-consumer callback is specified"). It must return
// promptly; if it is still running when the next frame arrives, that
// frame replaces the pending one rather than queueing.
type ScoreCallback func(pipeline.Frame) []Score

// Metrics is the subset of the Prometheus surface the Hub drives
// directly; package metrics implements it.
type Metrics interface {
	MJPEGFrameDropped(streamID string)
	ActiveSubscribers(streamID string, n int)
}

type noopMetrics struct{}

func (noopMetrics) MJPEGFrameDropped(string)      {}
func (noopMetrics) ActiveSubscribers(string, int) {}

// Hub is the per-stream fan-out broadcaster. The zero value is not usable;
// construct with New.
type Hub struct {
	streamID string
	metrics  Metrics

	mu          sync.Mutex
	latest      *pipeline.Frame
	subscribers map[uint64]*mjpegSubscriber
	nextSubID   uint64
	scoreSubs   map[uint64]chan ScoreEvent
	nextSSEID   uint64
	closed      bool

	scoreCB ScoreCallback
	scoreMu sync.Mutex
	pending chan pipeline.Frame
}

// mjpegSubscriber is one HTTP MJPEG viewer's mailbox. lastOK is only
// touched from Publish, which runs on the single pipeline reader
// goroutine for this stream, so it needs no lock of its own.
type mjpegSubscriber struct {
	inbox  chan *pipeline.Frame
	lastOK time.Time
}

// New creates a Hub for one stream.
func New(streamID string, metrics Metrics) *Hub {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	h := &Hub{
		streamID:    streamID,
		metrics:     metrics,
		subscribers: make(map[uint64]*mjpegSubscriber),
		scoreSubs:   make(map[uint64]chan ScoreEvent),
		pending:     make(chan pipeline.Frame, 1),
	}
	go h.scoreLoop()
	return h
}

// SetScoreCallback installs (or clears, if cb is nil) the scoring
// callback. Safe to call concurrently with Publish.
func (h *Hub) SetScoreCallback(cb ScoreCallback) {
	h.scoreMu.Lock()
	defer h.scoreMu.Unlock()
	h.scoreCB = cb
}

// Publish broadcasts f to every subscriber and queues it for the scoring
// callback. It never blocks on subscriber or callback I/O: each MJPEG sink
// is a capacity-1 mailbox whose unread frame is dropped and overwritten by
// the newer one, and the scoring queue is a capacity-1 overwrite channel.
func (h *Hub) Publish(f pipeline.Frame) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	frame := f
	h.latest = &frame
	subs := make(map[uint64]*mjpegSubscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs[id] = sub
	}
	h.mu.Unlock()

	now := time.Now()
	for id, sub := range subs {
		select {
		case sub.inbox <- &frame:
			sub.lastOK = now
			continue
		default:
		}
		h.metrics.MJPEGFrameDropped(h.streamID)
		if now.Sub(sub.lastOK) >= SlowSubscriberTimeout {
			h.disconnectSubscriber(id)
			continue
		}
		// Overwrite the unread frame with this newer one.
		select {
		case <-sub.inbox:
		default:
		}
		select {
		case sub.inbox <- &frame:
		default:
		}
	}

	h.enqueueForScoring(frame)
}

func (h *Hub) enqueueForScoring(frame pipeline.Frame) {
	h.scoreMu.Lock()
	cb := h.scoreCB
	h.scoreMu.Unlock()
	if cb == nil {
		return
	}
	select {
	case h.pending <- frame:
	default:
		// Drain the stale pending frame and replace it: latest-wins, no
		// queueing (SPEC_FULL.md §4.E).
		select {
		case <-h.pending:
		default:
		}
		select {
		case h.pending <- frame:
		default:
		}
	}
}

// scoreLoop runs the scoring callback serially, one frame at a time,
// always on the most recently published frame.
func (h *Hub) scoreLoop() {
	for frame := range h.pending {
		h.scoreMu.Lock()
		cb := h.scoreCB
		h.scoreMu.Unlock()
		if cb == nil {
			continue
		}
		scores := cb(frame)
		h.publishScores(frame, scores)
	}
}

func (h *Hub) publishScores(frame pipeline.Frame, scores []Score) {
	event := ScoreEvent{Timestamp: frame.WallTS, Scores: scores}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.scoreSubs {
		select {
		case ch <- event:
		default:
			// A slow SSE client drops an event rather than blocking
			// scoring for every other subscriber.
		}
	}
}

// MJPEGSubscription is a live HTTP MJPEG viewer's read handle.
type MJPEGSubscription struct {
	hub   *Hub
	id    uint64
	inbox chan *pipeline.Frame
}

// Frames returns the channel the subscriber should range over. A nil
// value received on it (or the channel closing) signals the stream ended.
func (s *MJPEGSubscription) Frames() <-chan *pipeline.Frame { return s.inbox }

// Close unsubscribes; safe to call more than once.
func (s *MJPEGSubscription) Close() { s.hub.unsubscribeMJPEG(s.id) }

// SubscribeMJPEG registers a new MJPEG viewer and returns its
// subscription. If the first frame has already been published, it is
// delivered immediately so a just-connected viewer doesn't wait a full
// frame interval to see anything.
func (h *Hub) SubscribeMJPEG() *MJPEGSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	sub := &mjpegSubscriber{inbox: make(chan *pipeline.Frame, 1), lastOK: time.Now()}
	if h.closed {
		close(sub.inbox)
	} else {
		h.subscribers[id] = sub
		if h.latest != nil {
			sub.inbox <- h.latest
		}
	}
	h.metrics.ActiveSubscribers(h.streamID, len(h.subscribers))
	return &MJPEGSubscription{hub: h, id: id, inbox: sub.inbox}
}

func (h *Hub) unsubscribeMJPEG(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[id]; !ok {
		return
	}
	delete(h.subscribers, id)
	h.metrics.ActiveSubscribers(h.streamID, len(h.subscribers))
}

func (h *Hub) disconnectSubscriber(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, id)
	h.metrics.ActiveSubscribers(h.streamID, len(h.subscribers))
	h.mu.Unlock()
	close(sub.inbox)
}

// ScoreSubscription is a live SSE viewer's read handle.
type ScoreSubscription struct {
	hub    *Hub
	id     uint64
	events chan ScoreEvent
}

// Events returns the channel the subscriber should range over.
func (s *ScoreSubscription) Events() <-chan ScoreEvent { return s.events }

// Close unsubscribes; safe to call more than once.
func (s *ScoreSubscription) Close() { s.hub.unsubscribeScores(s.id) }

// SubscribeScores registers a new SSE score viewer.
func (h *Hub) SubscribeScores() *ScoreSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSSEID
	h.nextSSEID++
	ch := make(chan ScoreEvent, 8)
	if h.closed {
		close(ch)
	} else {
		h.scoreSubs[id] = ch
	}
	return &ScoreSubscription{hub: h, id: id, events: ch}
}

func (h *Hub) unsubscribeScores(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.scoreSubs, id)
}

// ActiveMJPEGSubscribers returns the current MJPEG subscriber count.
func (h *Hub) ActiveMJPEGSubscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close detaches every subscriber (closing their channels as the "final
// sentinel" SPEC_FULL.md §4.D describes) and stops accepting new frames.
// Called by the owning Worker on Stop.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subscribers
	h.subscribers = make(map[uint64]*mjpegSubscriber)
	scoreSubs := h.scoreSubs
	h.scoreSubs = make(map[uint64]chan ScoreEvent)
	h.metrics.ActiveSubscribers(h.streamID, 0)
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.inbox)
	}
	for _, ch := range scoreSubs {
		close(ch)
	}
	close(h.pending)
}
