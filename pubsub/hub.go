// Package pubsub fans per-job results out to subscribers over channels
// named by the job id. Publishing never blocks: a subscriber that cannot
// keep up drops incoming events rather than stalling the inference stream.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrChannelUnknown is returned for channel ids that were never issued
	// by this process. Job ids double as channel names; refusing unknown
	// ids keeps clients from camping on arbitrary channels.
	ErrChannelUnknown = errors.New("pubsub: unknown channel")
	// ErrHubClosed is returned after the hub shuts down.
	ErrHubClosed = errors.New("pubsub: hub is closed")
)

// Event kinds published per job channel, in per-frame emission order.
const (
	EventFrame             = "frame"
	EventDetectionFrame    = "detection_frame"
	EventDetectionJSON     = "detection_results_json"
	EventSegmentationFrame = "segmentation_frame"
	EventSegmentationJSON  = "segmentation_results_json"
	EventComplete          = "processing_complete"
	EventFailed            = "processing_failed"
)

// Event is one published message. Data is either a base64-encoded image
// payload or a JSON-portable structured result.
type Event struct {
	Kind string      `json:"event"`
	Data interface{} `json:"data"`
}

// Subscriber receives the events of one channel on a buffered chan.
type Subscriber struct {
	ch      chan Event
	dropped uint64
	closed  chan struct{}
	once    sync.Once
}

// C is the subscriber's receive channel. It is closed when the channel is
// torn down.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the subscriber's
// buffer was full.
func (s *Subscriber) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

type channel struct {
	subs map[*Subscriber]struct{}
}

// Hub tracks issued channel ids and their subscribers.
type Hub struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger:   logger,
		channels: map[string]*channel{},
	}
}

// Open registers a channel id, making it joinable. Opening an already-open
// channel is a no-op.
func (h *Hub) Open(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.channels[id]; !ok {
		h.channels[id] = &channel{subs: map[*Subscriber]struct{}{}}
	}
}

// Known reports whether the channel id was issued by this process.
func (h *Hub) Known(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[id]
	return ok
}

// Subscribe attaches a new subscriber with the given buffer size.
func (h *Hub) Subscribe(id string, buffer int) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	ch, ok := h.channels[id]
	if !ok {
		return nil, errors.Wrap(ErrChannelUnknown, id)
	}
	sub := &Subscriber{
		ch:     make(chan Event, buffer),
		closed: make(chan struct{}),
	}
	ch.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string, sub *Subscriber) {
	h.mu.Lock()
	if ch, ok := h.channels[id]; ok {
		delete(ch.subs, sub)
	}
	h.mu.Unlock()
	sub.close()
}

// Publish delivers the event to every subscriber of the channel without
// blocking. Subscribers with a full buffer lose the event.
func (h *Hub) Publish(id string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	ch, ok := h.channels[id]
	if !ok {
		return
	}
	for sub := range ch.subs {
		select {
		case <-sub.closed:
		case sub.ch <- ev:
		default:
			if atomic.AddUint64(&sub.dropped, 1) == 1 {
				h.logger.Warnw("subscriber falling behind, dropping events", "channel", id)
			}
		}
	}
}

// CloseChannel removes the channel and closes all of its subscribers.
// Buffered events remain readable by the subscribers.
func (h *Hub) CloseChannel(id string) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	if ok {
		delete(h.channels, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	for sub := range ch.subs {
		sub.close()
	}
}

// Close shuts down the hub and every channel.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	channels := h.channels
	h.channels = map[string]*channel{}
	h.mu.Unlock()

	for _, ch := range channels {
		for sub := range ch.subs {
			sub.close()
		}
	}
}
