// Package sse streams memory change notifications to browser and agent
// clients as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`

	// invalidatesStats schedules a stats.invalidated after this event.
	invalidatesStats bool
}

// Event types emitted by the broker.
const (
	TypeMemoryCreated    = "memory.created"
	TypeMemoryUpdated    = "memory.updated"
	TypeMemoryDeleted    = "memory.deleted"
	TypeStatsInvalidated = "stats.invalidated"
	TypeIndexReloaded    = "index.reloaded"
)

var memoryEventTypes = map[string]string{
	"created": TypeMemoryCreated,
	"updated": TypeMemoryUpdated,
	"deleted": TypeMemoryDeleted,
}

// Broker fans events out to subscribed SSE streams.
//
// The event loop goroutine owns the subscriber set, the frame sequence and
// the stats throttle. Public methods talk to it over channels.
type Broker struct {
	statsMin  time.Duration
	keepAlive time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that emits stats.invalidated at most once per
// statsThrottle. A change inside the window is announced when it ends.
func NewBroker(statsThrottle time.Duration) *Broker {
	if statsThrottle <= 0 {
		statsThrottle = 2 * time.Second
	}

	b := &Broker{
		statsMin:      statsThrottle,
		keepAlive:     25 * time.Second,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

// hub is the state owned by the event loop.
type hub struct {
	clients   map[chan []byte]struct{}
	seq       uint64
	lastStats time.Time
	// trailing fires once for stats changes swallowed by the throttle.
	trailing *time.Timer
}

// frame renders event with the next sequence number as its SSE id.
func (h *hub) frame(event Event) ([]byte, bool) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, false
	}
	h.seq++
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", h.seq, event.Type, payload)), true
}

func (h *hub) send(event Event) {
	raw, ok := h.frame(event)
	if !ok {
		return
	}
	for ch := range h.clients {
		select {
		case ch <- raw:
		default:
			// slow client
		}
	}
}

func (h *hub) statsChanged(now time.Time, window time.Duration) {
	if wait := window - now.Sub(h.lastStats); wait > 0 {
		if h.trailing == nil {
			h.trailing = time.NewTimer(wait)
		}
		return
	}
	h.lastStats = now
	h.send(Event{Type: TypeStatsInvalidated, Data: map[string]string{}})
}

func (h *hub) trailingC() <-chan time.Time {
	if h.trailing == nil {
		return nil
	}
	return h.trailing.C
}

func (b *Broker) run() {
	defer close(b.stopped)

	h := &hub{clients: make(map[chan []byte]struct{})}
	for {
		select {
		case <-b.stopCh:
			if h.trailing != nil {
				h.trailing.Stop()
			}
			for ch := range h.clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			h.clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			h.send(event)
			if event.invalidatesStats {
				h.statsChanged(time.Now(), b.statsMin)
			}

		case now := <-h.trailingC():
			h.trailing = nil
			h.lastStats = now
			h.send(Event{Type: TypeStatsInvalidated, Data: map[string]string{}})

		case resp := <-b.countReqCh:
			resp <- len(h.clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishMemoryEvent publishes a memory change (created, updated or deleted)
// followed by a throttled stats.invalidated. Unknown kinds are ignored.
func (b *Broker) PublishMemoryEvent(kind, id string) {
	typ, ok := memoryEventTypes[kind]
	if !ok {
		return
	}
	b.Publish(Event{Type: typ, Data: map[string]string{"id": id}, invalidatesStats: true})
}

// PublishIndexReload announces that the local key index was reloaded from
// disk after an external change.
func (b *Broker) PublishIndexReload(keys int) {
	b.Publish(Event{Type: TypeIndexReloaded, Data: map[string]int{"keys": keys}})
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). Idle streams get a
// comment line every keep-alive interval so proxies do not cut them.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
