// Package sse streams commit events to browsers over Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/modelshift/internal/notify"
)

// EventCommitCreated is the SSE event type of a new model version.
const EventCommitCreated = "commit.created"

var keepalive = []byte(": keepalive\n\n")

// Event is one message to broadcast. Empty ProjectID/BranchID reach every
// subscriber.
type Event struct {
	Type      string
	ProjectID string
	BranchID  string
	Data      any
}

// Filter restricts a subscription to one project and optionally one branch.
type Filter struct {
	ProjectID string
	BranchID  string
}

func (f Filter) matches(ev Event) bool {
	if f.ProjectID != "" && ev.ProjectID != "" && f.ProjectID != ev.ProjectID {
		return false
	}
	if f.BranchID != "" && ev.BranchID != "" && f.BranchID != ev.BranchID {
		return false
	}
	return true
}

type subscription struct {
	ch     chan []byte
	filter Filter
}

// Broker fans events out to subscribers.
//
// A single event loop owns the subscriber set; public methods talk to it
// through channels.
type Broker struct {
	heartbeat time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

var _ notify.Publisher = (*Broker)(nil)

// NewBroker starts a broker that sends a keepalive comment to every
// subscriber each heartbeat interval.
func NewBroker(heartbeat time.Duration) *Broker {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	b := &Broker{
		heartbeat:     heartbeat,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	subs := make(map[chan []byte]Filter)
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	send := func(ch chan []byte, msg []byte) {
		select {
		case ch <- msg:
		default:
			// Slow subscriber; drop rather than block the loop.
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range subs {
				close(ch)
			}
			return

		case s := <-b.subscribeCh:
			subs[s.ch] = s.filter

		case ch := <-b.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload))
			for ch, f := range subs {
				if f.matches(ev) {
					send(ch, msg)
				}
			}

		case <-ticker.C:
			for ch := range subs {
				send(ch, keepalive)
			}

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

// Close stops the event loop and closes every subscriber channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a subscriber and returns its message channel.
func (b *Broker) Subscribe(f Filter) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, filter: f}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of subscribers.
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

// Broadcast queues ev for delivery.
func (b *Broker) Broadcast(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// Publish broadcasts a commit event to subscribers of its project and branch.
func (b *Broker) Publish(_ context.Context, ev notify.Event) error {
	b.Broadcast(Event{
		Type:      EventCommitCreated,
		ProjectID: ev.ProjectID,
		BranchID:  ev.BranchID,
		Data:      ev,
	})
	return nil
}

// ServeHTTP is the SSE endpoint (GET /api/events). The optional query
// parameters project and branch narrow the stream.
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

	q := r.URL.Query()
	ch := b.Subscribe(Filter{ProjectID: q.Get("project"), BranchID: q.Get("branch")})
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
