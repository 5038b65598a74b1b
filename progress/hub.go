// Package progress implements the Progress Pub/Sub fabric (C8): a
// per-jobId subscriber registry with strict FIFO delivery, a
// gorilla/websocket duplex channel for HTTP clients, and consumption of
// the job fabric's Redis-backed progress events so any process can
// observe a job even if it isn't the one running the worker.
package progress

import (
	"encoding/json"
	"sync"

	"cmdbgraph.io/core/jobqueue"
)

// Event is one message delivered to a job's subscribers: a lifecycle
// event plus the progress record at the time it fired, stamped with a
// per-job monotonic sequence number so delivery order is externally
// verifiable.
type Event struct {
	JobID    string                    `json:"jobId"`
	Kind     jobqueue.ProgressEventKind `json:"kind"`
	Progress jobqueue.Progress         `json:"progress"`
	Error    string                    `json:"error,omitempty"`
	Sequence uint64                    `json:"sequence"`
}

// Hub fans out progress events to subscribers of a jobId. Subscribers
// joining mid-run only see events published after they subscribed
// (at-most-once, best-effort delivery per §4.8).
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event
	sequences   map[string]uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[string]chan Event),
		sequences:   make(map[string]uint64),
	}
}

// Subscribe registers a new subscriber for jobID under subscriberID,
// returning a buffered channel of events and an Unsubscribe func. A
// disconnect is just the caller invoking the returned func, matching
// §4.8's "disconnect is treated as unsubscribe".
func (h *Hub) Subscribe(jobID, subscriberID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	if h.subscribers[jobID] == nil {
		h.subscribers[jobID] = make(map[string]chan Event)
	}
	h.subscribers[jobID][subscriberID] = ch
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subscribers[jobID]; ok {
			if existing, ok := subs[subscriberID]; ok && existing == ch {
				delete(subs, subscriberID)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.subscribers, jobID)
			}
		}
	}

	return ch, unsubscribe
}

// publish delivers evt to every current subscriber of jobID in FIFO
// order relative to every other publish for the same jobID: the
// sequence bump and the sends both happen while publish holds h.mu, so
// two publishes for the same job can never interleave, and an
// unsubscribe cannot close a channel mid-delivery. The sends never
// block, so holding the lock never waits on a subscriber.
func (h *Hub) publish(jobID string, kind jobqueue.ProgressEventKind, p jobqueue.Progress, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sequences[jobID]++
	seq := h.sequences[jobID]

	evt := Event{JobID: jobID, Kind: kind, Progress: p, Error: errMsg, Sequence: seq}
	for _, ch := range h.subscribers[jobID] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: best-effort delivery means we drop rather
			// than block the publisher or other subscribers.
		}
	}
}

// OnJobEvent implements jobqueue.EventListener, so a Hub can be passed
// directly to jobqueue.NewWorkerPool as its listener.
func (h *Hub) OnJobEvent(jobID string, evt jobqueue.ProgressEventKind, p jobqueue.Progress, errMsg string) {
	h.publish(jobID, evt, p, errMsg)
}

// RemoteConsumer republishes the records arriving on a job's Redis
// progress channel (which the caller subscribes to and hands to
// Consume) through the Hub, so a
// process that isn't running the worker for a job still observes its
// progress (spec §4.8 makes no assumption that subscriber and worker
// share a process).
type RemoteConsumer struct {
	hub *Hub
}

// NewRemoteConsumer wires a RemoteConsumer to hub.
func NewRemoteConsumer(hub *Hub) *RemoteConsumer {
	return &RemoteConsumer{hub: hub}
}

// Consume forwards raw JSON progress payloads (as published on
// "progress:<jobID>" by jobqueue.WorkerPool alongside each
// Broker.writeProgress call) into the hub
// as job-progress events, until raw is closed.
func (c *RemoteConsumer) Consume(jobID string, raw <-chan []byte) {
	for payload := range raw {
		var p jobqueue.Progress
		if err := json.Unmarshal(payload, &p); err != nil {
			continue
		}
		c.hub.publish(jobID, jobqueue.EventJobProgress, p, "")
	}
}
