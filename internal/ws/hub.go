// Package ws fans mode transitions out to websocket and SSE subscribers.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/splax/morphlink/internal/domain"
	"github.com/splax/morphlink/internal/metrics"
)

const defaultBuffer = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages transition stream subscriptions.
type Hub struct {
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

var droppedEvents = metrics.CounterVec("events", "dropped_total", "Transition events dropped because the hub buffer was full.")

// NewHub creates an initialized Hub. buffer bounds the number of queued
// events; Publish drops events once it is full.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte, buffer),
		done:      make(chan struct{}),
		logger:    logger.With("component", "events"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unreg:
			delete(h.clients, c)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		}
	}
}

// Register adds a client to the stream.
func (h *Hub) Register(client Subscriber) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(client Subscriber) {
	select {
	case h.unreg <- client:
	case <-h.done:
	}
}

// Publish queues a transition for every subscriber. It never blocks.
func (h *Hub) Publish(t domain.Transition) {
	payload, err := json.Marshal(t)
	if err != nil {
		h.logger.Error("encode transition", "error", err)
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- payload:
	default:
		droppedEvents.WithLabelValues().Inc()
		h.logger.Warn("event buffer full, dropping transition", "module", t.Module, "to", t.To)
	}
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
