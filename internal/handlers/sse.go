package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/notify"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MessageSource is the part of cache.Subscriber the stream reads from.
type MessageSource interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
}

// AlertHub fans alerts published by the tracker out to connected SSE
// clients.
type AlertHub struct {
	mu        sync.Mutex
	clients   map[chan notify.Envelope]struct{}
	heartbeat time.Duration
}

func NewAlertHub() *AlertHub {
	return &AlertHub{
		clients:   make(map[chan notify.Envelope]struct{}),
		heartbeat: 15 * time.Second,
	}
}

// Run forwards messages from src until ctx is cancelled.
func (h *AlertHub) Run(ctx context.Context, src MessageSource) {
	logger.Log.Info("Listening for alerts from Redis")
	for {
		msg, err := src.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Log.Error("Error receiving message from Redis", zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		var env notify.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.Log.Error("Error unmarshaling alert message", zap.Error(err))
			continue
		}
		h.Broadcast(env)
	}
}

// Broadcast hands env to every client without blocking; slow clients miss it.
func (h *AlertHub) Broadcast(env notify.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		select {
		case ch <- env:
		default:
			logger.Log.Warn("Alert dropped due to slow client")
		}
	}
}

func (h *AlertHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *AlertHub) register() chan notify.Envelope {
	ch := make(chan notify.Envelope, 10)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	logger.Log.Info("New SSE client connected", zap.Int("total_clients", n))
	return ch
}

// unregister never closes ch, so a concurrent Broadcast cannot panic.
func (h *AlertHub) unregister(ch chan notify.Envelope) {
	h.mu.Lock()
	delete(h.clients, ch)
	n := len(h.clients)
	h.mu.Unlock()
	logger.Log.Info("SSE client disconnected", zap.Int("total_clients", n))
}

// ServeHTTP streams alerts as server-sent events. ?destination= limits the
// stream to one contact address.
func (h *AlertHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	destination := r.URL.Query().Get("destination")
	ch := h.register()
	defer h.unregister(ch)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case env := <-ch:
			if destination != "" && env.Destination != destination {
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				logger.Log.Error("Failed to marshal alert data", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: alert\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
