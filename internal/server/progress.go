package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/petrakis/cloval/internal/runctx"
)

const subscriberBuffer = 64

// ProgressHub fans run progress events out to websocket subscribers.
// Publish never blocks the run; a subscriber that cannot keep up has
// events dropped.
type ProgressHub struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[chan runctx.ProgressEvent]struct{}
}

// NewProgressHub creates an empty hub.
func NewProgressHub(log zerolog.Logger) *ProgressHub {
	return &ProgressHub{
		log:  log.With().Str("component", "progress_hub").Logger(),
		subs: make(map[chan runctx.ProgressEvent]struct{}),
	}
}

// Publish implements runctx.ProgressSink.
func (h *ProgressHub) Publish(ev runctx.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; the event is dropped rather than
			// stalling the run.
		}
	}
}

// Subscribe registers a new subscriber channel. The returned cancel
// function must be called when the subscriber goes away.
func (h *ProgressHub) Subscribe() (<-chan runctx.ProgressEvent, func()) {
	ch := make(chan runctx.ProgressEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers reports the current subscriber count.
func (h *ProgressHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// HandleWS upgrades the request to a websocket and streams progress
// events until the client disconnects.
func (h *ProgressHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead surfaces client disconnects through ctx; we never
	// expect inbound messages on this stream.
	ctx := conn.CloseRead(r.Context())

	events, cancel := h.Subscribe()
	defer cancel()

	h.log.Debug().Msg("progress subscriber connected")
	for {
		select {
		case <-ctx.Done():
			h.log.Debug().Msg("progress subscriber disconnected")
			return
		case ev := <-events:
			writeCtx, done := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			done()
			if err != nil {
				h.log.Debug().Err(err).Msg("progress write failed, dropping subscriber")
				return
			}
		}
	}
}
