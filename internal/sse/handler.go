// Package sse renders a subscriber's event stream as Server-Sent Events.
package sse

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/caelansar/chat/internal/auth"
	"github.com/caelansar/chat/internal/event"
	"github.com/caelansar/chat/internal/httputil"
	"github.com/caelansar/chat/internal/registry"
)

const (
	// keepAliveInterval is how long the stream may stay silent before a
	// keep-alive frame is emitted to hold intermediaries open.
	keepAliveInterval = 1 * time.Second
	keepAliveText     = "keep-alive-text"
)

type Handler struct {
	reg *registry.Registry
}

func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/events", h.ServeEvents).Methods("GET")
}

// ServeEvents streams the authenticated user's events until the client
// disconnects. Each event is framed with its variant name so clients can
// dispatch without parsing the body.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reader := h.reg.Subscribe(userID)
	defer reader.Close()
	log.Printf("sse: user %d connected", userID)

	keepAlive := time.NewTimer(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("sse: user %d disconnected", userID)
			return

		case ev := <-reader.C():
			// A lagged reader lost events; the client should resync with a
			// fresh query. The stream itself keeps going.
			if missed := reader.Missed(); missed > 0 {
				log.Printf("sse: user %d fell behind, %d events dropped", userID, missed)
			}
			if err := writeEvent(w, ev); err != nil {
				log.Printf("sse: user %d write failed: %v", userID, err)
				return
			}
			flusher.Flush()
			keepAlive.Reset(keepAliveInterval)

		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, ": %s\n\n", keepAliveText); err != nil {
				return
			}
			flusher.Flush()
			keepAlive.Reset(keepAliveInterval)
		}
	}
}

func writeEvent(w io.Writer, ev event.Event) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type(), data)
	return err
}
