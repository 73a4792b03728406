package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caelansar/chat/internal/auth"
	"github.com/caelansar/chat/internal/event"
	"github.com/caelansar/chat/internal/registry"
)

func authedRequest(ctx context.Context, userID int64) *http.Request {
	req := httptest.NewRequest("GET", "/events", nil)
	return req.WithContext(auth.ContextWithClaims(ctx, &auth.Claims{UserID: userID}))
}

func TestServeEvents_Unauthenticated(t *testing.T) {
	h := NewHandler(registry.New())

	rec := httptest.NewRecorder()
	h.ServeEvents(rec, httptest.NewRequest("GET", "/events", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestServeEvents_StreamsLabelledFrames(t *testing.T) {
	reg := registry.New()
	h := NewHandler(reg)

	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeEvents(rec, authedRequest(ctx, 1))
	}()

	// Wait for the handler to attach its reader before publishing.
	deadline := time.Now().Add(time.Second)
	for reg.Subscribers(1) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	name := "chat1"
	reg.Publish(1, event.NewChat{Chat: event.Chat{
		ID:        1,
		WsID:      1,
		Name:      &name,
		Type:      event.ChatTypeSingle,
		Members:   []int64{1, 2},
		CreatedAt: time.Unix(1722751531, 0).UTC(),
	}})

	// Leave the stream open past the keep-alive interval so an idle frame
	// is emitted too.
	time.Sleep(1200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not stop on disconnect")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: NewChat\n") {
		t.Errorf("missing event label frame, body:\n%s", body)
	}
	if !strings.Contains(body, `data: {"event":"NewChat","id":1,`) {
		t.Errorf("missing event data frame, body:\n%s", body)
	}
	if !strings.Contains(body, ": keep-alive-text\n\n") {
		t.Errorf("missing keep-alive frame, body:\n%s", body)
	}

	// The reader handle is released on disconnect.
	if got := reg.Subscribers(1); got != 0 {
		t.Errorf("expected 0 readers after disconnect, got %d", got)
	}
}
