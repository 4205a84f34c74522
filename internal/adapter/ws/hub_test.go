package ws

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spritelab/fleetd/internal/adapter/inproc"
	"github.com/spritelab/fleetd/internal/port/bus"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNewHub(t *testing.T) {
	hub := testHub()
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestBroadcastNoConnections(t *testing.T) {
	hub := testHub()

	// Broadcast with no connections should not panic.
	hub.broadcast(context.Background(), bus.Event{Channel: "fleet", Type: "test"})
}

func TestBroadcastMarshalError(t *testing.T) {
	hub := testHub()

	// A channel cannot be marshaled to JSON; should log, not panic.
	hub.broadcast(context.Background(), bus.Event{Channel: "fleet", Type: "bad", Payload: make(chan int)})
}

func TestRemoveNonexistent(t *testing.T) {
	hub := testHub()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: nil, cancel: cancel}
	hub.remove(c)
}

func TestParseChannels(t *testing.T) {
	if got := parseChannels(""); got != nil {
		t.Errorf("empty = %v, want nil", got)
	}
	got := parseChannels("fleet, intents:all,,runs")
	if len(got) != 3 || !got["fleet"] || !got["intents:all"] || !got["runs"] {
		t.Errorf("parsed = %v", got)
	}
}

func TestConnWants(t *testing.T) {
	all := &conn{}
	if !all.wants("anything") {
		t.Error("unfiltered conn should want every channel")
	}
	filtered := &conn{channels: map[string]bool{"fleet": true}}
	if !filtered.wants("fleet") || filtered.wants("runs") {
		t.Error("filtered conn channel matching wrong")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	hub := testHub()
	b := inproc.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, b, "fleet", "runs")
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
