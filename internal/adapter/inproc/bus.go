// Package inproc implements the bus port with in-process channel fan-out.
// Good for a single control-plane instance; swap in the NATS adapter when
// events must reach other processes.
package inproc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/spritelab/fleetd/internal/port/bus"
)

const subscriberBuffer = 64

// Bus fans events out to per-channel subscriber lists. Delivery preserves
// per-publisher order within a channel; a subscriber that falls behind by
// more than its buffer loses events rather than stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan bus.Event
	next int
}

// New creates an in-process bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]chan bus.Event)}
}

// Publish delivers the event to every subscriber of the channel.
func (b *Bus) Publish(_ context.Context, channel, eventType string, payload any) {
	ev := bus.Event{
		Channel: channel,
		Type:    eventType,
		Payload: payload,
		At:      time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs[channel] {
		select {
		case ch <- ev:
		default:
			slog.Warn("bus: dropping event for slow subscriber",
				"channel", channel, "type", eventType, "subscriber", id)
		}
	}
}

// Subscribe registers a new subscriber on the named channel.
func (b *Bus) Subscribe(channel string) (<-chan bus.Event, func()) {
	ch := make(chan bus.Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan bus.Event)
	}
	id := b.next
	b.next++
	b.subs[channel][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[channel][id]; ok {
			delete(b.subs[channel], id)
			close(sub)
		}
	}
	return ch, cancel
}
