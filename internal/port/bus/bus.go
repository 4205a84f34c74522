// Package bus defines the publish/subscribe port for control-plane events.
// Channels are named; consumers must be idempotent to re-delivery and
// tolerant of interleaving across publishers; only per-publisher order
// within one channel is guaranteed.
package bus

import (
	"context"
	"time"
)

// Well-known channel names.
const (
	ChannelFleet      = "fleet"
	ChannelIntentsAll = "intents:all"
	ChannelRuns       = "runs"
)

// ChannelSprite names the per-sprite channel.
func ChannelSprite(spriteID string) string { return spriteID }

// ChannelIntent names the per-intent channel.
func ChannelIntent(intentID string) string { return "intents:" + intentID }

// Event is the envelope published on every channel.
type Event struct {
	Channel string    `json:"channel"`
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Bus is the pub/sub port. Publish never blocks on slow consumers.
type Bus interface {
	Publish(ctx context.Context, channel, eventType string, payload any)
	// Subscribe returns a receive channel for events on the named channel
	// and a cancel function that releases the subscription.
	Subscribe(channel string) (<-chan Event, func())
}
