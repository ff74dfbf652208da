// Package relay implements the event admission pipeline: one incoming
// event in, exactly one acknowledgement out, and a hand-off to a
// kind-specific persistence strategy when every check passes.
package relay

import (
	"context"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"vidarelay/users"
	"vidarelay/webhooks"
)

// Conn is the per-connection surface the pipeline needs: an emit operation
// and an observable client address. The websocket transport implements it.
type Conn interface {
	Emit(ctx context.Context, env nostr.Envelope) error
	RemoteIP() string
}

// EventMessage carries one submitted event plus connection metadata.
type EventMessage struct {
	Event    *nostr.Event
	ClientIP string
	Conn     Conn
}

// Strategy persists an accepted event and emits its own acknowledgement.
type Strategy interface {
	Execute(ctx context.Context, evt *nostr.Event) error
}

// StrategyFactory resolves the strategy for an event. A nil strategy means
// the event kind is not supported.
type StrategyFactory interface {
	Resolve(evt *nostr.Event, conn Conn) Strategy
}

// UserGate is the slice of the user repository the pipeline consults.
type UserGate interface {
	FindByPubkey(ctx context.Context, pubkey string) (*users.User, error)
	TopUpPubkey(ctx context.Context, pubkey string) (bool, error)
	DecrementBalance(ctx context.Context, pubkey string, amount int64) error
}

// EventChecker is the inline veto webhook.
type EventChecker interface {
	CheckEvent(ctx context.Context, evt *nostr.Event) (*webhooks.EventCheckResult, error)
}

// CallbackSink receives accepted events for best-effort notification.
type CallbackSink interface {
	Enqueue(evt *nostr.Event)
}

const expirationExtraKey = "expiration"

// expirationTag returns the unix-seconds value of the first well-formed
// expiration tag.
func expirationTag(evt *nostr.Event) (int64, bool) {
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "expiration" {
			continue
		}
		value, err := strconv.ParseInt(tag[1], 10, 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

// SetExpiration attaches a future expiration as pipeline-local metadata.
// The event's identity is not affected.
func SetExpiration(evt *nostr.Event, expiresAt int64) {
	evt.SetExtra(expirationExtraKey, expiresAt)
}

// Expiration reads the expiration metadata attached by the pipeline.
func Expiration(evt *nostr.Event) (int64, bool) {
	switch value := evt.GetExtra(expirationExtraKey).(type) {
	case int64:
		return value, true
	case float64:
		return int64(value), true
	default:
		return 0, false
	}
}
