package strategies

import (
	"context"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"vidarelay/relay"
)

// Nostr kind classes. Replaceable and ephemeral ranges follow NIP-01;
// kind 5 is deletion per NIP-09.
const (
	kindProfileMetadata = 0
	kindContactList     = 3
	kindDeletion        = 5
)

func isReplaceable(kind int) bool {
	return kind == kindProfileMetadata || kind == kindContactList || (kind >= 10000 && kind < 20000)
}

func isEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

func isParameterizedReplaceable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// Factory resolves the persistence strategy for an event's kind.
type Factory struct {
	store *Store
	log   *slog.Logger
}

// NewFactory builds the kind dispatcher over the event store.
func NewFactory(store *Store, log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{store: store, log: log}
}

// Resolve picks the strategy for the event. Every currently known kind
// class resolves; the pipeline handles a nil return as unsupported.
func (f *Factory) Resolve(evt *nostr.Event, conn relay.Conn) relay.Strategy {
	switch {
	case isEphemeral(evt.Kind):
		return &ephemeralStrategy{conn: conn}
	case evt.Kind == kindDeletion:
		return &deletionStrategy{store: f.store, conn: conn, log: f.log}
	case isReplaceable(evt.Kind):
		return &replaceableStrategy{store: f.store, conn: conn}
	case isParameterizedReplaceable(evt.Kind):
		return &replaceableStrategy{store: f.store, conn: conn, parameterized: true}
	default:
		return &defaultStrategy{store: f.store, conn: conn}
	}
}

func emitAccepted(ctx context.Context, conn relay.Conn, evt *nostr.Event) error {
	return conn.Emit(ctx, &nostr.OKEnvelope{EventID: evt.ID, OK: true})
}

// defaultStrategy persists regular events.
type defaultStrategy struct {
	store *Store
	conn  relay.Conn
}

func (s *defaultStrategy) Execute(ctx context.Context, evt *nostr.Event) error {
	if err := s.store.Save(ctx, evt); err != nil {
		return err
	}
	return emitAccepted(ctx, s.conn, evt)
}

// ephemeralStrategy acknowledges without persisting.
type ephemeralStrategy struct {
	conn relay.Conn
}

func (s *ephemeralStrategy) Execute(ctx context.Context, evt *nostr.Event) error {
	return emitAccepted(ctx, s.conn, evt)
}

// replaceableStrategy keeps the newest event per (pubkey, kind) or, when
// parameterized, per (pubkey, kind, d tag).
type replaceableStrategy struct {
	store         *Store
	conn          relay.Conn
	parameterized bool
}

func (s *replaceableStrategy) Execute(ctx context.Context, evt *nostr.Event) error {
	dTag := ""
	if s.parameterized {
		dTag = firstTagValue(evt, "d")
	}
	if err := s.store.SaveReplaceable(ctx, evt, dTag); err != nil {
		return err
	}
	return emitAccepted(ctx, s.conn, evt)
}

// deletionStrategy removes the submitter's events referenced by e tags and
// records the deletion event itself.
type deletionStrategy struct {
	store *Store
	conn  relay.Conn
	log   *slog.Logger
}

func (s *deletionStrategy) Execute(ctx context.Context, evt *nostr.Event) error {
	var targets []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
			targets = append(targets, tag[1])
		}
	}
	deleted, err := s.store.DeleteByIDs(ctx, evt.PubKey, targets)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.log.Info("deletion event applied",
			slog.String("pubkey", evt.PubKey),
			slog.Int64("deleted", deleted))
	}
	if err := s.store.Save(ctx, evt); err != nil {
		return err
	}
	return emitAccepted(ctx, s.conn, evt)
}

func firstTagValue(evt *nostr.Event, name string) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
