// Package strategies provides the kind-specific persistence strategies the
// admission pipeline delegates to. Each strategy is responsible for its
// own acknowledgement.
package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vidarelay/relay"
)

// StoredEvent is the persisted form of an accepted event. Tags are kept as
// their JSON encoding; filtering over them is out of scope here.
type StoredEvent struct {
	ID         string `gorm:"primaryKey;size:64;column:id"`
	Pubkey     string `gorm:"size:64;index:idx_events_pubkey_kind,priority:1;not null"`
	CreatedAt  int64  `gorm:"column:created_at;not null"`
	Kind       int    `gorm:"index:idx_events_pubkey_kind,priority:2;not null"`
	Tags       string `gorm:"type:text"`
	Content    string `gorm:"type:text"`
	Sig        string `gorm:"size:128;not null"`
	DTag       string `gorm:"column:d_tag;size:256;index"`
	ExpiresAt  *int64 `gorm:"index"`
	ReceivedAt time.Time
}

func (StoredEvent) TableName() string { return "events" }

// AutoMigrate creates or updates the events schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&StoredEvent{})
}

// Store persists events for the strategies below.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps the shared gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) record(evt *nostr.Event, dTag string) (*StoredEvent, error) {
	tags, err := json.Marshal(evt.Tags)
	if err != nil {
		return nil, fmt.Errorf("strategies: encode tags: %w", err)
	}
	stored := &StoredEvent{
		ID:         evt.ID,
		Pubkey:     evt.PubKey,
		CreatedAt:  int64(evt.CreatedAt),
		Kind:       evt.Kind,
		Tags:       string(tags),
		Content:    evt.Content,
		Sig:        evt.Sig,
		DTag:       dTag,
		ReceivedAt: s.now().UTC(),
	}
	if expiresAt, ok := relay.Expiration(evt); ok {
		stored.ExpiresAt = &expiresAt
	}
	return stored, nil
}

// Save inserts a regular event. Resubmissions of the same id are treated
// as duplicates, not errors.
func (s *Store) Save(ctx context.Context, evt *nostr.Event) error {
	stored, err := s.record(evt, "")
	if err != nil {
		return err
	}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(stored)
	if tx.Error != nil {
		return fmt.Errorf("strategies: save event: %w", tx.Error)
	}
	return nil
}

// SaveReplaceable keeps only the newest event per (pubkey, kind, dTag).
// An event older than the stored one is dropped without error.
func (s *Store) SaveReplaceable(ctx context.Context, evt *nostr.Event, dTag string) error {
	stored, err := s.record(evt, dTag)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var newer int64
		query := tx.Model(&StoredEvent{}).
			Where("pubkey = ? AND kind = ? AND d_tag = ?", evt.PubKey, evt.Kind, dTag).
			Where("created_at > ?", int64(evt.CreatedAt))
		if err := query.Count(&newer).Error; err != nil {
			return err
		}
		if newer > 0 {
			return nil
		}
		if err := tx.
			Where("pubkey = ? AND kind = ? AND d_tag = ?", evt.PubKey, evt.Kind, dTag).
			Delete(&StoredEvent{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(stored).Error
	})
	if err != nil {
		return fmt.Errorf("strategies: save replaceable event: %w", err)
	}
	return nil
}

// DeleteByIDs removes events owned by pubkey among the given ids. Used by
// deletion events; events of other authors are untouched.
func (s *Store) DeleteByIDs(ctx context.Context, pubkey string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := s.db.WithContext(ctx).
		Where("pubkey = ? AND id IN ?", pubkey, ids).
		Delete(&StoredEvent{})
	if tx.Error != nil {
		return 0, fmt.Errorf("strategies: delete events: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// DeleteExpired drops events whose attached expiration has passed. Run
// periodically by the server.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.Unix()).
		Delete(&StoredEvent{})
	if tx.Error != nil {
		return 0, fmt.Errorf("strategies: expire events: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// CountByPubkey reports stored events for one author. Primarily for tests
// and operator tooling.
func (s *Store) CountByPubkey(ctx context.Context, pubkey string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&StoredEvent{}).Where("pubkey = ?", pubkey).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("strategies: count events: %w", err)
	}
	return count, nil
}
