package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vidarelay/cache"
	"vidarelay/config"
	"vidarelay/webhooks"
)

// BlockedTTL is how long a webhook miss for an unknown pubkey is cached
// before the next submission may retry the lookup.
const BlockedTTL = 60 * time.Second

// Directory is the remote lookup surface the repository falls back to for
// unknown pubkeys. *webhooks.Client satisfies it.
type Directory interface {
	CheckPubkey(ctx context.Context, pubkey string, amount int64) (*webhooks.PubkeyCheckResult, error)
	TopUp(ctx context.Context, pubkey string, amount int64) (bool, error)
}

// Repository serves user lookups backed by the datastore, a short-lived
// negative cache and an optional remote directory webhook.
type Repository struct {
	db        *gorm.DB
	cache     cache.Client
	directory Directory
	settings  func() *config.Settings
	log       *slog.Logger
	now       func() time.Time
}

// NewRepository wires a repository. directory may be nil when no webhook
// endpoints are configured.
func NewRepository(db *gorm.DB, cacheClient cache.Client, directory Directory, settings func() *config.Settings, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	return &Repository{
		db:        db,
		cache:     cacheClient,
		directory: directory,
		settings:  settings,
		log:       log,
		now:       time.Now,
	}
}

func blockedKey(pubkey string) string {
	return pubkey + ":is-blocked"
}

// FindByPubkey resolves a user, consulting the negative cache first, then
// the datastore, then the pubkey-check webhook. A nil user with nil error
// means the pubkey is unknown or blocked.
func (r *Repository) FindByPubkey(ctx context.Context, pubkey string) (*User, error) {
	if _, blocked, err := r.cache.Get(ctx, blockedKey(pubkey)); err != nil {
		return nil, fmt.Errorf("users: blocked-cache lookup: %w", err)
	} else if blocked {
		return nil, nil
	}

	user, err := r.GetByPubkey(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	settings := r.settings()
	if r.directory == nil || !settings.Webhooks.PubkeyChecks || settings.Webhooks.Endpoints.BaseURL == "" || settings.Webhooks.Endpoints.PubkeyCheck == "" {
		return nil, nil
	}

	var topUpAmount int64
	if topUp := config.First(settings.Payments.FeeSchedules.TopUp); topUp != nil {
		topUpAmount = topUp.Amount
	}
	result, err := r.directory.CheckPubkey(ctx, pubkey, topUpAmount)
	if err != nil {
		return nil, fmt.Errorf("users: pubkey check: %w", err)
	}
	if result == nil || !result.IsAdmitted {
		if err := r.cache.Set(ctx, blockedKey(pubkey), "true", BlockedTTL); err != nil {
			r.log.Warn("blocked-cache write failed", slog.String("pubkey", pubkey), slog.String("error", err.Error()))
		}
		return nil, nil
	}

	now := r.now().UTC()
	user = &User{
		Pubkey:        pubkey,
		IsAdmitted:    result.IsAdmitted,
		Balance:       result.Balance,
		CreatedAt:     now,
		UpdatedAt:     now,
		TosAcceptedAt: &now,
	}
	if _, err := r.Upsert(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetByPubkey reads a user from the datastore only. The admin endpoint
// uses this directly so it never triggers a webhook lookup.
func (r *Repository) GetByPubkey(ctx context.Context, pubkey string) (*User, error) {
	user := &User{}
	err := r.db.WithContext(ctx).Where("pubkey = ?", pubkey).First(user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("users: query: %w", err)
	}
	return user, nil
}

// Upsert inserts the user or, on pubkey conflict, merges every column
// except pubkey, balance and created_at: those are insert-only.
func (r *Repository) Upsert(ctx context.Context, user *User) (int64, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pubkey"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_admitted", "updated_at", "tos_accepted_at"}),
	}).Create(user)
	if tx.Error != nil {
		return 0, fmt.Errorf("users: upsert: %w", tx.Error)
	}
	return tx.RowsAffected, nil
}

// BalanceByPubkey returns the stored balance, or 0 when the user is
// unknown.
func (r *Repository) BalanceByPubkey(ctx context.Context, pubkey string) (int64, error) {
	user, err := r.GetByPubkey(ctx, pubkey)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, nil
	}
	return user.Balance, nil
}

// IncrementBalance atomically adds amount to the user's balance.
func (r *Repository) IncrementBalance(ctx context.Context, pubkey string, amount int64) error {
	return r.adjustBalance(ctx, pubkey, amount)
}

// DecrementBalance atomically subtracts amount from the user's balance.
func (r *Repository) DecrementBalance(ctx context.Context, pubkey string, amount int64) error {
	return r.adjustBalance(ctx, pubkey, -amount)
}

func (r *Repository) adjustBalance(ctx context.Context, pubkey string, delta int64) error {
	tx := r.db.WithContext(ctx).Model(&User{}).
		Where("pubkey = ?", pubkey).
		UpdateColumn("balance", gorm.Expr("balance + ?", delta))
	if tx.Error != nil {
		return fmt.Errorf("users: balance update: %w", tx.Error)
	}
	return nil
}

// TopUpPubkey asks the top-up webhook to fund the pubkey and credits the
// schedule amount on success. Transport failures propagate.
func (r *Repository) TopUpPubkey(ctx context.Context, pubkey string) (bool, error) {
	settings := r.settings()
	if r.directory == nil || !settings.Webhooks.TopUps || settings.Webhooks.Endpoints.BaseURL == "" || settings.Webhooks.Endpoints.TopUps == "" {
		return false, nil
	}
	topUp := config.First(settings.Payments.FeeSchedules.TopUp)
	if topUp == nil {
		return false, nil
	}
	success, err := r.directory.TopUp(ctx, pubkey, topUp.Amount)
	if err != nil {
		return false, fmt.Errorf("users: top-up: %w", err)
	}
	if !success {
		return false, nil
	}
	if err := r.IncrementBalance(ctx, pubkey, topUp.Amount); err != nil {
		return false, err
	}
	return true, nil
}
