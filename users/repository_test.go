package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"vidarelay/cache"
	"vidarelay/config"
	"vidarelay/webhooks"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type fakeDirectory struct {
	checkCalls  int
	checkResult *webhooks.PubkeyCheckResult
	checkErr    error
	topUpCalls  int
	topUpOK     bool
	topUpErr    error
}

func (d *fakeDirectory) CheckPubkey(_ context.Context, pubkey string, amount int64) (*webhooks.PubkeyCheckResult, error) {
	d.checkCalls++
	return d.checkResult, d.checkErr
}

func (d *fakeDirectory) TopUp(_ context.Context, pubkey string, amount int64) (bool, error) {
	d.topUpCalls++
	return d.topUpOK, d.topUpErr
}

func paidSettings() *config.Settings {
	settings := &config.Settings{}
	settings.Payments.Enabled = true
	settings.Payments.FeeSchedules.TopUp = []config.FeeSchedule{{Enabled: true, Amount: 500}}
	settings.Webhooks.PubkeyChecks = true
	settings.Webhooks.TopUps = true
	settings.Webhooks.Endpoints.BaseURL = "https://hooks.test"
	settings.Webhooks.Endpoints.PubkeyCheck = "/check-pubkey"
	settings.Webhooks.Endpoints.TopUps = "/topup"
	return settings
}

func newTestRepository(t *testing.T, directory Directory, settings *config.Settings) *Repository {
	t.Helper()
	return NewRepository(setupTestDB(t), cache.NewMemory(), directory, func() *config.Settings { return settings }, nil)
}

const testPubkey = "aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44ee55ff66aa11bb22cc33dd44"

func TestFindByPubkeyReadsDatastoreFirst(t *testing.T) {
	directory := &fakeDirectory{}
	repo := newTestRepository(t, directory, paidSettings())
	ctx := context.Background()

	seeded := &User{Pubkey: testPubkey, IsAdmitted: true, Balance: 42, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := repo.db.Create(seeded).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	user, err := repo.FindByPubkey(ctx, testPubkey)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if user == nil || user.Balance != 42 {
		t.Fatalf("unexpected user %+v", user)
	}
	if directory.checkCalls != 0 {
		t.Fatal("datastore hit must not invoke the webhook")
	}
}

func TestFindByPubkeyAdmitsViaWebhook(t *testing.T) {
	directory := &fakeDirectory{
		checkResult: &webhooks.PubkeyCheckResult{Pubkey: testPubkey, IsAdmitted: true, Balance: 1000},
	}
	repo := newTestRepository(t, directory, paidSettings())
	ctx := context.Background()

	user, err := repo.FindByPubkey(ctx, testPubkey)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if user == nil || !user.IsAdmitted || user.Balance != 1000 {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.TosAcceptedAt == nil {
		t.Fatal("webhook-provisioned user should carry tos_accepted_at")
	}

	// The row must now be persisted and served from the datastore.
	directory.checkCalls = 0
	again, err := repo.FindByPubkey(ctx, testPubkey)
	if err != nil {
		t.Fatalf("second find: %v", err)
	}
	if again == nil || directory.checkCalls != 0 {
		t.Fatalf("expected datastore hit, webhook calls=%d", directory.checkCalls)
	}
}

func TestFindByPubkeyNegativeCachesWebhookMiss(t *testing.T) {
	directory := &fakeDirectory{checkResult: &webhooks.PubkeyCheckResult{IsAdmitted: false}}
	repo := newTestRepository(t, directory, paidSettings())
	ctx := context.Background()

	user, err := repo.FindByPubkey(ctx, testPubkey)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if user != nil {
		t.Fatalf("expected no user, got %+v", user)
	}
	if directory.checkCalls != 1 {
		t.Fatalf("expected one webhook call, got %d", directory.checkCalls)
	}

	// Second lookup inside the TTL is served by the negative cache.
	if _, err := repo.FindByPubkey(ctx, testPubkey); err != nil {
		t.Fatalf("second find: %v", err)
	}
	if directory.checkCalls != 1 {
		t.Fatalf("cache hit must not re-invoke the webhook, calls=%d", directory.checkCalls)
	}
}

func TestFindByPubkeySkipsWebhookWithoutBaseURL(t *testing.T) {
	settings := paidSettings()
	settings.Webhooks.Endpoints.BaseURL = ""
	directory := &fakeDirectory{
		checkResult: &webhooks.PubkeyCheckResult{Pubkey: testPubkey, IsAdmitted: true, Balance: 1000},
	}
	repo := newTestRepository(t, directory, settings)

	user, err := repo.FindByPubkey(context.Background(), testPubkey)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if user != nil || directory.checkCalls != 0 {
		t.Fatalf("missing base URL must skip the webhook, user=%+v calls=%d", user, directory.checkCalls)
	}
}

func TestTopUpPubkeySkipsWebhookWithoutBaseURL(t *testing.T) {
	settings := paidSettings()
	settings.Webhooks.Endpoints.BaseURL = ""
	directory := &fakeDirectory{topUpOK: true}
	repo := newTestRepository(t, directory, settings)

	ok, err := repo.TopUpPubkey(context.Background(), testPubkey)
	if err != nil || ok {
		t.Fatalf("missing base URL must be a no-op, ok=%v err=%v", ok, err)
	}
	if directory.topUpCalls != 0 {
		t.Fatal("missing base URL must not call the webhook")
	}
}

func TestFindByPubkeyPropagatesTransportFailure(t *testing.T) {
	directory := &fakeDirectory{checkErr: fmt.Errorf("connection refused")}
	repo := newTestRepository(t, directory, paidSettings())

	if _, err := repo.FindByPubkey(context.Background(), testPubkey); err == nil {
		t.Fatal("transport failure must propagate")
	}
}

func TestFindByPubkeyWithoutWebhookConfigured(t *testing.T) {
	settings := paidSettings()
	settings.Webhooks.PubkeyChecks = false
	directory := &fakeDirectory{}
	repo := newTestRepository(t, directory, settings)

	user, err := repo.FindByPubkey(context.Background(), testPubkey)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if user != nil || directory.checkCalls != 0 {
		t.Fatalf("expected none without webhook, user=%+v calls=%d", user, directory.checkCalls)
	}
}

// spyCache records the TTL every Set was issued with and lets a test evict
// entries to stand in for the TTL elapsing.
type spyCache struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newSpyCache() *spyCache {
	return &spyCache{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (c *spyCache) Get(_ context.Context, key string) (string, bool, error) {
	value, found := c.values[key]
	return value, found, nil
}

func (c *spyCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.values[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *spyCache) evict(key string) { delete(c.values, key) }

func TestNegativeCacheEntryCarriesBlockedTTL(t *testing.T) {
	directory := &fakeDirectory{checkResult: &webhooks.PubkeyCheckResult{IsAdmitted: false}}
	spy := newSpyCache()
	repo := NewRepository(setupTestDB(t), spy, directory, func() *config.Settings { return paidSettings() }, nil)
	ctx := context.Background()

	if _, err := repo.FindByPubkey(ctx, testPubkey); err != nil {
		t.Fatalf("find: %v", err)
	}
	key := blockedKey(testPubkey)
	if spy.values[key] != "true" {
		t.Fatalf("expected a blocked entry, got %q", spy.values[key])
	}
	if got := spy.ttls[key]; got != BlockedTTL {
		t.Fatalf("blocked entry must expire after %v, written with %v", BlockedTTL, got)
	}

	// Once the entry ages out the next submission retries the webhook.
	spy.evict(key)
	if _, err := repo.FindByPubkey(ctx, testPubkey); err != nil {
		t.Fatalf("second find: %v", err)
	}
	if directory.checkCalls != 2 {
		t.Fatalf("expired entry must re-invoke the webhook, calls=%d", directory.checkCalls)
	}
}

func TestUpsertMergeExcludesInsertOnlyColumns(t *testing.T) {
	repo := newTestRepository(t, &fakeDirectory{}, paidSettings())
	ctx := context.Background()

	created := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	first := &User{Pubkey: testPubkey, IsAdmitted: false, Balance: 250, CreatedAt: created, UpdatedAt: created}
	if _, err := repo.Upsert(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	later := time.Now().UTC().Truncate(time.Second)
	second := &User{Pubkey: testPubkey, IsAdmitted: true, Balance: 9999, CreatedAt: later, UpdatedAt: later, TosAcceptedAt: &later}
	if _, err := repo.Upsert(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	stored, err := repo.GetByPubkey(ctx, testPubkey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.IsAdmitted {
		t.Fatal("is_admitted should merge on conflict")
	}
	if stored.Balance != 250 {
		t.Fatalf("balance is insert-only, got %d", stored.Balance)
	}
	if !stored.CreatedAt.Equal(created) {
		t.Fatalf("created_at is insert-only, got %v", stored.CreatedAt)
	}
	if stored.TosAcceptedAt == nil {
		t.Fatal("tos_accepted_at should merge on conflict")
	}
}

func TestBalanceArithmetic(t *testing.T) {
	repo := newTestRepository(t, &fakeDirectory{}, paidSettings())
	ctx := context.Background()

	if err := repo.db.Create(&User{Pubkey: testPubkey, IsAdmitted: true, Balance: 100}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := repo.IncrementBalance(ctx, testPubkey, 500); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := repo.DecrementBalance(ctx, testPubkey, 150); err != nil {
		t.Fatalf("decrement: %v", err)
	}

	balance, err := repo.BalanceByPubkey(ctx, testPubkey)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 450 {
		t.Fatalf("expected 450, got %d", balance)
	}
}

func TestBalanceByPubkeyUnknownIsZero(t *testing.T) {
	repo := newTestRepository(t, &fakeDirectory{}, paidSettings())
	balance, err := repo.BalanceByPubkey(context.Background(), testPubkey)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected 0 for unknown user, got %d", balance)
	}
}

func TestTopUpPubkeyCreditsScheduleAmount(t *testing.T) {
	directory := &fakeDirectory{topUpOK: true}
	repo := newTestRepository(t, directory, paidSettings())
	ctx := context.Background()

	if err := repo.db.Create(&User{Pubkey: testPubkey, IsAdmitted: true, Balance: 50}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	ok, err := repo.TopUpPubkey(ctx, testPubkey)
	if err != nil {
		t.Fatalf("top-up: %v", err)
	}
	if !ok {
		t.Fatal("expected successful top-up")
	}
	balance, _ := repo.BalanceByPubkey(ctx, testPubkey)
	if balance != 550 {
		t.Fatalf("expected 550 after top-up, got %d", balance)
	}
}

func TestTopUpPubkeyDeclined(t *testing.T) {
	directory := &fakeDirectory{topUpOK: false}
	repo := newTestRepository(t, directory, paidSettings())

	ok, err := repo.TopUpPubkey(context.Background(), testPubkey)
	if err != nil {
		t.Fatalf("top-up: %v", err)
	}
	if ok {
		t.Fatal("declined top-up must report false")
	}
	if directory.topUpCalls != 1 {
		t.Fatalf("expected one webhook call, got %d", directory.topUpCalls)
	}
}

func TestTopUpPubkeyDisabledByConfig(t *testing.T) {
	settings := paidSettings()
	settings.Webhooks.TopUps = false
	directory := &fakeDirectory{topUpOK: true}
	repo := newTestRepository(t, directory, settings)

	ok, err := repo.TopUpPubkey(context.Background(), testPubkey)
	if err != nil || ok {
		t.Fatalf("disabled top-up must be a no-op, ok=%v err=%v", ok, err)
	}
	if directory.topUpCalls != 0 {
		t.Fatal("disabled top-up must not call the webhook")
	}
}
