package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestKindMatcherScalarAndRange(t *testing.T) {
	var list KindList
	if err := yaml.Unmarshal([]byte("[1, [40, 49]]"), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 matchers, got %d", len(list))
	}
	if !list.Matches(1) || !list.Matches(40) || !list.Matches(49) || !list.Matches(45) {
		t.Fatal("expected 1 and 40..49 to match")
	}
	if list.Matches(2) || list.Matches(50) {
		t.Fatal("unexpected match outside the configured kinds")
	}
	if got := list.String(); got != "[1,[40,49]]" {
		t.Fatalf("unexpected stable form %q", got)
	}
}

func TestKindMatcherRejectsBadRanges(t *testing.T) {
	var m KindMatcher
	if err := yaml.Unmarshal([]byte("[3, 1]"), &m); err == nil {
		t.Fatal("inverted range should fail")
	}
	if err := yaml.Unmarshal([]byte("[1, 2, 3]"), &m); err == nil {
		t.Fatal("triple should fail")
	}
}

func TestContentLimitsSingleRecord(t *testing.T) {
	var limits ContentLimits
	if err := yaml.Unmarshal([]byte("maxLength: 1024"), &limits); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(limits) != 1 || limits[0].MaxLength != 1024 {
		t.Fatalf("unexpected decode %+v", limits)
	}
}

func TestContentLimitsSequence(t *testing.T) {
	raw := `
- maxLength: 200
  kinds: [1]
- maxLength: 64000
`
	var limits ContentLimits
	if err := yaml.Unmarshal([]byte(raw), &limits); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(limits) != 2 {
		t.Fatalf("expected 2 records, got %d", len(limits))
	}
	if !limits[0].Kinds.Matches(1) || len(limits[1].Kinds) != 0 {
		t.Fatalf("unexpected decode %+v", limits)
	}
}

const sampleSettings = `
info:
  name: test relay
limits:
  event:
    content:
      maxLength: 64000
    createdAt:
      maxPositiveDelta: 600
    rateLimits:
      - period: 60000
        rate: 5
      - period: 3600000
        rate: 50
        kinds: [1]
payments:
  enabled: true
  feeSchedules:
    admission:
      - enabled: true
        amount: 1000000
      - enabled: true
        amount: 2000000
    publication:
      - enabled: true
        amount: 100
    topUp:
      - enabled: true
        amount: 500
webhooks:
  pubkeyChecks: true
  endpoints:
    baseURL: https://example.test
    pubkeyCheck: /check-pubkey
`

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestLoadSettings(t *testing.T) {
	settings, err := Load(writeSettings(t, sampleSettings))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.Limits.Event.CreatedAt.MaxPositiveDelta != 600 {
		t.Fatalf("unexpected createdAt limits %+v", settings.Limits.Event.CreatedAt)
	}
	if len(settings.Limits.Event.RateLimits) != 2 {
		t.Fatalf("expected 2 rate limits, got %d", len(settings.Limits.Event.RateLimits))
	}
	admission := First(settings.Payments.FeeSchedules.Admission)
	if admission == nil || admission.Amount != 1000000 {
		t.Fatalf("unexpected admission schedule %+v", admission)
	}
}

func TestWarningsFlagExtraScheduleEntries(t *testing.T) {
	settings, err := Load(writeSettings(t, sampleSettings))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	warnings := settings.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
}

func TestValidateRejectsNegativeAmounts(t *testing.T) {
	settings := &Settings{}
	settings.Payments.FeeSchedules.Publication = []FeeSchedule{{Amount: -1}}
	if err := settings.Validate(); err == nil {
		t.Fatal("negative amount should fail validation")
	}

	settings = &Settings{}
	settings.Limits.Event.RateLimits = []RateLimit{{Period: 0, Rate: 5}}
	if err := settings.Validate(); err == nil {
		t.Fatal("zero period should fail validation")
	}
}

func TestStoreReloadKeepsSnapshotOnError(t *testing.T) {
	path := writeSettings(t, sampleSettings)
	store, err := NewStore(path, slog.Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	before := store.Current()

	if err := os.WriteFile(path, []byte("{not yaml"), 0o600); err != nil {
		t.Fatalf("corrupt settings: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if store.Current() != before {
		t.Fatal("previous snapshot must stay active after a failed reload")
	}
}

func TestStoreReplaceSwapsSnapshot(t *testing.T) {
	store := NewStaticStore(&Settings{})
	next := &Settings{}
	next.Payments.Enabled = true
	store.Replace(next)
	if !store.Current().Payments.Enabled {
		t.Fatal("replace did not swap the snapshot")
	}
}
