package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the process-wide configuration snapshot that governs every
// admission decision. Snapshots are immutable once loaded; hot reloads swap
// the whole snapshot (see Store).
type Settings struct {
	Info     Info     `yaml:"info"`
	Limits   Limits   `yaml:"limits"`
	Payments Payments `yaml:"payments"`
	Webhooks Webhooks `yaml:"webhooks"`
}

// Info describes the relay for the NIP-11 information document.
type Info struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Pubkey      string `yaml:"pubkey"`
	Contact     string `yaml:"contact"`
	PaymentsURL string `yaml:"paymentsUrl"`
}

type Limits struct {
	Event EventLimits `yaml:"event"`
}

// EventLimits gathers every per-event admission rule.
type EventLimits struct {
	Content    ContentLimits   `yaml:"content"`
	CreatedAt  CreatedAtLimits `yaml:"createdAt"`
	EventID    PowLimit        `yaml:"eventId"`
	Pubkey     PubkeyLimits    `yaml:"pubkey"`
	Kind       KindLimits      `yaml:"kind"`
	RateLimits []RateLimit     `yaml:"rateLimits"`
	Whitelists Whitelists      `yaml:"whitelists"`
}

// ContentLimit caps content length, optionally scoped to a set of kinds.
type ContentLimit struct {
	MaxLength int      `yaml:"maxLength"`
	Kinds     KindList `yaml:"kinds"`
}

// ContentLimits accepts either a single record or a sequence of records in
// YAML; both decode to a slice.
type ContentLimits []ContentLimit

func (c *ContentLimits) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var many []ContentLimit
		if err := node.Decode(&many); err != nil {
			return err
		}
		*c = many
		return nil
	case yaml.MappingNode:
		var one ContentLimit
		if err := node.Decode(&one); err != nil {
			return err
		}
		*c = ContentLimits{one}
		return nil
	}
	return fmt.Errorf("limits.event.content: expected mapping or sequence, got %v", node.Kind)
}

// CreatedAtLimits bounds the allowed clock skew of created_at, in seconds.
// Zero disables the corresponding bound.
type CreatedAtLimits struct {
	MaxPositiveDelta int64 `yaml:"maxPositiveDelta"`
	MaxNegativeDelta int64 `yaml:"maxNegativeDelta"`
}

// PowLimit is a proof-of-work threshold in leading zero bits.
type PowLimit struct {
	MinLeadingZeroBits int `yaml:"minLeadingZeroBits"`
}

// PubkeyLimits gates submitters by identity.
type PubkeyLimits struct {
	MinLeadingZeroBits int      `yaml:"minLeadingZeroBits"`
	MinBalance         int64    `yaml:"minBalance"`
	Whitelist          []string `yaml:"whitelist"`
	Blacklist          []string `yaml:"blacklist"`
}

type KindLimits struct {
	Whitelist KindList `yaml:"whitelist"`
	Blacklist KindList `yaml:"blacklist"`
}

// KindMatcher matches either an exact kind or an inclusive [lo, hi] range.
// Both YAML forms normalize to the range representation at load time.
type KindMatcher struct {
	Lo int
	Hi int
}

func (m *KindMatcher) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var kind int
		if err := node.Decode(&kind); err != nil {
			return err
		}
		m.Lo, m.Hi = kind, kind
		return nil
	case yaml.SequenceNode:
		var bounds []int
		if err := node.Decode(&bounds); err != nil {
			return err
		}
		if len(bounds) != 2 {
			return fmt.Errorf("kind range must have exactly two bounds, got %d", len(bounds))
		}
		if bounds[0] > bounds[1] {
			return fmt.Errorf("kind range [%d, %d] is inverted", bounds[0], bounds[1])
		}
		m.Lo, m.Hi = bounds[0], bounds[1]
		return nil
	}
	return fmt.Errorf("kind matcher: expected integer or [lo, hi] pair, got %v", node.Kind)
}

// Matches reports whether kind falls inside the matcher.
func (m KindMatcher) Matches(kind int) bool {
	return kind >= m.Lo && kind <= m.Hi
}

func (m KindMatcher) String() string {
	if m.Lo == m.Hi {
		return fmt.Sprintf("%d", m.Lo)
	}
	return fmt.Sprintf("[%d,%d]", m.Lo, m.Hi)
}

// KindList is an ordered sequence of kind matchers. An empty list matches
// nothing; callers decide what absence means.
type KindList []KindMatcher

// Matches reports whether any matcher in the list accepts kind.
func (l KindList) Matches(kind int) bool {
	for _, m := range l {
		if m.Matches(kind) {
			return true
		}
	}
	return false
}

// String renders a stable representation used in rate-limiter keys.
func (l KindList) String() string {
	parts := make([]string, 0, len(l))
	for _, m := range l {
		parts = append(parts, m.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// RateLimit is one sliding-window rule: at most Rate hits per Period
// milliseconds, optionally narrowed to a set of kinds.
type RateLimit struct {
	Period int64    `yaml:"period"`
	Rate   int      `yaml:"rate"`
	Kinds  KindList `yaml:"kinds"`
}

// Whitelists lists identities exempt from a rule.
type Whitelists struct {
	Pubkeys     []string `yaml:"pubkeys"`
	IPAddresses []string `yaml:"ipAddresses"`
}

type Payments struct {
	Enabled      bool         `yaml:"enabled"`
	FeeSchedules FeeSchedules `yaml:"feeSchedules"`
}

// FeeSchedules hold ordered schedule lists. Only the first entry of each
// list is consulted; Validate warns when extra entries are present.
type FeeSchedules struct {
	Admission   []FeeSchedule `yaml:"admission"`
	Publication []FeeSchedule `yaml:"publication"`
	TopUp       []FeeSchedule `yaml:"topUp"`
}

// FeeSchedule governs one economic gate. Amount is in millisatoshis and is
// kept as an exact integer end to end.
type FeeSchedule struct {
	Enabled    bool       `yaml:"enabled"`
	Amount     int64      `yaml:"amount"`
	Whitelists Whitelists `yaml:"whitelists"`
}

// First returns the consulted entry of a schedule list, or nil.
func First(schedules []FeeSchedule) *FeeSchedule {
	if len(schedules) == 0 {
		return nil
	}
	return &schedules[0]
}

type Webhooks struct {
	PubkeyChecks   bool             `yaml:"pubkeyChecks"`
	EventChecks    bool             `yaml:"eventChecks"`
	EventCallbacks bool             `yaml:"eventCallbacks"`
	TopUps         bool             `yaml:"topUps"`
	Endpoints      WebhookEndpoints `yaml:"endpoints"`
}

type WebhookEndpoints struct {
	BaseURL       string `yaml:"baseURL"`
	PubkeyCheck   string `yaml:"pubkeyCheck"`
	EventCheck    string `yaml:"eventCheck"`
	EventCallback string `yaml:"eventCallback"`
	TopUps        string `yaml:"topUps"`
}

// Load reads and validates a settings file.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	settings := &Settings{}
	if err := yaml.Unmarshal(raw, settings); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return settings, nil
}

// Validate rejects configurations the pipeline cannot act on sensibly and
// returns warnings for entries that parse but are silently unused.
func (s *Settings) Validate() error {
	for i, limit := range s.Limits.Event.Content {
		if limit.MaxLength < 0 {
			return fmt.Errorf("limits.event.content[%d].maxLength must not be negative", i)
		}
	}
	if s.Limits.Event.CreatedAt.MaxPositiveDelta < 0 || s.Limits.Event.CreatedAt.MaxNegativeDelta < 0 {
		return fmt.Errorf("limits.event.createdAt deltas must not be negative")
	}
	if s.Limits.Event.Pubkey.MinBalance < 0 {
		return fmt.Errorf("limits.event.pubkey.minBalance must not be negative")
	}
	for i, rule := range s.Limits.Event.RateLimits {
		if rule.Period <= 0 {
			return fmt.Errorf("limits.event.rateLimits[%d].period must be positive", i)
		}
		if rule.Rate <= 0 {
			return fmt.Errorf("limits.event.rateLimits[%d].rate must be positive", i)
		}
	}
	for name, schedules := range map[string][]FeeSchedule{
		"admission":   s.Payments.FeeSchedules.Admission,
		"publication": s.Payments.FeeSchedules.Publication,
		"topUp":       s.Payments.FeeSchedules.TopUp,
	} {
		for i, schedule := range schedules {
			if schedule.Amount < 0 {
				return fmt.Errorf("payments.feeSchedules.%s[%d].amount must not be negative", name, i)
			}
		}
	}
	if s.Payments.Enabled && s.Webhooks.TopUps && strings.TrimSpace(s.Webhooks.Endpoints.BaseURL) == "" && s.Webhooks.Endpoints.TopUps != "" {
		return fmt.Errorf("webhooks.endpoints.topUps requires webhooks.endpoints.baseURL")
	}
	return nil
}

// Warnings reports configuration that is accepted but ignored, such as fee
// schedule entries past the first. Callers log these once at load time.
func (s *Settings) Warnings() []string {
	var warnings []string
	for name, schedules := range map[string][]FeeSchedule{
		"admission":   s.Payments.FeeSchedules.Admission,
		"publication": s.Payments.FeeSchedules.Publication,
		"topUp":       s.Payments.FeeSchedules.TopUp,
	} {
		if len(schedules) > 1 {
			warnings = append(warnings, fmt.Sprintf("payments.feeSchedules.%s has %d entries; only the first is consulted", name, len(schedules)))
		}
	}
	sort.Strings(warnings)
	return warnings
}
