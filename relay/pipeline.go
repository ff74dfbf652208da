package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"vidarelay/config"
	"vidarelay/policy"
	"vidarelay/ratelimit"
)

// Client-observable rejection reasons. These strings are contractual.
const (
	reasonIDMismatch          = "invalid: event id does not match"
	reasonBadSignature        = "invalid: event signature verification failed"
	reasonExpired             = "event is expired"
	reasonRateLimited         = "rate-limited: slow down"
	reasonNotAdmitted         = "blocked: pubkey not admitted"
	reasonInsufficientBalance = "blocked: insufficient balance"
	reasonUnsupported         = "error: event not supported"
	reasonProcessingFailed    = "error: unable to process event"
)

// Pipeline runs the ordered admission checks over each submitted event.
// All collaborators are safe for concurrent use; per-connection ordering
// is the transport's responsibility.
type Pipeline struct {
	settings  func() *config.Settings
	limiter   *ratelimit.Limiter
	users     UserGate
	checker   EventChecker
	callbacks CallbackSink
	factory   StrategyFactory
	log       *slog.Logger
	now       func() time.Time
}

// PipelineConfig wires a Pipeline. Checker and Callbacks may be nil when
// the corresponding webhooks are not configured.
type PipelineConfig struct {
	Settings  func() *config.Settings
	Limiter   *ratelimit.Limiter
	Users     UserGate
	Checker   EventChecker
	Callbacks CallbackSink
	Factory   StrategyFactory
	Log       *slog.Logger
	Now       func() time.Time
}

// NewPipeline constructs the admission pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		settings:  cfg.Settings,
		limiter:   cfg.Limiter,
		users:     cfg.Users,
		checker:   cfg.Checker,
		callbacks: cfg.Callbacks,
		factory:   cfg.Factory,
		log:       log,
		now:       now,
	}
}

// Handle admits one event. Every branch but a successful strategy hand-off
// emits exactly one OK frame. A returned error is a local fault (webhook
// or datastore transport); no acknowledgement has been emitted and the
// connection layer decides what to do with the client.
func (p *Pipeline) Handle(ctx context.Context, msg EventMessage) error {
	settings := p.settings()
	evt := msg.Event
	now := p.now()

	if evt.GetID() != evt.ID {
		return p.reject(ctx, msg, stageValidation, reasonIDMismatch)
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return p.reject(ctx, msg, stageValidation, reasonBadSignature)
	}

	if expiresAt, ok := expirationTag(evt); ok {
		if expiresAt <= now.Unix() {
			return p.reject(ctx, msg, stageExpiration, reasonExpired)
		}
		SetExpiration(evt, expiresAt)
	}

	if p.rateLimited(evt, msg.ClientIP, settings) {
		return p.reject(ctx, msg, stageRateLimit, reasonRateLimited)
	}

	if reason, ok := policy.Evaluate(evt, settings.Limits.Event, now.Unix()); !ok {
		return p.reject(ctx, msg, stagePolicy, reason)
	}

	reason, err := p.gateUser(ctx, evt, settings)
	if err != nil {
		return p.fault(err)
	}
	if reason != "" {
		return p.reject(ctx, msg, stageAdmission, reason)
	}

	if p.checker != nil && settings.Webhooks.EventChecks && settings.Webhooks.Endpoints.BaseURL != "" && settings.Webhooks.Endpoints.EventCheck != "" {
		result, err := p.checker.CheckEvent(ctx, evt)
		if err != nil {
			// Transport failure is fatal to this admission: no OK frame is
			// emitted and the connection surfaces the fault.
			return p.fault(fmt.Errorf("event check: %w", err))
		}
		if !result.Success {
			return p.reject(ctx, msg, stageEventCheck, result.Reason)
		}
	}

	strategy := p.factory.Resolve(evt, msg.Conn)
	if strategy == nil {
		return p.reject(ctx, msg, stageStrategy, reasonUnsupported)
	}

	if err := p.chargePublication(ctx, evt, settings); err != nil {
		return p.fault(err)
	}

	if err := p.execute(ctx, strategy, evt); err != nil {
		// The publication fee already debited stays debited.
		p.log.Error("strategy execution failed",
			slog.String("event_id", evt.ID),
			slog.Int("kind", evt.Kind),
			slog.String("error", err.Error()))
		return p.reject(ctx, msg, stageProcessing, reasonProcessingFailed)
	}

	if p.callbacks != nil && settings.Webhooks.EventCallbacks && settings.Webhooks.Endpoints.BaseURL != "" && settings.Webhooks.Endpoints.EventCallback != "" {
		p.callbacks.Enqueue(evt)
	}

	admissionMetrics().accepted.Inc()
	return nil
}

func (p *Pipeline) rateLimited(evt *nostr.Event, clientIP string, settings *config.Settings) bool {
	limits := settings.Limits.Event
	if containsString(limits.Whitelists.Pubkeys, evt.PubKey) || containsString(limits.Whitelists.IPAddresses, clientIP) {
		return false
	}
	limited := false
	for _, rule := range limits.RateLimits {
		if len(rule.Kinds) > 0 && !rule.Kinds.Matches(evt.Kind) {
			continue
		}
		key := fmt.Sprintf("%s:events:%d", evt.PubKey, rule.Period)
		if len(rule.Kinds) > 0 {
			key += ":" + rule.Kinds.String()
		}
		// Every applicable rule is hit even after a limit fires so the
		// longer windows keep counting.
		if p.limiter.Hit(key, 1, time.Duration(rule.Period)*time.Millisecond, rule.Rate) {
			limited = true
		}
	}
	return limited
}

func (p *Pipeline) gateUser(ctx context.Context, evt *nostr.Event, settings *config.Settings) (string, error) {
	if !settings.Payments.Enabled {
		return "", nil
	}
	if !admissionApplies(settings.Payments.FeeSchedules.Admission, evt.PubKey) {
		return "", nil
	}

	user, err := p.users.FindByPubkey(ctx, evt.PubKey)
	if err != nil {
		return "", err
	}
	if user == nil || !user.IsAdmitted {
		return reasonNotAdmitted, nil
	}

	balance := user.Balance
	// A pubkey exempt from the publication charge is not held to afford it.
	if publication := config.First(settings.Payments.FeeSchedules.Publication); publication != nil && publication.Enabled &&
		!matchesAnyPrefix(publication.Whitelists.Pubkeys, evt.PubKey) && balance < publication.Amount {
		topUp := config.First(settings.Payments.FeeSchedules.TopUp)
		topped := false
		if topUp != nil && topUp.Enabled {
			topped, err = p.users.TopUpPubkey(ctx, evt.PubKey)
			if err != nil {
				return "", err
			}
			if topped {
				balance += topUp.Amount
			}
		}
		if !topped {
			return reasonInsufficientBalance, nil
		}
	}

	if min := settings.Limits.Event.Pubkey.MinBalance; min > 0 && balance < min {
		return reasonInsufficientBalance, nil
	}
	return "", nil
}

// chargePublication debits the publication fee right before strategy
// execution. The debit is not rolled back if the strategy fails.
func (p *Pipeline) chargePublication(ctx context.Context, evt *nostr.Event, settings *config.Settings) error {
	if !settings.Payments.Enabled {
		return nil
	}
	publication := config.First(settings.Payments.FeeSchedules.Publication)
	if publication == nil || !publication.Enabled || publication.Amount == 0 {
		return nil
	}
	if matchesAnyPrefix(publication.Whitelists.Pubkeys, evt.PubKey) {
		return nil
	}
	if err := p.users.DecrementBalance(ctx, evt.PubKey, publication.Amount); err != nil {
		return fmt.Errorf("publication fee: %w", err)
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, strategy Strategy, evt *nostr.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("strategy panic: %v", recovered)
		}
	}()
	return strategy.Execute(ctx, evt)
}

func (p *Pipeline) reject(ctx context.Context, msg EventMessage, stage string, reason string) error {
	admissionMetrics().rejected.WithLabelValues(stage).Inc()
	env := &nostr.OKEnvelope{EventID: msg.Event.ID, OK: false, Reason: reason}
	if err := msg.Conn.Emit(ctx, env); err != nil {
		return fmt.Errorf("emit rejection: %w", err)
	}
	return nil
}

func (p *Pipeline) fault(err error) error {
	admissionMetrics().faults.Inc()
	return err
}

// admissionApplies reports whether any enabled admission schedule covers
// the pubkey, i.e. the pubkey is not whitelisted out of all of them.
func admissionApplies(schedules []config.FeeSchedule, pubkey string) bool {
	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		if matchesAnyPrefix(schedule.Whitelists.Pubkeys, pubkey) {
			continue
		}
		return true
	}
	return false
}

func matchesAnyPrefix(prefixes []string, value string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

func containsString(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
