// Package ratelimit implements the sliding-window limiter shared by all
// processes, plus the global lockout that guards magic-link verification
// against brute force.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/metrics"
)

// Rule names one limited operation. FailClosed rules deny when the store is
// unreachable; the rest degrade to allowing.
type Rule struct {
	Name       string
	Max        int64
	Window     time.Duration
	FailClosed bool
}

// Limiter rules used across the backend.
var (
	// MagicLink caps login-link requests per source IP. Security-critical,
	// so store outages deny.
	MagicLink = Rule{Name: "magic_link", Max: 3, Window: time.Hour, FailClosed: true}

	// Autosave caps draft saves per (user, session).
	Autosave = Rule{Name: "autosave", Max: 60, Window: time.Minute}

	// Upload caps attachment uploads per user.
	Upload = Rule{Name: "upload", Max: 10, Window: time.Minute}
)

const (
	verifyFailuresKey = "rl:verify:failures"
	verifyLockoutKey  = "rl:verify:lockout"
	verifyFailureMax  = 100
	verifyLockoutTTL  = 5 * time.Minute
)

// Limiter counts events in sliding windows kept in the shared KV store.
type Limiter struct {
	store   *kv.Store
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
}

// New builds a limiter over the shared store.
func New(store *kv.Store, m *metrics.Metrics) *Limiter {
	return &Limiter{
		store:   store,
		metrics: m,
		logger:  log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Allow admits one event for (rule, subject) or returns an error wrapping
// core.ErrRateLimited. Denied events are not recorded, so being throttled
// does not extend the window.
func (l *Limiter) Allow(ctx context.Context, rule Rule, subject string) error {
	key := "rl:" + rule.Name + ":" + subject
	now := l.now()

	count, err := l.store.WindowCount(ctx, key, now, rule.Window)
	if err != nil {
		return l.storeFailure(rule, err)
	}
	if count >= rule.Max {
		l.metrics.RecordRateLimitDenial(rule.Name)
		return fmt.Errorf("%s: %w", rule.Name, core.ErrRateLimited)
	}
	if err := l.store.WindowAdd(ctx, key, uuid.NewString(), now, rule.Window); err != nil {
		return l.storeFailure(rule, err)
	}
	return nil
}

func (l *Limiter) storeFailure(rule Rule, err error) error {
	if rule.FailClosed {
		l.logger.Printf("❌ limiter store unavailable, denying %s: %v", rule.Name, err)
		l.metrics.RecordRateLimitDenial(rule.Name)
		return fmt.Errorf("%s: limiter unavailable: %w", rule.Name, core.ErrRateLimited)
	}
	l.logger.Printf("⚠️ limiter store unavailable, allowing %s: %v", rule.Name, err)
	return nil
}

// CheckVerificationLockout refuses token verification while the global
// brute-force lockout is engaged. Store errors deny; verification is
// security-critical.
func (l *Limiter) CheckVerificationLockout(ctx context.Context) error {
	locked, err := l.store.Exists(ctx, verifyLockoutKey)
	if err != nil {
		l.logger.Printf("❌ lockout check failed, denying verification: %v", err)
		return fmt.Errorf("verification lockout check: %w", core.ErrRateLimited)
	}
	if locked {
		l.metrics.RecordRateLimitDenial("verify_lockout")
		return fmt.Errorf("verification locked out: %w", core.ErrRateLimited)
	}
	return nil
}

// NoteFailedVerification counts one failed token verification and engages
// the lockout once the global threshold is crossed. Counting failures never
// fails a request, so errors are logged and swallowed.
func (l *Limiter) NoteFailedVerification(ctx context.Context) {
	n, err := l.store.Incr(ctx, verifyFailuresKey, verifyLockoutTTL)
	if err != nil {
		l.logger.Printf("⚠️ failed-verification counter: %v", err)
		return
	}
	if n >= verifyFailureMax {
		if err := l.store.Set(ctx, verifyLockoutKey, []byte("1"), verifyLockoutTTL); err != nil {
			l.logger.Printf("⚠️ engage lockout: %v", err)
			return
		}
		l.logger.Printf("🚨 verification lockout engaged after %d failures", n)
	}
}
