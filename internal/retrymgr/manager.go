// Package retrymgr implements the retry manager (§4.4): given a task's
// kind and an execution error, decide whether another attempt is
// warranted, and if so, how long to wait before it. Policy lookups are
// cached in memory with a TTL, the same shape as the teacher's
// TTL'd LRU cache of LLM clients (internal/infra/llm/factory.go),
// adapted here to hold one task.RetryPolicy per kind instead of one
// client per provider/model pair.
package retrymgr

import (
	"context"
	goerrors "errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"taskengine/internal/domain/task"
	taskerrors "taskengine/internal/errors"
	"taskengine/internal/logging"
)

// Decision is the retry manager's verdict on one failed attempt (§4.4
// step 5).
type Decision struct {
	ShouldRetry bool
	DelayMS     int64
	Reason      string
	NextAttempt int
	Confidence  float64
}

// PolicySource fetches the current RetryPolicy for a kind, or nil if
// none has been seeded. Satisfied by task.Store.GetPolicyByKind.
type PolicySource interface {
	GetPolicyByKind(ctx context.Context, kind task.Kind) (*task.RetryPolicy, error)
}

// cacheEntry pairs a cached policy with the time it was fetched, so
// the manager can expire it after ttl elapses.
type cacheEntry struct {
	policy   *task.RetryPolicy
	cachedAt time.Time
}

// Manager is the retry manager (§4.4). It is safe for concurrent use.
type Manager struct {
	source PolicySource
	ttl    time.Duration
	log    logging.Logger

	mu    sync.Mutex
	cache *lru.Cache[task.Kind, cacheEntry]
}

// New returns a Manager backed by source, caching policy lookups for
// ttl (≈60s per §3).
func New(source PolicySource, ttl time.Duration, log logging.Logger) *Manager {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	cache, _ := lru.New[task.Kind, cacheEntry](256)
	return &Manager{source: source, ttl: ttl, log: logging.OrNop(log), cache: cache}
}

// defaultPolicy is used when the store has no policy seeded for a kind
// (§4.4 step 1 fallback).
func defaultPolicy(kind task.Kind) task.RetryPolicy {
	return task.RetryPolicy{
		Kind:            kind,
		MaxRetries:      3,
		BackoffStrategy: task.BackoffExponential,
		BaseDelayMS:     1000,
		MaxDelayMS:      60_000,
		Multiplier:      2.0,
		Enabled:         true,
	}
}

// policyFor returns the cached or freshly fetched policy for kind.
func (m *Manager) policyFor(ctx context.Context, kind task.Kind) task.RetryPolicy {
	m.mu.Lock()
	if entry, ok := m.cache.Get(kind); ok && time.Since(entry.cachedAt) < m.ttl {
		m.mu.Unlock()
		if entry.policy != nil {
			return *entry.policy
		}
		return defaultPolicy(kind)
	}
	m.mu.Unlock()

	p, err := m.source.GetPolicyByKind(ctx, kind)
	if err != nil {
		m.log.Warn("retrymgr: policy lookup for %s failed, using default: %v", kind, err)
		p = nil
	}

	m.mu.Lock()
	m.cache.Add(kind, cacheEntry{policy: p, cachedAt: time.Now()})
	m.mu.Unlock()

	if p != nil {
		return *p
	}
	return defaultPolicy(kind)
}

// InvalidatePolicy evicts the cached policy for kind, forcing the next
// lookup to hit the store. Called after an admin `policy set` write.
func (m *Manager) InvalidatePolicy(kind task.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(kind)
}

// ShouldRetry implements §4.4 in full: policy lookup, attempt-budget
// check, error classification, and delay computation.
func (m *Manager) ShouldRetry(ctx context.Context, kind task.Kind, currentAttempt int, execErr error) Decision {
	policy := m.policyFor(ctx, kind)
	nextAttempt := currentAttempt + 1

	if !policy.Enabled {
		return Decision{ShouldRetry: false, Reason: "retry policy disabled for this kind", NextAttempt: nextAttempt}
	}
	if currentAttempt >= policy.MaxRetries {
		return Decision{ShouldRetry: false, Reason: "Maximum retries exceeded", NextAttempt: nextAttempt}
	}
	if execErr == nil {
		return Decision{ShouldRetry: false, Reason: "no error to classify", NextAttempt: nextAttempt}
	}

	retry, reason, confidence := classify(execErr, policy)
	if !retry {
		return Decision{ShouldRetry: false, Reason: reason, NextAttempt: nextAttempt, Confidence: confidence}
	}

	delay := computeDelay(policy, nextAttempt)
	return Decision{
		ShouldRetry: true,
		DelayMS:     delay,
		Reason:      reason,
		NextAttempt: nextAttempt,
		Confidence:  confidence,
	}
}

// classify implements §4.4 step 3's ordered classification: an error
// already tagged as transient or permanent
// (internal/errors.TransientError / PermanentError) is trusted
// outright, then explicit policy patterns (confidence 0.9 either
// direction), then built-in heuristics (confidence 0.7), then a
// low-confidence refusal. The task loop passes an error rebuilt from
// the execution result's error text, so on that path no tag survives
// and classification rests on the patterns and heuristics.
func classify(execErr error, policy task.RetryPolicy) (retry bool, reason string, confidence float64) {
	var transientErr *taskerrors.TransientError
	if goerrors.As(execErr, &transientErr) {
		return true, "executor tagged error transient: " + transientErr.Error(), 1.0
	}
	var permanentErr *taskerrors.PermanentError
	if goerrors.As(execErr, &permanentErr) {
		return false, "executor tagged error permanent: " + permanentErr.Error(), 1.0
	}

	msg := strings.ToLower(execErr.Error())

	for _, pattern := range policy.NonRetryableErrors {
		if pattern == "" {
			continue
		}
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return false, "matched non-retryable pattern: " + pattern, 0.9
		}
	}
	for _, pattern := range policy.RetryableErrors {
		if pattern == "" {
			continue
		}
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true, "matched retryable pattern: " + pattern, 0.9
		}
	}

	if containsAny(msg, "timeout", "deadline exceeded") ||
		containsAny(msg, "network", "connection", "dns") ||
		containsAny(msg, "rate limit", "too many requests") ||
		containsAny(msg, "server error", "5xx", "500", "502", "503", "504") {
		return true, "transient error heuristic", 0.7
	}
	if containsAny(msg, "syntax", "parse") ||
		containsAny(msg, "permission", "unauthorized", "forbidden") ||
		containsAny(msg, "not found", "404") {
		return false, "permanent error heuristic", 0.7
	}

	return false, "unclassified error, refusing to avoid infinite retry", 0.4
}

func containsAny(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

// computeDelay implements §4.4 step 4: strategy-specific growth,
// symmetric ±10% jitter, clamped to [0, max_delay_ms].
func computeDelay(policy task.RetryPolicy, attempt int) int64 {
	base := float64(policy.BaseDelayMS)
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 1
	}

	var raw float64
	switch policy.BackoffStrategy {
	case task.BackoffLinear:
		raw = base * float64(attempt) * mult
	case task.BackoffFixed:
		raw = base
	default: // exponential
		raw = base * math.Pow(mult, float64(attempt-1))
	}

	jitter := raw * 0.1
	delay := raw + (rand.Float64()*2-1)*jitter

	if delay < 0 {
		delay = 0
	}
	if maxDelay := float64(policy.MaxDelayMS); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return int64(delay)
}
