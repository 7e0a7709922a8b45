// Package sync implements the outbound delivery queue: durable enqueue with
// idempotency dedup, a policy-gated dispatch loop, exponential backoff with
// jitter, circuit-breaker-wrapped HTTP dispatch, and 401 pause/resume.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/models"
)

// Store is the durable persistence port for queued items.
type Store interface {
	EnqueueItem(item models.QueueItem) error
	UpdateItem(item models.QueueItem) error
	DeleteItem(id string) error
	LoadPendingItems() ([]models.QueueItem, error)
}

// IdempotencyClaimer is the best-effort fast-path dedup cache; a claim
// failure (Redis unavailable) is not fatal — the queue's own
// idempotency_key handling remains authoritative via Store.
type IdempotencyClaimer interface {
	ClaimIdempotencyKey(key string, ttl time.Duration) (bool, error)
}

// Decision is the SyncPolicy's verdict for one dispatch opportunity.
type Decision string

const (
	DecisionImmediate Decision = "immediate"
	DecisionBatch     Decision = "batch"
	DecisionQueueOnly Decision = "queue"
	DecisionManual    Decision = "manual"
)

// PolicyInput carries the telemetry SyncPolicy.Decide consults.
type PolicyInput struct {
	NetworkType string // wifi, cellular, none
	BatteryPct  float64
	Charging    bool
	Metered     bool
	Foreground  bool
}

// Policy resolves telemetry into a dispatch Decision. The default policy
// mirrors the config's DisableAutoSyncOnCellular / AutoSync switches.
type Policy struct {
	cfg config.SyncConfig
}

// Decide returns DecisionQueueOnly when the input disqualifies dispatch
// (metered connection disabled, no network); otherwise DecisionManual when
// AutoSync is off, DecisionBatch when BatchSync is on, else
// DecisionImmediate.
func (p Policy) Decide(in PolicyInput) Decision {
	if in.NetworkType == "none" {
		return DecisionQueueOnly
	}
	if in.Metered && p.cfg.DisableAutoSyncOnCellular {
		return DecisionQueueOnly
	}
	if !p.cfg.AutoSync {
		return DecisionManual
	}
	if p.cfg.BatchSync {
		return DecisionBatch
	}
	return DecisionImmediate
}

// BodyBuilder constructs the outbound HTTP request body from the selected
// batch and the configured extras. A nil builder falls back to Pipeline's
// default envelope.
type BodyBuilder func(items []models.QueueItem, extras map[string]string) ([]byte, error)

// HeaderBuilder returns additional headers to attach to a dispatch request,
// e.g. a freshly-minted auth token.
type HeaderBuilder func() map[string]string

// Pipeline drains the durable queue per Policy, dispatching batches over
// HTTP behind a circuit breaker.
type Pipeline struct {
	logger  *zap.Logger
	bus     *eventbus.Bus
	store   Store
	claimer IdempotencyClaimer
	httpc   *http.Client
	cfg     config.SyncConfig
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	bodyBuilder   BodyBuilder
	headerBuilder HeaderBuilder

	paused bool
}

// New constructs a Pipeline. claimer may be nil to skip the fast-path dedup
// cache and rely solely on the store's idempotency handling.
func New(logger *zap.Logger, bus *eventbus.Bus, store Store, claimer IdempotencyClaimer, cfg config.SyncConfig) *Pipeline {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync-dispatch",
		MaxRequests: cfg.CircuitBreakerMaxRequests,
		Interval:    cfg.CircuitBreakerInterval,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})

	return &Pipeline{
		logger:  logger,
		bus:     bus,
		store:   store,
		claimer: claimer,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		cfg:     cfg,
		policy:  Policy{cfg: cfg},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// SetBodyBuilder installs a custom body-builder callback.
func (p *Pipeline) SetBodyBuilder(b BodyBuilder) { p.bodyBuilder = b }

// SetHeaderBuilder installs a custom dynamic-headers callback.
func (p *Pipeline) SetHeaderBuilder(h HeaderBuilder) { p.headerBuilder = h }

// Enqueue durably records a payload for later dispatch. If idempotencyKey is
// non-empty, dedup is enforced twice: first the Redis fast-path claimer
// short-circuits the common case without a database round trip, then
// Store.EnqueueItem's partial unique index on idempotency_key rejects a
// colliding insert outright, so a transient Redis outage can never let a
// duplicate land durably. A duplicate stopped by the claimer returns the
// empty string; one stopped by the store's index returns the id minted for
// the skipped insert, since EnqueueItem does not report the conflict.
func (p *Pipeline) Enqueue(payload map[string]any, idempotencyKey string) (string, error) {
	if idempotencyKey != "" && p.claimer != nil {
		claimed, err := p.claimer.ClaimIdempotencyKey(idempotencyKey, 24*time.Hour)
		if err == nil && !claimed {
			return "", nil
		}
	}

	item := models.QueueItem{
		ID:             uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	}
	if err := p.store.EnqueueItem(item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// QueueDepth reports the number of items currently durably queued,
// regardless of retry eligibility, for the admin/status surface.
func (p *Pipeline) QueueDepth() (int, error) {
	pending, err := p.store.LoadPendingItems()
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Paused reports whether the pipeline is currently paused by a prior 401.
func (p *Pipeline) Paused() bool {
	return p.paused
}

// ResumeSync clears a 401-triggered pause and runs an immediate cycle.
func (p *Pipeline) ResumeSync(ctx context.Context, in PolicyInput) error {
	p.paused = false
	return p.Sync(ctx, in)
}

// Sync runs one dispatch cycle: policy check, batch selection, HTTP
// dispatch, and per-item outcome handling. It is safe to call repeatedly
// (auto-sync triggers, manual Sync(), connectivity-regained, batch
// threshold) — each call is a single, bounded cycle.
func (p *Pipeline) Sync(ctx context.Context, in PolicyInput) error {
	if p.paused {
		return nil
	}

	decision := p.policy.Decide(in)
	if decision == DecisionQueueOnly {
		return nil
	}

	pending, err := p.store.LoadPendingItems()
	if err != nil {
		return fmt.Errorf("sync: loading pending items: %w", err)
	}

	now := time.Now()
	var eligible []models.QueueItem
	for _, item := range pending {
		if item.Eligible(now) {
			eligible = append(eligible, item)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	batchSize := p.cfg.MaxBatchSize
	if batchSize <= 0 || batchSize > len(eligible) {
		batchSize = len(eligible)
	}
	batch := eligible[:batchSize]

	return p.dispatch(ctx, batch)
}

func (p *Pipeline) dispatch(ctx context.Context, batch []models.QueueItem) error {
	body, err := p.buildBody(batch)
	if err != nil {
		return err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	result, err := p.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range p.cfg.Headers {
			req.Header.Set(k, v)
		}
		if p.headerBuilder != nil {
			for k, v := range p.headerBuilder() {
				req.Header.Set(k, v)
			}
		}
		if p.cfg.IdempotencyHeader != "" && len(batch) > 0 && batch[0].IdempotencyKey != "" {
			req.Header.Set(p.cfg.IdempotencyHeader, batch[0].IdempotencyKey)
		}
		return p.httpc.Do(req)
	})

	var statusCode int
	ok := err == nil
	if ok {
		resp := result.(*http.Response)
		statusCode = resp.StatusCode
		resp.Body.Close()
		ok = statusCode >= 200 && statusCode < 300
	}

	p.bus.Publish(eventbus.TypeHTTP, map[string]any{"status": statusCode, "ok": ok, "batch_size": len(batch)})

	switch {
	case ok:
		for _, item := range batch {
			_ = p.store.DeleteItem(item.ID)
		}
		return nil
	case statusCode == http.StatusUnauthorized:
		p.paused = true
		return nil
	case statusCode == http.StatusConflict:
		for _, item := range batch {
			_ = p.store.DeleteItem(item.ID)
		}
		return nil
	default:
		return p.retryBatch(batch)
	}
}

func (p *Pipeline) retryBatch(batch []models.QueueItem) error {
	for _, item := range batch {
		item.RetryCount++
		if item.RetryCount > p.cfg.MaxRetry {
			_ = p.store.DeleteItem(item.ID)
			if p.logger != nil {
				p.logger.Warn("sync item dropped after exhausting retries", zap.String("id", item.ID), zap.Int("retry_count", item.RetryCount))
			}
			continue
		}
		delay := backoffDelay(p.cfg.RetryDelay, p.cfg.RetryBackoff, p.cfg.MaxRetryDelay, item.RetryCount)
		next := time.Now().Add(delay)
		item.NextRetryAt = &next
		if err := p.store.UpdateItem(item); err != nil && p.logger != nil {
			p.logger.Warn("sync item retry update failed", zap.String("id", item.ID), zap.Error(err))
		}
	}
	return nil
}

// backoffDelay computes retry_delay * backoff^(retryCount-1), capped at
// max_retry_delay, plus up to 10% jitter.
func backoffDelay(base time.Duration, backoff float64, max time.Duration, retryCount int) time.Duration {
	delay := base
	for i := 1; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * backoff)
	}
	if max > 0 && delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 10 + 1))
	return delay + jitter
}

func (p *Pipeline) buildBody(batch []models.QueueItem) ([]byte, error) {
	if p.bodyBuilder != nil {
		return p.bodyBuilder(batch, p.cfg.Extras)
	}

	envelope := map[string]any{}
	for k, v := range p.cfg.Extras {
		envelope[k] = v
	}
	if p.cfg.HTTPRootProperty != "" {
		envelope[p.cfg.HTTPRootProperty] = batch
	} else {
		envelope["items"] = batch
	}
	return json.Marshal(envelope)
}
