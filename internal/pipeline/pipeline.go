// ABOUTME: Event pipeline (C6): batches status updates, partitions by transactionId, drives the engine
// ABOUTME: Publishes the engine's outbound events only after the batch's store writes have succeeded

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/devit-tel/sagapm/internal/engine"
	"github.com/devit-tel/sagapm/pkg/types"
)

// Clock is injected so tests can control time; production wiring uses time.Now.
type Clock func() time.Time

// Recorder receives pipeline-level instrumentation. Satisfied by
// *metrics.Metrics; kept local so this package has no hard Prometheus
// dependency.
type Recorder interface {
	ObserveBatchSize(n int)
}

// Config tunes the pipeline's concurrency and outbound-publish retry policy.
type Config struct {
	// MaxConcurrency bounds how many transaction partitions are processed
	// at once. Ordering is preserved within a partition regardless of this
	// value; it only limits how many distinct partitions run in parallel.
	MaxConcurrency int
	// PublishRetries bounds the number of attempts to publish one outbound
	// event before giving up on the batch (§4.6 point 4, §7 BusUnavailable).
	PublishRetries int
	// PublishBackoff is the base delay of the exponential backoff between
	// publish attempts.
	PublishBackoff time.Duration
	Clock          Clock
	Recorder       Recorder
}

func (c *Config) withDefaults() *Config {
	cp := *c
	if cp.MaxConcurrency <= 0 {
		cp.MaxConcurrency = types.DefaultConcurrency
	}
	if cp.PublishRetries <= 0 {
		cp.PublishRetries = 5
	}
	if cp.PublishBackoff <= 0 {
		cp.PublishBackoff = 100 * time.Millisecond
	}
	if cp.Clock == nil {
		cp.Clock = time.Now
	}
	return &cp
}

// Pipeline is C6: it consumes a batch of status updates, groups them by
// transactionId preserving arrival order within a group, and runs each
// group through the engine under a per-transaction mutual-exclusion lock
// (spec.md §4.6/§5's "single writer per partition" guarantee).
type Pipeline struct {
	engine *engine.Engine
	bus    types.Bus
	logger types.Logger
	cfg    *Config

	locks sync.Map // transactionId -> *sync.Mutex
}

// New creates a pipeline over an already-constructed engine and bus.
func New(eng *engine.Engine, bus types.Bus, logger types.Logger, cfg *Config) *Pipeline {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Pipeline{engine: eng, bus: bus, logger: logger, cfg: cfg.withDefaults()}
}

func (p *Pipeline) lockFor(transactionID string) *sync.Mutex {
	l, _ := p.locks.LoadOrStore(transactionID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// ProcessBatch runs one batch of status updates through the engine (§4.6
// points 1-3): group by transactionId preserving order, obtain exclusive
// access per group, invoke the engine, then publish its outbound events
// (point 4). It returns once every partition in the batch has either
// published successfully or exhausted its retry budget; a non-nil error
// means at least one partition's outbound effects could not be delivered.
// cmd/sagapm-worker returns that error to its JetStream consumer, which NAKs
// the message so it is redelivered; the worker process does not exit on it.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch []types.TaskStatusUpdate) error {
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.ObserveBatchSize(len(batch))
	}
	groups := groupByTransaction(batch)

	wp := pool.New().WithErrors().WithMaxGoroutines(p.cfg.MaxConcurrency)
	for _, g := range groups {
		group := g
		wp.Go(func() error {
			return p.processGroup(ctx, group)
		})
	}
	return wp.Wait()
}

func (p *Pipeline) processGroup(ctx context.Context, updates []types.TaskStatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	transactionID := updates[0].TransactionID

	lock := p.lockFor(transactionID)
	lock.Lock()
	defer lock.Unlock()

	events := p.engine.Apply(ctx, updates)

	for _, event := range events {
		if err := p.publishWithRetry(ctx, event); err != nil {
			return fmt.Errorf("transaction %q: %w", transactionID, err)
		}
	}
	return nil
}

// ProcessTimer handles one fired timer (retry delay, Schedule completion, or
// AckTimeOut/Timeout watchdog) under the same per-transaction lock ProcessBatch
// uses, so a timer firing concurrently with a worker's task-update never
// races the engine for its transaction (§4.6, §4.7).
func (p *Pipeline) ProcessTimer(ctx context.Context, t types.Timer) error {
	lock := p.lockFor(t.TransactionID)
	lock.Lock()
	defer lock.Unlock()

	events, err := p.engine.ResumeTimer(ctx, t)
	if err != nil {
		return fmt.Errorf("transaction %q: resume timer %q: %w", t.TransactionID, t.Kind, err)
	}
	for _, event := range events {
		if err := p.publishWithRetry(ctx, event); err != nil {
			return fmt.Errorf("transaction %q: %w", t.TransactionID, err)
		}
	}
	return nil
}

// publishWithRetry publishes one outbound event with bounded exponential
// backoff (§4.6 point 4). Events are never dropped silently on
// BusUnavailable; an exhausted retry budget is surfaced to the caller.
func (p *Pipeline) publishWithRetry(ctx context.Context, event types.DomainEvent) error {
	delay := p.cfg.PublishBackoff
	var lastErr error
	for attempt := 0; attempt < p.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err := p.bus.SendEvent(ctx, event); err != nil {
			lastErr = err
			p.logger.Error().Str("transactionId", event.TransactionID).Err(err).Msg("publish outbound event failed, retrying")
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: publish event after %d attempts: %v", types.ErrBusUnavailable, p.cfg.PublishRetries, lastErr)
}

// groupByTransaction partitions a batch by transactionId while preserving
// the relative order of updates that share a transactionId, and preserving
// the order in which distinct transactionIds were first seen so unrelated
// partitions don't starve each other under MaxGoroutines pressure.
func groupByTransaction(batch []types.TaskStatusUpdate) [][]types.TaskStatusUpdate {
	index := make(map[string]int)
	var groups [][]types.TaskStatusUpdate
	for _, u := range batch {
		i, ok := index[u.TransactionID]
		if !ok {
			i = len(groups)
			index[u.TransactionID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], u)
	}
	return groups
}
