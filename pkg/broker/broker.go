package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/event"
	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/log"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/template"
	"github.com/noetl/noetl/pkg/types"
)

// Config tunes one broker instance
type Config struct {
	// PollInterval is the idle delay between event batches
	PollInterval time.Duration
	// BatchSize caps how many unclaimed events one cycle takes
	BatchSize int
	// SweepInterval is the housekeeping cadence: lease sweep and
	// keychain eviction
	SweepInterval time.Duration
	// LoopConcurrency caps async loop dispatch when the step does
	// not set its own
	LoopConcurrency int
}

const (
	defaultPollInterval    = 250 * time.Millisecond
	defaultBatchSize       = 64
	defaultSweepInterval   = 5 * time.Second
	defaultLoopConcurrency = 4
)

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.LoopConcurrency <= 0 {
		c.LoopConcurrency = defaultLoopConcurrency
	}
}

// Broker turns events into work. It claims events from the log,
// advances executions through their workflow graphs, enqueues jobs for
// workers, and closes executions when their graphs drain. Any number
// of brokers can run against the same store; event claims keep each
// side effect exactly-once.
type Broker struct {
	id       string
	cfg      Config
	store    storage.Store
	ids      *identity.Generator
	catalog  *catalog.Service
	events   *event.Service
	queue    *queue.Service
	keychain *keychain.Service
	renderer *template.Renderer
	log      zerolog.Logger
}

// New creates a broker over shared services
func New(store storage.Store, ids *identity.Generator, cat *catalog.Service, events *event.Service, q *queue.Service, kc *keychain.Service, cfg Config) *Broker {
	cfg.defaults()
	id := "broker-" + uuid.NewString()[:8]
	return &Broker{
		id:       id,
		cfg:      cfg,
		store:    store,
		ids:      ids,
		catalog:  cat,
		events:   events,
		queue:    q,
		keychain: kc,
		renderer: template.New(),
		log:      log.WithComponent("broker").With().Str("broker_id", id).Logger(),
	}
}

// ID returns the broker's instance id, used as the event claimant
func (b *Broker) ID() string { return b.id }

// Run polls the event log until the context ends. Poll errors back
// off exponentially instead of hot-looping against a sick store.
func (b *Broker) Run(ctx context.Context) error {
	b.log.Info().
		Dur("poll_interval", b.cfg.PollInterval).
		Int("batch_size", b.cfg.BatchSize).
		Msg("broker started")

	sweep := time.NewTicker(b.cfg.SweepInterval)
	defer sweep.Stop()

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0 // keep serving; the delay alone is the remedy

	for {
		processed, err := b.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := retry.NextBackOff()
			b.log.Error().Err(err).Dur("backoff", delay).Msg("event cycle failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		retry.Reset()

		if processed > 0 {
			// Drain bursts before sleeping again
			continue
		}
		select {
		case <-ctx.Done():
			b.log.Info().Msg("broker stopped")
			return ctx.Err()
		case <-sweep.C:
			b.housekeep(ctx)
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// Step claims and applies one batch of events, returning how many this
// broker won. Exposed so local mode can drive the broker without the
// polling loop.
func (b *Broker) Step(ctx context.Context) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BrokerCycleDuration)

	pending, err := b.events.Unclaimed(ctx, b.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unclaimed events: %w", err)
	}

	processed := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		won, err := b.events.Claim(ctx, ev.ID, b.id)
		if err != nil {
			return processed, fmt.Errorf("claim event %d: %w", ev.ID, err)
		}
		if !won {
			continue
		}
		processed++
		metrics.BrokerEventsProcessed.WithLabelValues(string(ev.Type)).Inc()
		if err := b.apply(ctx, ev); err != nil {
			// The claim is spent; the failure is surfaced, not retried.
			// Store-level writes inside apply have their own retries.
			b.log.Error().Err(err).
				Int64("event_id", ev.ID).
				Str("event_type", string(ev.Type)).
				Int64("execution_id", ev.ExecutionID).
				Msg("event apply failed")
		}
	}
	return processed, nil
}

// apply routes one claimed event to its handler. Event kinds that
// carry no broker side effects are claimed and dropped so the
// unclaimed backlog stays empty.
func (b *Broker) apply(ctx context.Context, ev *types.Event) error {
	switch ev.Type {
	case types.EventExecutionStarted:
		return b.onExecutionStarted(ctx, ev)
	case types.EventStepCompleted:
		return b.onStepCompleted(ctx, ev)
	case types.EventActionCompleted, types.EventActionError:
		return b.onActionFinished(ctx, ev)
	default:
		return nil
	}
}

// housekeep reclaims expired leases and evicts stale keychain entries
func (b *Broker) housekeep(ctx context.Context) {
	swept, err := b.queue.Sweep(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("lease sweep failed")
	}
	for _, job := range swept {
		metrics.JobsSwept.Inc()
		b.log.Warn().
			Int64("queue_id", job.ID).
			Int64("execution_id", job.ExecutionID).
			Str("step", job.Action.StepName).
			Str("worker_id", job.WorkerID).
			Msg("lease expired, job requeued")
		b.emit(ctx, &types.Event{
			ExecutionID:  job.ExecutionID,
			Type:         types.EventActionError,
			NodeName:     job.Action.StepName,
			NodeInstance: identity.Render(job.Action.StepEventID),
			Status:       "error",
			Payload: map[string]any{
				"lease_lost": true,
				"attempt":    job.Attempts,
				"error": map[string]any{
					"kind":    "transient",
					"message": "worker lease expired",
				},
			},
		})
	}

	if evicted, err := b.keychain.Evict(ctx); err != nil {
		b.log.Error().Err(err).Msg("keychain eviction failed")
	} else if evicted > 0 {
		metrics.KeychainEvictions.Add(float64(evicted))
		b.log.Debug().Int("evicted", evicted).Msg("keychain entries evicted")
	}
}

// emit appends an event, logging instead of failing the caller when
// the append itself fails. Used for advisory events only; events that
// drive routing return their errors.
func (b *Broker) emit(ctx context.Context, ev *types.Event) {
	if _, err := b.events.Append(ctx, ev); err != nil {
		b.log.Error().Err(err).
			Str("event_type", string(ev.Type)).
			Int64("execution_id", ev.ExecutionID).
			Msg("event append failed")
	}
}
