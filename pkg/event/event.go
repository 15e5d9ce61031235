// Package event fronts the append-only execution log. Every state
// transition in the system lands here as an immutable record; brokers
// consume the log through claims and the CLI tails it for status.
package event

import (
	"context"
	"time"

	"github.com/noetl/noetl/pkg/identity"
	"github.com/noetl/noetl/pkg/metrics"
	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

// followPollInterval is how often Follow re-reads the log
const followPollInterval = 250 * time.Millisecond

// Service appends to and reads from the event log
type Service struct {
	store storage.Store
	ids   *identity.Generator
}

// NewService creates an event service
func NewService(store storage.Store, ids *identity.Generator) *Service {
	return &Service{store: store, ids: ids}
}

// Append persists an event, allocating its id and timestamp when
// unset, and returns the event id.
func (s *Service) Append(ctx context.Context, ev *types.Event) (int64, error) {
	if ev.ID == 0 {
		ev.ID = s.ids.Next()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return 0, err
	}
	metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	return ev.ID, nil
}

// List returns an execution's events ordered by id, after the given
// id, up to limit (0 means no limit).
func (s *Service) List(ctx context.Context, executionID, afterID int64, limit int) ([]*types.Event, error) {
	return s.store.ListEvents(ctx, executionID, afterID, limit)
}

// Unclaimed returns events no broker has claimed yet, oldest first
func (s *Service) Unclaimed(ctx context.Context, limit int) ([]*types.Event, error) {
	return s.store.ListUnclaimedEvents(ctx, limit)
}

// Claim contends for an event on behalf of a claimant. Exactly one
// caller wins a given event.
func (s *Service) Claim(ctx context.Context, eventID int64, claimant string) (bool, error) {
	return s.store.ClaimEvent(ctx, eventID, claimant)
}

// CountUnclaimed reports how many of an execution's events still
// await a broker.
func (s *Service) CountUnclaimed(ctx context.Context, executionID int64) (int, error) {
	return s.store.CountUnclaimedEvents(ctx, executionID)
}

// Follow tails an execution's log from afterID, delivering events in
// order until the context ends. The channel closes on context
// cancellation or when stop returns true for a delivered event.
func (s *Service) Follow(ctx context.Context, executionID, afterID int64, stop func(*types.Event) bool) <-chan *types.Event {
	ch := make(chan *types.Event, 16)
	go func() {
		defer close(ch)
		last := afterID
		ticker := time.NewTicker(followPollInterval)
		defer ticker.Stop()
		for {
			events, err := s.store.ListEvents(ctx, executionID, last, 0)
			if err != nil {
				return
			}
			for _, ev := range events {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
				last = ev.ID
				if stop != nil && stop(ev) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}
