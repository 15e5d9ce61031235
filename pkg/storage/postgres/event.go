package postgres

import (
	"context"
	"fmt"

	"github.com/noetl/noetl/pkg/storage"
	"github.com/noetl/noetl/pkg/types"
)

const eventColumns = `event_id, execution_id, parent_event_id, event_type, node_name, node_instance, status, resource_path, resource_version, payload, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*types.Event, error) {
	var ev types.Event
	var payload []byte
	err := row.Scan(
		&ev.ID, &ev.ExecutionID, &ev.ParentEventID, &ev.Type, &ev.NodeName,
		&ev.NodeInstance, &ev.Status, &ev.ResourcePath, &ev.ResourceVersion,
		&payload, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unjsonb(payload, &ev.Payload); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *types.Event) error {
	payload, err := jsonb(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO noetl.event (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.ExecutionID, ev.ParentEventID, ev.Type, ev.NodeName,
		ev.NodeInstance, ev.Status, ev.ResourcePath, ev.ResourceVersion,
		payload, ev.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %d: %w", ev.ID, storage.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, executionID, afterID int64, limit int) ([]*types.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM noetl.event
		WHERE execution_id = $1 AND event_id > $2
		ORDER BY event_id
		LIMIT CASE WHEN $3 > 0 THEN $3 END`,
		executionID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) ListUnclaimedEvents(ctx context.Context, limit int) ([]*types.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM noetl.event e
		WHERE NOT EXISTS (
			SELECT 1 FROM noetl.event_claim c WHERE c.event_id = e.event_id
		)
		ORDER BY event_id
		LIMIT CASE WHEN $1 > 0 THEN $1 END`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ClaimEvent records the first claimant of an event. The primary key
// on event_id makes the insert race-free: exactly one broker gets
// claimed=true for a given event.
func (s *Store) ClaimEvent(ctx context.Context, eventID int64, claimant string) (bool, error) {
	cmd, err := s.pool.Exec(ctx, `
		INSERT INTO noetl.event_claim (event_id, claimant)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, claimant)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *Store) CountUnclaimedEvents(ctx context.Context, executionID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM noetl.event e
		WHERE e.execution_id = $1 AND NOT EXISTS (
			SELECT 1 FROM noetl.event_claim c WHERE c.event_id = e.event_id
		)`,
		executionID).Scan(&count)
	return count, err
}
