package positionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fundingarb/pkg/types"
)

// UpsertSession writes the current session row, inserting on first call and
// overwriting every mutable field on every call after (heartbeat, stage,
// paused flag) — the row is the dashboard's only durable record of a
// session once the process exits.
func (s *Store) UpsertSession(ctx context.Context, session types.Session) error {
	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("upsert session: marshal metadata: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, strategy_tag, started_at, last_heartbeat, health, stage, paused, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_heartbeat = excluded.last_heartbeat,
			health = excluded.health,
			stage = excluded.stage,
			paused = excluded.paused,
			metadata_json = excluded.metadata_json`,
		session.ID, session.StrategyTag, session.StartedAt.UTC().Format(time.RFC3339Nano),
		session.LastHeartbeat.UTC().Format(time.RFC3339Nano), string(session.Health), string(session.Stage),
		boolToInt(session.Paused), metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// RecordDashboardSnapshot persists one DashboardSnapshot payload (already
// JSON-encoded by the caller) and trims the table back down to retain
// keeps the newest keep rows for that session, per §6.5's
// dashboard.snapshot_retention knob. A non-positive keep disables trimming.
func (s *Store) RecordDashboardSnapshot(ctx context.Context, sessionID string, payload []byte, takenAt time.Time, keep int) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO dashboard_snapshots (id, session_id, taken_at, payload_json)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), sessionID, takenAt.UTC().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return fmt.Errorf("record dashboard snapshot: %w", err)
	}
	if keep > 0 {
		if err := s.trimDashboardTable(ctx, "dashboard_snapshots", "taken_at", sessionID, keep); err != nil {
			return fmt.Errorf("record dashboard snapshot: trim: %w", err)
		}
	}
	return nil
}

// RecordDashboardEvent persists one TimelineEvent and trims to
// dashboard.event_retention for that session.
func (s *Store) RecordDashboardEvent(ctx context.Context, sessionID, kind string, payload []byte, occurredAt time.Time, keep int) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO dashboard_events (id, session_id, occurred_at, kind, payload_json)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, occurredAt.UTC().Format(time.RFC3339Nano), kind, payload,
	)
	if err != nil {
		return fmt.Errorf("record dashboard event: %w", err)
	}
	if keep > 0 {
		if err := s.trimDashboardTable(ctx, "dashboard_events", "occurred_at", sessionID, keep); err != nil {
			return fmt.Errorf("record dashboard event: trim: %w", err)
		}
	}
	return nil
}

// trimDashboardTable deletes every row for sessionID older than the newest
// keep rows, ordered by timeCol descending.
func (s *Store) trimDashboardTable(ctx context.Context, table, timeCol, sessionID string, keep int) error {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM %s WHERE session_id = ? ORDER BY %s DESC LIMIT ?
		)`, table, table, timeCol)
	_, err := s.db.conn.ExecContext(ctx, query, sessionID, sessionID, keep)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
