package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Candidate statuses.
const (
	CandidatePending    = "pending"
	CandidateSent       = "sent"
	CandidateSuppressed = "suppressed"
)

// Candidate is a queued notification awaiting a decision sweep.
type Candidate struct {
	ID          string
	UserID      string
	Type        string
	Channel     string // requested channel; empty lets the engine choose
	ContentRef  string
	Priority    int
	Status      string
	ScheduledAt int64
	CreatedAt   int64
	DecidedAt   *int64
	Reason      string
	Variant     string
}

// EventSeen reports whether an event id is already in the idempotency table.
func (db *DB) EventSeen(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_events WHERE event_id = ?
	`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("event seen: %w", err)
	}
	return n > 0, nil
}

// RecordEvent writes the updated score row and the idempotency mark in one
// transaction, so an applied event either fully lands or leaves no trace.
// Returns false without committing when the event id was already marked —
// the score write is rolled back and the first delivery stands.
func (db *DB) RecordEvent(ctx context.Context, s *ChannelTypeScore, eventID string, seenAt int64) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin record event: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channel_scores (user_id, ntype, channel, engagement_score, send_count, last_sent_at, last_engaged_at, decay_anchor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, ntype, channel) DO UPDATE SET
			engagement_score = excluded.engagement_score,
			send_count       = excluded.send_count,
			last_sent_at     = excluded.last_sent_at,
			last_engaged_at  = excluded.last_engaged_at,
			decay_anchor     = excluded.decay_anchor
	`, s.UserID, s.Type, s.Channel, s.EngagementScore, s.SendCount,
		nullableInt(s.LastSentAt), nullableInt(s.LastEngagedAt), s.DecayAnchor); err != nil {
		return false, fmt.Errorf("write score row: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, seen_at) VALUES (?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, seenAt)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit record event: %w", err)
	}
	return true, nil
}

// EnqueueCandidate stores a pending candidate for a later decision sweep.
func (db *DB) EnqueueCandidate(ctx context.Context, c *Candidate) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO candidates (id, user_id, ntype, channel, content_ref, priority, status, scheduled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
	`, c.ID, c.UserID, c.Type, c.Channel, c.ContentRef, c.Priority, c.ScheduledAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue candidate: %w", err)
	}
	c.Status = CandidatePending
	return nil
}

// DueCandidates returns pending candidates whose scheduled time has passed,
// highest priority first, then oldest.
func (db *DB) DueCandidates(ctx context.Context, now int64, limit int) ([]Candidate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, ntype, channel, content_ref, priority, status, scheduled_at, created_at, decided_at, reason, variant
		FROM candidates
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY priority DESC, scheduled_at
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due candidates: %w", err)
	}
	defer rows.Close()

	var cands []Candidate
	for rows.Next() {
		var c Candidate
		var decidedAt sql.NullInt64
		var reason, variant sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.Type, &c.Channel, &c.ContentRef,
			&c.Priority, &c.Status, &c.ScheduledAt, &c.CreatedAt,
			&decidedAt, &reason, &variant); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if decidedAt.Valid {
			c.DecidedAt = &decidedAt.Int64
		}
		c.Reason = reason.String
		c.Variant = variant.String
		cands = append(cands, c)
	}
	return cands, rows.Err()
}

// ResolveCandidate marks a candidate decided. chosenChannel overwrites the
// stored channel when the engine picked one.
func (db *DB) ResolveCandidate(ctx context.Context, id, status, reason, variant, chosenChannel string, decidedAt int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE candidates
		SET status = ?, reason = ?, variant = ?, decided_at = ?,
		    channel = CASE WHEN ? != '' THEN ? ELSE channel END
		WHERE id = ?
	`, status, reason, variant, decidedAt, chosenChannel, chosenChannel, id)
	if err != nil {
		return fmt.Errorf("resolve candidate: %w", err)
	}
	return nil
}
