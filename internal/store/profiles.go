package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Profile is the per-user root row. Scores, opt-ins, and the send log hang
// off it keyed by user id.
type Profile struct {
	UserID    string
	CreatedAt int64
}

// ChannelTypeScore is the per-(user, notification type, channel) aggregate.
// EngagementScore is only ever written through the decay-then-bump rule in
// the engine; the store never computes scores itself.
type ChannelTypeScore struct {
	UserID          string
	Type            string
	Channel         string
	EngagementScore float64
	SendCount       int64
	LastSentAt      *int64
	LastEngagedAt   *int64
	DecayAnchor     int64
}

// EnsureProfile creates the profile row if absent. First write wins; racing
// creators all succeed and observe the same row.
func (db *DB) EnsureProfile(ctx context.Context, userID string, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, created_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now)
	if err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	return nil
}

// GetProfile returns the profile row, or nil if the user is unknown.
func (db *DB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := db.QueryRowContext(ctx, `
		SELECT user_id, created_at FROM profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// GetScore returns the score row for one (user, type, channel), or nil.
func (db *DB) GetScore(ctx context.Context, userID, ntype, channel string) (*ChannelTypeScore, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, ntype, channel, engagement_score, send_count, last_sent_at, last_engaged_at, decay_anchor
		FROM channel_scores WHERE user_id = ? AND ntype = ? AND channel = ?
	`, userID, ntype, channel)

	s, err := scanScore(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get score: %w", err)
	}
	return s, nil
}

// UpsertScore writes a score row back, inserting it on first touch.
func (db *DB) UpsertScore(ctx context.Context, s *ChannelTypeScore) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO channel_scores (user_id, ntype, channel, engagement_score, send_count, last_sent_at, last_engaged_at, decay_anchor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, ntype, channel) DO UPDATE SET
			engagement_score = excluded.engagement_score,
			send_count       = excluded.send_count,
			last_sent_at     = excluded.last_sent_at,
			last_engaged_at  = excluded.last_engaged_at,
			decay_anchor     = excluded.decay_anchor
	`, s.UserID, s.Type, s.Channel, s.EngagementScore, s.SendCount,
		nullableInt(s.LastSentAt), nullableInt(s.LastEngagedAt), s.DecayAnchor)
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	return nil
}

// ScoresForType returns all score rows for one user and notification type.
func (db *DB) ScoresForType(ctx context.Context, userID, ntype string) ([]ChannelTypeScore, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, ntype, channel, engagement_score, send_count, last_sent_at, last_engaged_at, decay_anchor
		FROM channel_scores WHERE user_id = ? AND ntype = ? ORDER BY channel
	`, userID, ntype)
	if err != nil {
		return nil, fmt.Errorf("scores for type: %w", err)
	}
	defer rows.Close()
	return scanScores(rows)
}

// AllScores returns every score row for a user, ordered for stable output.
func (db *DB) AllScores(ctx context.Context, userID string) ([]ChannelTypeScore, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, ntype, channel, engagement_score, send_count, last_sent_at, last_engaged_at, decay_anchor
		FROM channel_scores WHERE user_id = ? ORDER BY ntype, channel
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("all scores: %w", err)
	}
	defer rows.Close()
	return scanScores(rows)
}

// CountRecentSends counts send-log entries at or after the given timestamp.
func (db *DB) CountRecentSends(ctx context.Context, userID string, since int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_log WHERE user_id = ? AND sent_at >= ?
	`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent sends: %w", err)
	}
	return n, nil
}

// RecordSend appends to the send log, prunes entries that fell out of the
// 24h window, and stamps the score row — one transaction, so an admission
// either fully lands or leaves no trace.
func (db *DB) RecordSend(ctx context.Context, userID, ntype, channel string, now, pruneBefore int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record send: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO send_log (user_id, sent_at) VALUES (?, ?)
	`, userID, now); err != nil {
		return fmt.Errorf("append send log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM send_log WHERE user_id = ? AND sent_at < ?
	`, userID, pruneBefore); err != nil {
		return fmt.Errorf("prune send log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO channel_scores (user_id, ntype, channel, engagement_score, send_count, last_sent_at, decay_anchor)
		VALUES (?, ?, ?, 0, 1, ?, ?)
		ON CONFLICT (user_id, ntype, channel) DO UPDATE SET
			send_count   = send_count + 1,
			last_sent_at = excluded.last_sent_at
	`, userID, ntype, channel, now, now); err != nil {
		return fmt.Errorf("stamp score row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record send: %w", err)
	}
	return nil
}

// RecentSends returns the send-log entries at or after the given timestamp,
// oldest first.
func (db *DB) RecentSends(ctx context.Context, userID string, since int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sent_at FROM send_log WHERE user_id = ? AND sent_at >= ? ORDER BY sent_at
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("recent sends: %w", err)
	}
	defer rows.Close()

	var sends []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		sends = append(sends, ts)
	}
	return sends, rows.Err()
}

// SetChannelOptIn records an explicit per-channel preference for a user.
func (db *DB) SetChannelOptIn(ctx context.Context, userID, channel string, optedIn bool) error {
	v := 0
	if optedIn {
		v = 1
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO channel_optins (user_id, channel, opted_in) VALUES (?, ?, ?)
		ON CONFLICT (user_id, channel) DO UPDATE SET opted_in = excluded.opted_in
	`, userID, channel, v)
	if err != nil {
		return fmt.Errorf("set channel optin: %w", err)
	}
	return nil
}

// ChannelOptIns returns the explicit opt-in map for a user. Channels the
// user never stated a preference for are absent from the map.
func (db *DB) ChannelOptIns(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT channel, opted_in FROM channel_optins WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("channel optins: %w", err)
	}
	defer rows.Close()

	optins := make(map[string]bool)
	for rows.Next() {
		var channel string
		var opted int
		if err := rows.Scan(&channel, &opted); err != nil {
			return nil, fmt.Errorf("scan optin: %w", err)
		}
		optins[channel] = opted != 0
	}
	return optins, rows.Err()
}

// IdleScores returns score rows whose decay anchor is older than the cutoff,
// oldest first, for the reconciliation sweep.
func (db *DB) IdleScores(ctx context.Context, olderThan int64, limit int) ([]ChannelTypeScore, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, ntype, channel, engagement_score, send_count, last_sent_at, last_engaged_at, decay_anchor
		FROM channel_scores WHERE decay_anchor < ? ORDER BY decay_anchor LIMIT ?
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("idle scores: %w", err)
	}
	defer rows.Close()
	return scanScores(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (*ChannelTypeScore, error) {
	var s ChannelTypeScore
	var lastSent, lastEngaged sql.NullInt64
	err := row.Scan(&s.UserID, &s.Type, &s.Channel, &s.EngagementScore,
		&s.SendCount, &lastSent, &lastEngaged, &s.DecayAnchor)
	if err != nil {
		return nil, err
	}
	if lastSent.Valid {
		s.LastSentAt = &lastSent.Int64
	}
	if lastEngaged.Valid {
		s.LastEngagedAt = &lastEngaged.Int64
	}
	return &s, nil
}

func scanScores(rows *sql.Rows) ([]ChannelTypeScore, error) {
	var scores []ChannelTypeScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		scores = append(scores, *s)
	}
	return scores, rows.Err()
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
