package engine

import (
	"context"
	"time"

	"github.com/signalworks/nudge/internal/sink"
	"github.com/signalworks/nudge/internal/store"
)

// Score rows untouched for this long get picked up by the scoring sweep.
const idleAnchorAge = 24 * time.Hour

// RunScoringSweep applies pure decay to score rows whose anchor has gone
// stale, so idle profiles drift down without waiting for their next event.
// Returns the number of distinct profiles updated.
func (e *Engine) RunScoringSweep(ctx context.Context, batchSize int) (int, error) {
	now := e.now()
	cutoff := now.Add(-idleAnchorAge).UnixMilli()

	idle, err := e.db.IdleScores(ctx, cutoff, batchSize)
	if err != nil {
		return 0, storeErr(err)
	}

	users := make(map[string]bool)
	for _, stale := range idle {
		if err := ctx.Err(); err != nil {
			return len(users), err
		}

		lock := e.lockUser(stale.UserID)
		updated, err := e.decayScore(ctx, stale.UserID, stale.Type, stale.Channel, cutoff, now)
		e.unlockUser(stale.UserID, lock)
		if err != nil {
			return len(users), err
		}
		if updated {
			users[stale.UserID] = true
		}
	}

	if len(users) > 0 {
		e.log.WithField("profiles", len(users)).Info("scoring sweep applied decay")
	}
	return len(users), nil
}

// decayScore re-reads one score row under the user lock and decays it to
// now. The re-read matters: the row may have moved since the sweep batch
// was selected, and decay must never run twice for the same span. Returns
// whether the row was actually written.
func (e *Engine) decayScore(ctx context.Context, userID, ntype, channel string, cutoff int64, now time.Time) (bool, error) {
	score, err := e.db.GetScore(ctx, userID, ntype, channel)
	if err != nil {
		return false, storeErr(err)
	}
	if score == nil || score.DecayAnchor >= cutoff {
		return false, nil
	}

	nowMs := now.UnixMilli()
	score.EngagementScore = clamp01(score.EngagementScore * decayFactor(nowMs-score.DecayAnchor, e.cfg.HalfLifeSeconds))
	score.DecayAnchor = nowMs
	if err := e.db.UpsertScore(ctx, score); err != nil {
		return false, storeErr(err)
	}
	return true, nil
}

// RunDecisionSweep decides a batch of candidates in order. Results line up
// with the input; the first store failure aborts the rest.
func (e *Engine) RunDecisionSweep(ctx context.Context, cands []Candidate) ([]Decision, error) {
	decisions := make([]Decision, 0, len(cands))
	for _, cand := range cands {
		dec, err := e.Decide(ctx, cand)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, *dec)
	}
	return decisions, nil
}

// ProcessDueCandidates drains due queued candidates: decide each, hand the
// admitted ones to the delivery sinks, and mark the row. Store failures
// leave the candidate pending for the next sweep. Returns the number of
// candidates resolved.
func (e *Engine) ProcessDueCandidates(ctx context.Context, batchSize int) (int, error) {
	now := e.now()
	due, err := e.db.DueCandidates(ctx, now.UnixMilli(), batchSize)
	if err != nil {
		return 0, storeErr(err)
	}

	resolved := 0
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}

		dec, err := e.Decide(ctx, Candidate{
			ID:         c.ID,
			UserID:     c.UserID,
			Type:       c.Type,
			Channel:    c.Channel,
			ContentRef: c.ContentRef,
			Priority:   c.Priority,
		})
		if err != nil {
			e.log.WithError(err).WithField("candidate", c.ID).Warn("decision sweep: decide failed, will retry")
			continue
		}

		status := store.CandidateSuppressed
		if dec.Send {
			status = store.CandidateSent
			e.deliver(ctx, c, dec)
		}
		if err := e.db.ResolveCandidate(ctx, c.ID, status, dec.Reason, dec.Variant, dec.Channel, now.UnixMilli()); err != nil {
			e.log.WithError(err).WithField("candidate", c.ID).Warn("decision sweep: resolve failed")
			continue
		}
		resolved++
	}

	if resolved > 0 {
		e.log.WithField("candidates", resolved).Info("decision sweep resolved candidates")
	}
	return resolved, nil
}

// deliver hands an admitted notification to the channel's sink. Sinks are
// external collaborators: a failure is logged, never retried here.
func (e *Engine) deliver(ctx context.Context, c store.Candidate, dec *Decision) {
	if e.sinks == nil {
		return
	}
	err := e.sinks.Deliver(ctx, sink.Delivery{
		NotificationID: c.ID,
		UserID:         c.UserID,
		Type:           c.Type,
		Channel:        dec.Channel,
		ContentRef:     dec.ContentRef,
		Variant:        dec.Variant,
	})
	if err != nil {
		e.log.WithError(err).WithFields(map[string]any{
			"candidate": c.ID,
			"channel":   dec.Channel,
		}).Error("delivery sink failed")
	}
}
