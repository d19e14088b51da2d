package engine

import (
	"context"
	"time"
)

const dailyWindow = 24 * time.Hour

// tryAdmit enforces the daily cap and the per-type cooldown, and on success
// records the send (send log append + score stamp) before returning. The
// caller must hold the user's lock so check-and-record is indivisible with
// respect to concurrent admissions for the same user; persistence itself is
// a single transaction, so a store failure leaves no partial side effects.
func (e *Engine) tryAdmit(ctx context.Context, userID, ntype, channel string, now time.Time) (bool, string, error) {
	nowMs := now.UnixMilli()
	windowStart := now.Add(-dailyWindow).UnixMilli()

	sent, err := e.db.CountRecentSends(ctx, userID, windowStart)
	if err != nil {
		return false, "", storeErr(err)
	}
	if sent >= e.cfg.MaxPerDay {
		return false, ReasonDailyCapExceeded, nil
	}

	// Cooldown applies to the notification type as a whole: the most
	// recent send on any channel counts.
	scores, err := e.db.ScoresForType(ctx, userID, ntype)
	if err != nil {
		return false, "", storeErr(err)
	}
	for _, s := range scores {
		if s.LastSentAt == nil {
			continue
		}
		if nowMs-*s.LastSentAt < e.cfg.Cooldown.Milliseconds() {
			return false, ReasonCooldownActive, nil
		}
	}

	if err := e.db.EnsureProfile(ctx, userID, nowMs); err != nil {
		return false, "", storeErr(err)
	}
	if err := e.db.RecordSend(ctx, userID, ntype, channel, nowMs, windowStart); err != nil {
		return false, "", storeErr(err)
	}
	return true, "", nil
}
