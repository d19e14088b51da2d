package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/signalworks/nudge/internal/store"
)

// ApplyEvent folds one engagement event into the user's channel/type score:
// exponential time-decay to the event timestamp, then the action bump,
// clamped to [0,1]. Returns the updated score and whether the event was
// applied (false means it was a redelivery and was ignored).
//
// The profile is created lazily on first event; out-of-order events skip the
// decay step but still bump. Redeliveries are detected through the
// idempotency key and never alter scores a second time.
func (e *Engine) ApplyEvent(ctx context.Context, ev Event) (*store.ChannelTypeScore, bool, error) {
	if err := validateEvent(ev); err != nil {
		return nil, false, err
	}
	bump, ok := e.cfg.ActionBumps[ev.Action]
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown action %q", ErrValidation, ev.Action)
	}
	key := ev.idempotencyKey()

	lock := e.lockUser(ev.UserID)
	defer e.unlockUser(ev.UserID, lock)

	seen, err := e.db.EventSeen(ctx, key)
	if err != nil {
		return nil, false, storeErr(err)
	}
	if seen {
		cur, err := e.db.GetScore(ctx, ev.UserID, ev.Type, ev.Channel)
		if err != nil {
			return nil, false, storeErr(err)
		}
		return cur, false, nil
	}

	ts := ev.Timestamp.UnixMilli()
	if err := e.db.EnsureProfile(ctx, ev.UserID, ts); err != nil {
		return nil, false, storeErr(err)
	}

	score, err := e.db.GetScore(ctx, ev.UserID, ev.Type, ev.Channel)
	if err != nil {
		return nil, false, storeErr(err)
	}
	if score == nil {
		score = &store.ChannelTypeScore{
			UserID:      ev.UserID,
			Type:        ev.Type,
			Channel:     ev.Channel,
			DecayAnchor: ts,
		}
	}

	if ts < score.DecayAnchor {
		e.log.WithFields(map[string]any{
			"user":   ev.UserID,
			"event":  key,
			"anchor": score.DecayAnchor,
			"ts":     ts,
		}).Info("out-of-order event, skipping decay")
	} else {
		score.EngagementScore *= decayFactor(ts-score.DecayAnchor, e.cfg.HalfLifeSeconds)
		score.DecayAnchor = ts
	}

	score.EngagementScore = clamp01(score.EngagementScore + bump)
	if isEngagementPositive(ev.Action) {
		engaged := ts
		score.LastEngagedAt = &engaged
	}

	// Score write and idempotency mark commit together: a failure here
	// leaves no partial state, so the collector's redelivery applies the
	// bump exactly once.
	fresh, err := e.db.RecordEvent(ctx, score, key, e.now().UnixMilli())
	if err != nil {
		return nil, false, storeErr(err)
	}
	if !fresh {
		cur, err := e.db.GetScore(ctx, ev.UserID, ev.Type, ev.Channel)
		if err != nil {
			return nil, false, storeErr(err)
		}
		return cur, false, nil
	}

	e.attributeEvent(ctx, ev)
	return score, true, nil
}

// attributeEvent records the action against the user's variant for every
// active test covering this notification type. Best effort: attribution
// failures are logged, never surfaced to the ingestion path.
func (e *Engine) attributeEvent(ctx context.Context, ev Event) {
	tests, err := e.db.ActiveTestsForType(ctx, ev.Type)
	if err != nil {
		e.log.WithError(err).Warn("attribution: list active tests")
		return
	}
	for _, t := range tests {
		a, err := e.db.GetAssignment(ctx, t.ID, ev.UserID)
		if err != nil {
			e.log.WithError(err).WithField("test", t.ID).Warn("attribution: get assignment")
			continue
		}
		if a == nil {
			continue
		}
		if err := e.db.AddOutcome(ctx, t.ID, a.Variant, ev.Action, 1); err != nil {
			e.log.WithError(err).WithField("test", t.ID).Warn("attribution: add outcome")
		}
	}
}

func validateEvent(ev Event) error {
	switch {
	case ev.UserID == "":
		return fmt.Errorf("%w: user id required", ErrValidation)
	case ev.Type == "":
		return fmt.Errorf("%w: notification type required", ErrValidation)
	case ev.Channel == "":
		return fmt.Errorf("%w: channel required", ErrValidation)
	case ev.Action == "":
		return fmt.Errorf("%w: action required", ErrValidation)
	case ev.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp required", ErrValidation)
	}
	return nil
}

// idempotencyKey is the event id when the collector supplied one, otherwise
// a stable hash of the identifying fields.
func (ev Event) idempotencyKey() string {
	if ev.ID != "" {
		return ev.ID
	}
	h := xxhash.New()
	h.WriteString(ev.NotificationID)
	h.WriteString("|")
	h.WriteString(ev.UserID)
	h.WriteString("|")
	h.WriteString(ev.Type)
	h.WriteString("|")
	h.WriteString(ev.Channel)
	h.WriteString("|")
	h.WriteString(ev.Action)
	h.WriteString("|")
	h.WriteString(strconv.FormatInt(ev.Timestamp.UnixMilli(), 10))
	return "evt-" + strconv.FormatUint(h.Sum64(), 16)
}

// decayFactor returns exp(-Δt/halfLife) for a Δt in milliseconds.
func decayFactor(deltaMs int64, halfLifeSeconds float64) float64 {
	if deltaMs <= 0 {
		return 1
	}
	return math.Exp(-(float64(deltaMs) / 1000.0) / halfLifeSeconds)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isEngagementPositive(action string) bool {
	switch action {
	case ActionOpened, ActionClicked, ActionConverted, ActionResponded:
		return true
	}
	return false
}
