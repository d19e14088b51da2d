package engine

import (
	"context"
	"fmt"
	"sort"
)

// Decide evaluates one candidate: resolve the effective channel, ask the
// rate limiter for admission, and resolve the A/B variant for enrolled
// users. A denial is a normal Decision, not an error; only validation
// problems and store failures surface as errors.
func (e *Engine) Decide(ctx context.Context, cand Candidate) (*Decision, error) {
	if cand.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if cand.Type == "" {
		return nil, fmt.Errorf("%w: notification type required", ErrValidation)
	}

	if e.cfg.DecideTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DecideTimeout)
		defer cancel()
	}

	channel := cand.Channel
	if channel == "" {
		var err error
		channel, err = e.resolveChannel(ctx, cand.UserID, cand.Type)
		if err != nil {
			return nil, err
		}
	}

	lock := e.lockUser(cand.UserID)
	admitted, reason, err := e.tryAdmit(ctx, cand.UserID, cand.Type, channel, e.now())
	e.unlockUser(cand.UserID, lock)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return &Decision{Send: false, Reason: reason}, nil
	}

	dec := &Decision{Send: true, Channel: channel, ContentRef: cand.ContentRef}
	e.resolveVariant(ctx, cand, dec)
	return dec, nil
}

// resolveChannel picks the opted-in channel with the highest engagement
// score for the type. Ties break toward the lexicographically smallest
// channel name so the choice is reproducible from the profile snapshot.
// A user with no scores yet gets the smallest opted-in channel.
func (e *Engine) resolveChannel(ctx context.Context, userID, ntype string) (string, error) {
	optins, err := e.db.ChannelOptIns(ctx, userID)
	if err != nil {
		return "", storeErr(err)
	}
	opted := func(channel string) bool {
		if v, ok := optins[channel]; ok {
			return v
		}
		for _, c := range e.cfg.Channels {
			if c == channel {
				return true
			}
		}
		return false
	}

	scores, err := e.db.ScoresForType(ctx, userID, ntype)
	if err != nil {
		return "", storeErr(err)
	}

	best := ""
	bestScore := -1.0
	for _, s := range scores { // ordered by channel, so ties keep the smallest
		if !opted(s.Channel) {
			continue
		}
		if s.EngagementScore > bestScore {
			best = s.Channel
			bestScore = s.EngagementScore
		}
	}
	if best != "" {
		return best, nil
	}

	// No scored channels: fall back to the smallest opted-in channel.
	fallback := append([]string(nil), e.cfg.Channels...)
	sort.Strings(fallback)
	for _, c := range fallback {
		if opted(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: user %s has no opted-in channels", ErrValidation, userID)
}

// resolveVariant substitutes the enrolled variant's content reference into
// an admitted decision and attributes the send. Enrollment is never created
// here; decide only honors existing sticky assignments.
func (e *Engine) resolveVariant(ctx context.Context, cand Candidate, dec *Decision) {
	tests, err := e.db.ActiveTestsForType(ctx, cand.Type)
	if err != nil {
		e.log.WithError(err).Warn("decide: list active tests")
		return
	}
	for _, t := range tests {
		a, err := e.db.GetAssignment(ctx, t.ID, cand.UserID)
		if err != nil {
			e.log.WithError(err).WithField("test", t.ID).Warn("decide: get assignment")
			continue
		}
		if a == nil {
			continue
		}
		dec.TestID = t.ID
		dec.Variant = a.Variant
		if ref, ok := t.Variants[a.Variant]; ok && ref != "" {
			dec.ContentRef = ref
		}
		if err := e.db.AddOutcome(ctx, t.ID, a.Variant, "notifications_sent", 1); err != nil {
			e.log.WithError(err).WithField("test", t.ID).Warn("decide: attribute send")
		}
		return
	}
}
