package engine

import (
	"context"
	"fmt"

	"github.com/signalworks/nudge/internal/store"
)

// ProfileSnapshot is the read-only view of a user served to collaborators.
type ProfileSnapshot struct {
	UserID      string                   `json:"user_id"`
	CreatedAt   int64                    `json:"created_at"`
	Scores      []store.ChannelTypeScore `json:"scores"`
	RecentSends []int64                  `json:"recent_sends"`
	Segments    []string                 `json:"segments"`
}

// Profile returns the current snapshot for a user, or NotFound if no event
// was ever recorded for them. Profiles are created lazily on write paths
// only, never here.
func (e *Engine) Profile(ctx context.Context, userID string) (*ProfileSnapshot, error) {
	p, err := e.db.GetProfile(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}

	scores, err := e.db.AllScores(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	sends, err := e.db.RecentSends(ctx, userID, e.now().Add(-dailyWindow).UnixMilli())
	if err != nil {
		return nil, storeErr(err)
	}

	return &ProfileSnapshot{
		UserID:      p.UserID,
		CreatedAt:   p.CreatedAt,
		Scores:      scores,
		RecentSends: sends,
		Segments:    segments(scores),
	}, nil
}

// SetChannelOptIn records an explicit channel preference for a user.
func (e *Engine) SetChannelOptIn(ctx context.Context, userID, channel string, optedIn bool) error {
	if userID == "" || channel == "" {
		return fmt.Errorf("%w: user id and channel required", ErrValidation)
	}
	if err := e.db.EnsureProfile(ctx, userID, e.now().UnixMilli()); err != nil {
		return storeErr(err)
	}
	if err := e.db.SetChannelOptIn(ctx, userID, channel, optedIn); err != nil {
		return storeErr(err)
	}
	return nil
}

// segments derives coarse behavioral labels from a score snapshot: the
// best channel, the best notification type, and an overall engagement
// level. Purely descriptive; nothing in the decision path reads these.
func segments(scores []store.ChannelTypeScore) []string {
	if len(scores) == 0 {
		return nil
	}

	byChannel := make(map[string]float64)
	byType := make(map[string]float64)
	total := 0.0
	for _, s := range scores {
		byChannel[s.Channel] += s.EngagementScore
		byType[s.Type] += s.EngagementScore
		total += s.EngagementScore
	}

	var segs []string
	if c := maxKey(byChannel); c != "" {
		segs = append(segs, "prefers_"+c)
	}
	if t := maxKey(byType); t != "" {
		segs = append(segs, "prefers_"+t)
	}

	avg := total / float64(len(scores))
	switch {
	case avg >= 0.6:
		segs = append(segs, "engagement_high")
	case avg >= 0.2:
		segs = append(segs, "engagement_medium")
	default:
		segs = append(segs, "engagement_low")
	}
	return segs
}

// maxKey returns the key with the highest value, smallest key on ties.
func maxKey(m map[string]float64) string {
	best := ""
	bestV := -1.0
	for k, v := range m {
		if v > bestV || (v == bestV && (best == "" || k < best)) {
			best = k
			bestV = v
		}
	}
	if bestV <= 0 {
		return ""
	}
	return best
}
