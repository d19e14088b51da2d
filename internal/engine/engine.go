package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalworks/nudge/internal/config"
	"github.com/signalworks/nudge/internal/sink"
	"github.com/signalworks/nudge/internal/store"
	"github.com/sirupsen/logrus"
)

// Error taxonomy. Callers branch with errors.Is; everything else wrapping
// ErrStoreUnavailable is a transient infrastructure failure.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrNotEnrolled       = errors.New("user not enrolled in test")
	ErrTestAlreadyActive = errors.New("test already active")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// Engagement actions. The bump table in config keys off these strings.
const (
	ActionDelivered = "delivered"
	ActionOpened    = "opened"
	ActionClicked   = "clicked"
	ActionConverted = "converted"
	ActionResponded = "responded"
	ActionDismissed = "dismissed"
)

// Suppression reasons returned in a Decision when Send is false.
const (
	ReasonDailyCapExceeded = "DailyCapExceeded"
	ReasonCooldownActive   = "CooldownActive"
)

// Event is an observed engagement fact, consumed at-least-once.
type Event struct {
	ID             string            `json:"id"`
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Type           string            `json:"type"`
	Channel        string            `json:"channel"`
	Action         string            `json:"action"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Candidate is a notification someone wants to send. The engine decides
// whether and how; it never persists candidates itself.
type Candidate struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Type       string `json:"type"`
	Channel    string `json:"channel,omitempty"` // empty lets the engine choose
	ContentRef string `json:"content_ref,omitempty"`
	Priority   int    `json:"priority,omitempty"`
}

// Decision is the outcome of evaluating one candidate.
type Decision struct {
	Send       bool   `json:"send"`
	Channel    string `json:"channel,omitempty"`
	Reason     string `json:"reason,omitempty"`
	TestID     string `json:"test_id,omitempty"`
	Variant    string `json:"variant,omitempty"`
	ContentRef string `json:"content_ref,omitempty"`
}

// Engine is the adaptive decision core: scoring, rate limiting, channel
// choice, and experiment assignment over the profile store.
type Engine struct {
	db  *store.DB
	cfg config.EngineConfig
	log *logrus.Logger

	sinks *sink.Registry

	// now is swappable in tests.
	now func() time.Time

	// Per-user locks serialize all profile mutations. Cross-user work
	// needs no coordination. Entries are reference-counted and dropped
	// when the last holder releases, so the map stays bounded by the
	// number of in-flight operations rather than by user cardinality.
	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock is one user's mutation lock plus the count of holders and
// waiters keeping its map entry alive.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Engine over the given store.
func New(db *store.DB, cfg config.EngineConfig, log *logrus.Logger) *Engine {
	return &Engine{
		db:    db,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		locks: make(map[string]*userLock),
	}
}

// SetSinks configures the delivery sink registry used by the decision sweep.
func (e *Engine) SetSinks(r *sink.Registry) {
	e.sinks = r
}

// lockUser acquires the mutation lock for one user, creating the map entry
// on first use. Pair with unlockUser.
func (e *Engine) lockUser(userID string) *userLock {
	e.mu.Lock()
	l, ok := e.locks[userID]
	if !ok {
		l = &userLock{}
		e.locks[userID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return l
}

// unlockUser releases the user's lock and removes the map entry once no
// holder or waiter remains.
func (e *Engine) unlockUser(userID string, l *userLock) {
	l.mu.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, userID)
	}
	e.mu.Unlock()
}

// storeErr tags a store failure as transient infrastructure trouble.
func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
