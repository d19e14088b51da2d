package engine

import (
	"io"
	"testing"
	"time"

	"github.com/signalworks/nudge/internal/config"
	"github.com/signalworks/nudge/internal/store"
	"github.com/sirupsen/logrus"
)

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		HalfLifeSeconds: 7 * 24 * 3600,
		MaxPerDay:       10,
		Cooldown:        30 * time.Minute,
		DecideTimeout:   2 * time.Second,
		ActionBumps: map[string]float64{
			"delivered": 0.0,
			"opened":    0.1,
			"clicked":   0.25,
			"converted": 0.5,
			"responded": 0.3,
			"dismissed": -0.2,
		},
		Channels: []string{"dashboard", "email", "push", "sms"},
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(db, testConfig(), log)
}

// setClock pins the engine's clock to a fixed instant.
func setClock(e *Engine, at time.Time) {
	e.now = func() time.Time { return at }
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clickEvent(id, userID string, at time.Time) Event {
	return Event{
		ID:             id,
		NotificationID: "notif-" + id,
		UserID:         userID,
		Type:           "shipment",
		Channel:        "email",
		Action:         ActionClicked,
		Timestamp:      at,
	}
}
