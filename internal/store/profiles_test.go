package store

import (
	"context"
	"testing"
)

func TestEnsureProfileFirstWriteWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.EnsureProfile(ctx, "user-1", 1000); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	// Second create with a different timestamp must not overwrite.
	if err := db.EnsureProfile(ctx, "user-1", 2000); err != nil {
		t.Fatalf("EnsureProfile again: %v", err)
	}

	p, err := db.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p == nil {
		t.Fatal("expected profile, got nil")
	}
	if p.CreatedAt != 1000 {
		t.Errorf("CreatedAt = %d, want 1000", p.CreatedAt)
	}
}

func TestGetProfileMissing(t *testing.T) {
	db := testDB(t)

	p, err := db.GetProfile(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil for unknown user, got %+v", p)
	}
}

func TestUpsertScore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.EnsureProfile(ctx, "user-1", 1000)

	s := &ChannelTypeScore{
		UserID:          "user-1",
		Type:            "shipment",
		Channel:         "email",
		EngagementScore: 0.25,
		DecayAnchor:     1000,
	}
	if err := db.UpsertScore(ctx, s); err != nil {
		t.Fatalf("UpsertScore: %v", err)
	}

	got, err := db.GetScore(ctx, "user-1", "shipment", "email")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if got == nil {
		t.Fatal("expected score row")
	}
	if got.EngagementScore != 0.25 {
		t.Errorf("EngagementScore = %f, want 0.25", got.EngagementScore)
	}
	if got.LastSentAt != nil {
		t.Errorf("LastSentAt = %v, want nil", *got.LastSentAt)
	}

	// Update in place
	engaged := int64(5000)
	s.EngagementScore = 0.5
	s.LastEngagedAt = &engaged
	if err := db.UpsertScore(ctx, s); err != nil {
		t.Fatalf("UpsertScore update: %v", err)
	}
	got, _ = db.GetScore(ctx, "user-1", "shipment", "email")
	if got.EngagementScore != 0.5 {
		t.Errorf("EngagementScore = %f, want 0.5", got.EngagementScore)
	}
	if got.LastEngagedAt == nil || *got.LastEngagedAt != 5000 {
		t.Errorf("LastEngagedAt = %v, want 5000", got.LastEngagedAt)
	}
}

func TestScoresForTypeOrderedByChannel(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.EnsureProfile(ctx, "user-1", 1000)

	for _, channel := range []string{"sms", "email", "push"} {
		db.UpsertScore(ctx, &ChannelTypeScore{
			UserID: "user-1", Type: "shipment", Channel: channel, DecayAnchor: 1000,
		})
	}

	scores, err := db.ScoresForType(ctx, "user-1", "shipment")
	if err != nil {
		t.Fatalf("ScoresForType: %v", err)
	}
	if len(scores) != 3 {
		t.Fatalf("got %d scores, want 3", len(scores))
	}
	want := []string{"email", "push", "sms"}
	for i, s := range scores {
		if s.Channel != want[i] {
			t.Errorf("scores[%d].Channel = %q, want %q", i, s.Channel, want[i])
		}
	}
}

func TestRecordSendAndCount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.EnsureProfile(ctx, "user-1", 0)

	if err := db.RecordSend(ctx, "user-1", "shipment", "email", 1000, 0); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}
	if err := db.RecordSend(ctx, "user-1", "shipment", "email", 2000, 0); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}

	n, err := db.CountRecentSends(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("CountRecentSends: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	// The score row was created and stamped by the sends.
	s, _ := db.GetScore(ctx, "user-1", "shipment", "email")
	if s == nil {
		t.Fatal("expected score row after send")
	}
	if s.SendCount != 2 {
		t.Errorf("SendCount = %d, want 2", s.SendCount)
	}
	if s.LastSentAt == nil || *s.LastSentAt != 2000 {
		t.Errorf("LastSentAt = %v, want 2000", s.LastSentAt)
	}
	if s.EngagementScore != 0 {
		t.Errorf("EngagementScore = %f, want 0 (sends never bump scores)", s.EngagementScore)
	}
}

func TestRecordSendPrunesOldEntries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.EnsureProfile(ctx, "user-1", 0)

	db.RecordSend(ctx, "user-1", "shipment", "email", 1000, 0)
	db.RecordSend(ctx, "user-1", "shipment", "email", 2000, 0)
	// Third send prunes everything before 1500.
	db.RecordSend(ctx, "user-1", "shipment", "email", 3000, 1500)

	sends, err := db.RecentSends(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("RecentSends: %v", err)
	}
	if len(sends) != 2 {
		t.Fatalf("got %d send entries, want 2 after prune", len(sends))
	}
	if sends[0] != 2000 || sends[1] != 3000 {
		t.Errorf("sends = %v, want [2000 3000]", sends)
	}
}

func TestChannelOptIns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	optins, err := db.ChannelOptIns(ctx, "user-1")
	if err != nil {
		t.Fatalf("ChannelOptIns: %v", err)
	}
	if len(optins) != 0 {
		t.Errorf("expected empty map, got %v", optins)
	}

	if err := db.SetChannelOptIn(ctx, "user-1", "sms", false); err != nil {
		t.Fatalf("SetChannelOptIn: %v", err)
	}
	if err := db.SetChannelOptIn(ctx, "user-1", "email", true); err != nil {
		t.Fatalf("SetChannelOptIn: %v", err)
	}
	// Flip sms back on.
	if err := db.SetChannelOptIn(ctx, "user-1", "sms", true); err != nil {
		t.Fatalf("SetChannelOptIn: %v", err)
	}

	optins, _ = db.ChannelOptIns(ctx, "user-1")
	if !optins["sms"] || !optins["email"] {
		t.Errorf("optins = %v, want sms and email true", optins)
	}
}

func TestIdleScores(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.EnsureProfile(ctx, "user-1", 0)

	db.UpsertScore(ctx, &ChannelTypeScore{UserID: "user-1", Type: "shipment", Channel: "email", DecayAnchor: 1000})
	db.UpsertScore(ctx, &ChannelTypeScore{UserID: "user-1", Type: "shipment", Channel: "push", DecayAnchor: 9000})

	idle, err := db.IdleScores(ctx, 5000, 10)
	if err != nil {
		t.Fatalf("IdleScores: %v", err)
	}
	if len(idle) != 1 {
		t.Fatalf("got %d idle scores, want 1", len(idle))
	}
	if idle[0].Channel != "email" {
		t.Errorf("idle channel = %q, want email", idle[0].Channel)
	}
}
