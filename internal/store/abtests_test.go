package store

import (
	"context"
	"sync"
	"testing"
)

func sampleTest(id string) *ABTest {
	return &ABTest{
		ID:   id,
		Name: "subject line test",
		Type: "promotion",
		Variants: map[string]string{
			"control":   "content-a",
			"variant_b": "content-b",
		},
		Metrics:   []string{"opened", "clicked"},
		CreatedAt: 1000,
	}
}

func TestCreateAndGetTest(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateTest(ctx, sampleTest("test-1")); err != nil {
		t.Fatalf("CreateTest: %v", err)
	}

	got, err := db.GetTest(ctx, "test-1")
	if err != nil {
		t.Fatalf("GetTest: %v", err)
	}
	if got == nil {
		t.Fatal("expected test, got nil")
	}
	if got.Variants["control"] != "content-a" {
		t.Errorf("control content = %q, want content-a", got.Variants["control"])
	}
	if got.Active {
		t.Error("new test should be inactive")
	}
	if len(got.Metrics) != 2 {
		t.Errorf("metrics = %v, want 2 entries", got.Metrics)
	}

	missing, err := db.GetTest(ctx, "test-nope")
	if err != nil {
		t.Fatalf("GetTest missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown test")
	}
}

func TestCreateTestDuplicateID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.CreateTest(ctx, sampleTest("test-1"))
	if err := db.CreateTest(ctx, sampleTest("test-1")); err == nil {
		t.Error("expected error on duplicate test id")
	}
}

func TestActiveTestsForType(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	promo := sampleTest("test-promo")
	db.CreateTest(ctx, promo)
	db.SetTestActive(ctx, "test-promo", true)

	all := sampleTest("test-all")
	all.Type = "" // applies to every type
	db.CreateTest(ctx, all)
	db.SetTestActive(ctx, "test-all", true)

	inactive := sampleTest("test-off")
	db.CreateTest(ctx, inactive)

	tests, err := db.ActiveTestsForType(ctx, "promotion")
	if err != nil {
		t.Fatalf("ActiveTestsForType: %v", err)
	}
	if len(tests) != 2 {
		t.Fatalf("got %d tests for promotion, want 2", len(tests))
	}

	tests, _ = db.ActiveTestsForType(ctx, "shipment")
	if len(tests) != 1 || tests[0].ID != "test-all" {
		t.Errorf("shipment tests = %v, want only test-all", tests)
	}
}

func TestUpsertAssignmentSticky(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.CreateTest(ctx, sampleTest("test-1"))

	v, err := db.UpsertAssignment(ctx, "test-1", "user-1", "control", 1000)
	if err != nil {
		t.Fatalf("UpsertAssignment: %v", err)
	}
	if v != "control" {
		t.Errorf("variant = %q, want control", v)
	}

	// A later upsert with a different variant returns the persisted one.
	v, err = db.UpsertAssignment(ctx, "test-1", "user-1", "variant_b", 2000)
	if err != nil {
		t.Fatalf("UpsertAssignment again: %v", err)
	}
	if v != "control" {
		t.Errorf("variant = %q, want sticky control", v)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM ab_assignments WHERE test_id = 'test-1' AND user_id = 'user-1'").Scan(&count)
	if count != 1 {
		t.Errorf("assignment rows = %d, want exactly 1", count)
	}
}

func TestUpsertAssignmentConcurrent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.CreateTest(ctx, sampleTest("test-1"))

	var wg sync.WaitGroup
	variants := make([]string, 8)
	for i := range variants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := db.UpsertAssignment(ctx, "test-1", "user-1", "control", 1000)
			if err != nil {
				t.Errorf("UpsertAssignment: %v", err)
				return
			}
			variants[i] = v
		}(i)
	}
	wg.Wait()

	for i, v := range variants {
		if v != "control" {
			t.Errorf("variants[%d] = %q, want control", i, v)
		}
	}
	var count int
	db.QueryRow("SELECT COUNT(*) FROM ab_assignments WHERE test_id = 'test-1'").Scan(&count)
	if count != 1 {
		t.Errorf("assignment rows = %d, want exactly 1", count)
	}
}

func TestAddOutcomeAggregates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.CreateTest(ctx, sampleTest("test-1"))

	db.AddOutcome(ctx, "test-1", "control", "clicked", 1)
	db.AddOutcome(ctx, "test-1", "control", "clicked", 1)
	db.AddOutcome(ctx, "test-1", "variant_b", "clicked", 1)
	db.AddOutcome(ctx, "test-1", "control", "revenue", 12.5)

	results, err := db.TestResults(ctx, "test-1")
	if err != nil {
		t.Fatalf("TestResults: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d aggregates, want 3", len(results))
	}

	byKey := make(map[string]OutcomeAggregate)
	for _, r := range results {
		byKey[r.Variant+"/"+r.Metric] = r
	}
	if agg := byKey["control/clicked"]; agg.ValueSum != 2 || agg.Samples != 2 {
		t.Errorf("control/clicked = %+v, want sum 2 samples 2", agg)
	}
	if agg := byKey["control/revenue"]; agg.ValueSum != 12.5 || agg.Samples != 1 {
		t.Errorf("control/revenue = %+v, want sum 12.5 samples 1", agg)
	}
}

func TestUpdateTestVariants(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.CreateTest(ctx, sampleTest("test-1"))

	newVariants := map[string]string{"control": "x", "variant_c": "y"}
	if err := db.UpdateTestVariants(ctx, "test-1", newVariants); err != nil {
		t.Fatalf("UpdateTestVariants: %v", err)
	}

	got, _ := db.GetTest(ctx, "test-1")
	if _, ok := got.Variants["variant_c"]; !ok {
		t.Errorf("variants = %v, want variant_c present", got.Variants)
	}
}
