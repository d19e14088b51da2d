package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/signalworks/nudge/internal/store"
)

func newTest(e *Engine, t *testing.T, id, ntype string) string {
	t.Helper()
	created, err := e.CreateTest(context.Background(), &store.ABTest{
		ID:   id,
		Name: "subject line test",
		Type: ntype,
		Variants: map[string]string{
			"control":   "content-a",
			"variant_b": "content-b",
		},
		Metrics: []string{"opened", "clicked"},
	})
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	return created
}

func TestCreateTestValidation(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)
	ctx := context.Background()

	_, err := e.CreateTest(ctx, &store.ABTest{Variants: map[string]string{"a": "x", "b": "y"}})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("nameless test: err = %v, want ErrValidation", err)
	}

	_, err = e.CreateTest(ctx, &store.ABTest{Name: "t", Variants: map[string]string{"only": "x"}})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("single variant: err = %v, want ErrValidation", err)
	}

	newTest(e, t, "test-1", "shipment")
	_, err = e.CreateTest(ctx, &store.ABTest{
		ID: "test-1", Name: "dup",
		Variants: map[string]string{"a": "x", "b": "y"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("duplicate id: err = %v, want ErrValidation", err)
	}
}

func TestCreateTestGeneratesID(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)

	id := newTest(e, t, "", "shipment")
	if id == "" {
		t.Fatal("expected generated id")
	}
	got, err := e.db.GetTest(context.Background(), id)
	if err != nil || got == nil {
		t.Fatalf("GetTest(%s) = %v, %v", id, got, err)
	}
	if got.Active {
		t.Error("new test should start inactive")
	}
}

func TestAssignVariantSticky(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)
	ctx := context.Background()

	id := newTest(e, t, "test-1", "shipment")
	e.ActivateTest(ctx, id)

	first, err := e.AssignVariant(ctx, id, "user-1")
	if err != nil {
		t.Fatalf("AssignVariant: %v", err)
	}
	if first != "control" && first != "variant_b" {
		t.Fatalf("variant = %q, not in the variant set", first)
	}
	for i := 0; i < 10; i++ {
		got, err := e.AssignVariant(ctx, id, "user-1")
		if err != nil {
			t.Fatalf("AssignVariant repeat: %v", err)
		}
		if got != first {
			t.Fatalf("assignment changed: %q then %q", first, got)
		}
	}
}

func TestAssignVariantConcurrent(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)
	ctx := context.Background()

	id := newTest(e, t, "test-1", "shipment")

	var wg sync.WaitGroup
	variants := make([]string, 8)
	for i := range variants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.AssignVariant(ctx, id, "user-1")
			if err != nil {
				t.Errorf("AssignVariant: %v", err)
				return
			}
			variants[i] = v
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(variants); i++ {
		if variants[i] != variants[0] {
			t.Fatalf("concurrent callers disagree: %v", variants)
		}
	}
}

func TestPickVariantDeterministic(t *testing.T) {
	variants := map[string]string{"control": "a", "variant_b": "b", "variant_c": "c"}

	first := pickVariant("test-1", "user-1", variants)
	for i := 0; i < 50; i++ {
		if got := pickVariant("test-1", "user-1", variants); got != first {
			t.Fatalf("pickVariant not stable: %q then %q", first, got)
		}
	}

	// Different users spread over the variant set.
	seen := make(map[string]bool)
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9", "u10"} {
		seen[pickVariant("test-1", u, variants)] = true
	}
	if len(seen) < 2 {
		t.Errorf("10 users all landed on one variant: %v", seen)
	}
}

func TestAssignVariantUnknownTest(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.AssignVariant(ctx, "test-nope", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	newTest(e, t, "test-1", "shipment")
	if _, err := e.AssignVariant(ctx, "test-1", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("empty user: err = %v, want ErrValidation", err)
	}
}

func TestUpdateVariantsFrozenWhenActive(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)
	ctx := context.Background()

	id := newTest(e, t, "test-1", "shipment")
	fresh := map[string]string{"control": "a", "variant_c": "c"}

	if err := e.UpdateTestVariants(ctx, id, fresh); err != nil {
		t.Fatalf("update before activation: %v", err)
	}

	if err := e.ActivateTest(ctx, id); err != nil {
		t.Fatalf("ActivateTest: %v", err)
	}
	err := e.UpdateTestVariants(ctx, id, map[string]string{"x": "1", "y": "2"})
	if !errors.Is(err, ErrTestAlreadyActive) {
		t.Errorf("err = %v, want ErrTestAlreadyActive", err)
	}

	// The frozen set survived.
	got, _ := e.db.GetTest(ctx, id)
	if _, ok := got.Variants["variant_c"]; !ok {
		t.Errorf("variants = %v, want pre-activation set intact", got.Variants)
	}
}

func TestRecordOutcomeRequiresEnrollment(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)
	ctx := context.Background()

	id := newTest(e, t, "test-1", "shipment")

	_, err := e.RecordOutcome(ctx, id, "user-1", "clicked", 1, false)
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("err = %v, want ErrNotEnrolled", err)
	}

	// autoEnroll assigns first, then records.
	variant, err := e.RecordOutcome(ctx, id, "user-1", "clicked", 1, true)
	if err != nil {
		t.Fatalf("RecordOutcome autoEnroll: %v", err)
	}

	assigned, err := e.AssignVariant(ctx, id, "user-1")
	if err != nil {
		t.Fatalf("AssignVariant: %v", err)
	}
	if assigned != variant {
		t.Errorf("outcome variant %q != assignment %q", variant, assigned)
	}

	results, err := e.TestResults(ctx, id)
	if err != nil {
		t.Fatalf("TestResults: %v", err)
	}
	if len(results) != 1 || results[0].Metric != "clicked" || results[0].Samples != 1 {
		t.Errorf("results = %+v, want one clicked sample", results)
	}
}

func TestEventAttribution(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)
	ctx := context.Background()

	id := newTest(e, t, "test-1", "shipment")
	e.ActivateTest(ctx, id)
	variant, err := e.AssignVariant(ctx, id, "user-1")
	if err != nil {
		t.Fatalf("AssignVariant: %v", err)
	}

	// A clicked event from an enrolled user lands on their variant.
	if _, _, err := e.ApplyEvent(ctx, clickEvent("evt-1", "user-1", t0)); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}

	results, err := e.TestResults(ctx, id)
	if err != nil {
		t.Fatalf("TestResults: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Variant == variant && r.Metric == "clicked" && r.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("results = %+v, want clicked attributed to %s", results, variant)
	}

	// Events from unenrolled users are not attributed.
	e.ApplyEvent(ctx, clickEvent("evt-2", "user-2", t0))
	results, _ = e.TestResults(ctx, id)
	for _, r := range results {
		if r.Metric == "clicked" && r.Samples != 1 {
			t.Errorf("unenrolled user attributed: %+v", r)
		}
	}
}

func TestDecideAppliesVariant(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)
	ctx := context.Background()

	id := newTest(e, t, "test-1", "shipment")
	e.ActivateTest(ctx, id)
	variant, err := e.AssignVariant(ctx, id, "user-1")
	if err != nil {
		t.Fatalf("AssignVariant: %v", err)
	}

	dec, err := e.Decide(ctx, Candidate{UserID: "user-1", Type: "shipment", Channel: "email"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !dec.Send {
		t.Fatalf("decision = %+v, want send", dec)
	}
	if dec.TestID != id || dec.Variant != variant {
		t.Errorf("decision test/variant = %q/%q, want %q/%q", dec.TestID, dec.Variant, id, variant)
	}

	// The send itself is attributed for exposure accounting.
	results, _ := e.TestResults(ctx, id)
	found := false
	for _, r := range results {
		if r.Variant == variant && r.Metric == "notifications_sent" && r.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("results = %+v, want notifications_sent for %s", results, variant)
	}
}

func TestDecideSkipsUnenrolledUsers(t *testing.T) {
	e := testEngine(t)
	setClock(e, t0)
	ctx := context.Background()

	id := newTest(e, t, "test-1", "shipment")
	e.ActivateTest(ctx, id)

	// No assignment exists: the decision carries no test.
	dec, err := e.Decide(ctx, Candidate{UserID: "user-1", Type: "shipment", Channel: "email"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !dec.Send {
		t.Fatalf("decision = %+v, want send", dec)
	}
	if dec.TestID != "" || dec.Variant != "" {
		t.Errorf("decision enrolled user silently: %+v", dec)
	}
}
