package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/signalworks/nudge/internal/store"
)

// CreateTest validates and stores a new A/B test. A missing id is generated.
// Tests are created inactive; activate them once the variant set is final.
func (e *Engine) CreateTest(ctx context.Context, t *store.ABTest) (string, error) {
	if t.Name == "" {
		return "", fmt.Errorf("%w: test name required", ErrValidation)
	}
	if err := validateVariants(t.Variants); err != nil {
		return "", err
	}
	if t.ID == "" {
		t.ID = "test-" + uuid.NewString()
	}

	existing, err := e.db.GetTest(ctx, t.ID)
	if err != nil {
		return "", storeErr(err)
	}
	if existing != nil {
		return "", fmt.Errorf("%w: test %s already exists", ErrValidation, t.ID)
	}

	t.Active = false
	t.CreatedAt = e.now().UnixMilli()
	if err := e.db.CreateTest(ctx, t); err != nil {
		return "", storeErr(err)
	}
	return t.ID, nil
}

// ActivateTest flips a test live. Once active its variant set is frozen.
func (e *Engine) ActivateTest(ctx context.Context, testID string) error {
	t, err := e.db.GetTest(ctx, testID)
	if err != nil {
		return storeErr(err)
	}
	if t == nil {
		return fmt.Errorf("%w: test %s", ErrNotFound, testID)
	}
	if err := e.db.SetTestActive(ctx, testID, true); err != nil {
		return storeErr(err)
	}
	return nil
}

// UpdateTestVariants replaces the variant set of an inactive test.
// Re-bucketing a running experiment is disallowed.
func (e *Engine) UpdateTestVariants(ctx context.Context, testID string, variants map[string]string) error {
	t, err := e.db.GetTest(ctx, testID)
	if err != nil {
		return storeErr(err)
	}
	if t == nil {
		return fmt.Errorf("%w: test %s", ErrNotFound, testID)
	}
	if t.Active {
		return fmt.Errorf("%w: %s", ErrTestAlreadyActive, testID)
	}
	if err := validateVariants(variants); err != nil {
		return err
	}
	if err := e.db.UpdateTestVariants(ctx, testID, variants); err != nil {
		return storeErr(err)
	}
	return nil
}

// AssignVariant returns the user's sticky variant for a test, creating the
// assignment on first call. The computed variant is a pure function of
// (testID, userID) and the sorted variant set, so concurrent callers agree
// before persistence, and the persisted row wins forever after.
func (e *Engine) AssignVariant(ctx context.Context, testID, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id required", ErrValidation)
	}
	t, err := e.db.GetTest(ctx, testID)
	if err != nil {
		return "", storeErr(err)
	}
	if t == nil {
		return "", fmt.Errorf("%w: test %s", ErrNotFound, testID)
	}

	variant := pickVariant(testID, userID, t.Variants)
	persisted, err := e.db.UpsertAssignment(ctx, testID, userID, variant, e.now().UnixMilli())
	if err != nil {
		return "", storeErr(err)
	}
	return persisted, nil
}

// RecordOutcome attributes an observed metric value to the user's variant.
// Without an existing assignment it fails NotEnrolled unless autoEnroll is
// set, in which case the user is assigned first.
func (e *Engine) RecordOutcome(ctx context.Context, testID, userID, metric string, value float64, autoEnroll bool) (string, error) {
	if metric == "" {
		return "", fmt.Errorf("%w: metric name required", ErrValidation)
	}
	t, err := e.db.GetTest(ctx, testID)
	if err != nil {
		return "", storeErr(err)
	}
	if t == nil {
		return "", fmt.Errorf("%w: test %s", ErrNotFound, testID)
	}

	a, err := e.db.GetAssignment(ctx, testID, userID)
	if err != nil {
		return "", storeErr(err)
	}
	variant := ""
	switch {
	case a != nil:
		variant = a.Variant
	case autoEnroll:
		if variant, err = e.AssignVariant(ctx, testID, userID); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: user %s in test %s", ErrNotEnrolled, userID, testID)
	}

	if err := e.db.AddOutcome(ctx, testID, variant, metric, value); err != nil {
		return "", storeErr(err)
	}
	return variant, nil
}

// TestResults returns the per-variant aggregates for a test.
func (e *Engine) TestResults(ctx context.Context, testID string) ([]store.OutcomeAggregate, error) {
	t, err := e.db.GetTest(ctx, testID)
	if err != nil {
		return nil, storeErr(err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: test %s", ErrNotFound, testID)
	}
	results, err := e.db.TestResults(ctx, testID)
	if err != nil {
		return nil, storeErr(err)
	}
	return results, nil
}

// pickVariant maps a stable hash of (testID, userID) onto the sorted
// variant ids. No randomness: repeated calls always agree.
func pickVariant(testID, userID string, variants map[string]string) string {
	ids := make([]string, 0, len(variants))
	for id := range variants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := xxhash.Sum64String(testID + ":" + userID)
	return ids[h%uint64(len(ids))]
}

func validateVariants(variants map[string]string) error {
	if len(variants) < 2 {
		return fmt.Errorf("%w: a test needs at least two variants", ErrValidation)
	}
	for id := range variants {
		if id == "" {
			return fmt.Errorf("%w: empty variant id", ErrValidation)
		}
	}
	return nil
}
