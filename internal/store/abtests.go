package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ABTest is an experiment over notification content. Variants maps variant
// id to its content reference. A test with an empty Type applies to
// candidates of every notification type.
type ABTest struct {
	ID        string
	Name      string
	Type      string
	Variants  map[string]string
	Metrics   []string
	Active    bool
	CreatedAt int64
}

// Assignment is the sticky (test, user) → variant row. Immutable once written.
type Assignment struct {
	TestID    string
	UserID    string
	Variant   string
	CreatedAt int64
}

// OutcomeAggregate is the append-only per-(test, variant, metric) rollup.
type OutcomeAggregate struct {
	TestID   string
	Variant  string
	Metric   string
	ValueSum float64
	Samples  int64
}

// CreateTest inserts a new test. Fails if the id already exists.
func (db *DB) CreateTest(ctx context.Context, t *ABTest) error {
	variants, err := json.Marshal(t.Variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	metrics, err := json.Marshal(t.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO ab_tests (id, name, ntype, variants, metrics, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Type, string(variants), string(metrics), boolInt(t.Active), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create test: %w", err)
	}
	return nil
}

// GetTest returns a test by id, or nil if unknown.
func (db *DB) GetTest(ctx context.Context, id string) (*ABTest, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, ntype, variants, metrics, active, created_at
		FROM ab_tests WHERE id = ?
	`, id)

	t, err := scanTest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}
	return t, nil
}

// SetTestActive flips the active flag.
func (db *DB) SetTestActive(ctx context.Context, id string, active bool) error {
	_, err := db.ExecContext(ctx, `
		UPDATE ab_tests SET active = ? WHERE id = ?
	`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("set test active: %w", err)
	}
	return nil
}

// UpdateTestVariants replaces the variant set. The engine guards against
// calling this on an active test.
func (db *DB) UpdateTestVariants(ctx context.Context, id string, variants map[string]string) error {
	data, err := json.Marshal(variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		UPDATE ab_tests SET variants = ? WHERE id = ?
	`, string(data), id)
	if err != nil {
		return fmt.Errorf("update test variants: %w", err)
	}
	return nil
}

// ActiveTestsForType returns active tests matching the notification type.
// Tests with an empty type match everything.
func (db *DB) ActiveTestsForType(ctx context.Context, ntype string) ([]ABTest, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, ntype, variants, metrics, active, created_at
		FROM ab_tests WHERE active = 1 AND (ntype = '' OR ntype = ?)
		ORDER BY id
	`, ntype)
	if err != nil {
		return nil, fmt.Errorf("active tests: %w", err)
	}
	defer rows.Close()

	var tests []ABTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		tests = append(tests, *t)
	}
	return tests, rows.Err()
}

// UpsertAssignment writes an assignment if none exists and returns the
// persisted variant either way — the persisted row always wins, so the
// assignment is sticky under races.
func (db *DB) UpsertAssignment(ctx context.Context, testID, userID, variant string, now int64) (string, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ab_assignments (test_id, user_id, variant, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (test_id, user_id) DO NOTHING
	`, testID, userID, variant, now)
	if err != nil {
		return "", fmt.Errorf("upsert assignment: %w", err)
	}

	var persisted string
	err = db.QueryRowContext(ctx, `
		SELECT variant FROM ab_assignments WHERE test_id = ? AND user_id = ?
	`, testID, userID).Scan(&persisted)
	if err != nil {
		return "", fmt.Errorf("read assignment: %w", err)
	}
	return persisted, nil
}

// GetAssignment returns the assignment row, or nil if the user is not
// enrolled in the test.
func (db *DB) GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error) {
	var a Assignment
	err := db.QueryRowContext(ctx, `
		SELECT test_id, user_id, variant, created_at
		FROM ab_assignments WHERE test_id = ? AND user_id = ?
	`, testID, userID).Scan(&a.TestID, &a.UserID, &a.Variant, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &a, nil
}

// AddOutcome folds one observed metric value into the variant's aggregate.
func (db *DB) AddOutcome(ctx context.Context, testID, variant, metric string, value float64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ab_outcomes (test_id, variant, metric, value_sum, samples)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (test_id, variant, metric) DO UPDATE SET
			value_sum = value_sum + excluded.value_sum,
			samples   = samples + 1
	`, testID, variant, metric, value)
	if err != nil {
		return fmt.Errorf("add outcome: %w", err)
	}
	return nil
}

// TestResults returns all outcome aggregates for a test.
func (db *DB) TestResults(ctx context.Context, testID string) ([]OutcomeAggregate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT test_id, variant, metric, value_sum, samples
		FROM ab_outcomes WHERE test_id = ? ORDER BY variant, metric
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("test results: %w", err)
	}
	defer rows.Close()

	var results []OutcomeAggregate
	for rows.Next() {
		var o OutcomeAggregate
		if err := rows.Scan(&o.TestID, &o.Variant, &o.Metric, &o.ValueSum, &o.Samples); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

func scanTest(row rowScanner) (*ABTest, error) {
	var t ABTest
	var variants, metrics string
	var active int
	err := row.Scan(&t.ID, &t.Name, &t.Type, &variants, &metrics, &active, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(variants), &t.Variants); err != nil {
		return nil, fmt.Errorf("unmarshal variants: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &t.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	t.Active = active != 0
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
