package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// TrafficMigrations creates the traffic result history table.
var TrafficMigrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create traffic_results table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS traffic_results (
					test_id        TEXT PRIMARY KEY,
					source_ip      TEXT NOT NULL,
					target_ip      TEXT NOT NULL,
					protocol       TEXT NOT NULL,
					status         TEXT NOT NULL,
					config_json    TEXT NOT NULL,
					start_time     TEXT,
					end_time       TEXT,
					result_json    TEXT,
					error_msg      TEXT NOT NULL DEFAULT '',
					poll_attempts  INTEGER NOT NULL DEFAULT 0,
					poll_exhausted INTEGER NOT NULL DEFAULT 0
				)`)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_traffic_results_start ON traffic_results(start_time)`)
			return err
		},
	},
}

// TrafficRepository stores traffic tests that left the polling loop.
type TrafficRepository interface {
	// Save inserts or replaces the test keyed by TestID.
	Save(ctx context.Context, test *models.TrafficTest) error

	// Get returns one stored test.
	Get(ctx context.Context, testID string) (*models.TrafficTest, error)

	// List returns stored tests ordered by start time.
	List(ctx context.Context, opts ListOptions) (*ListResult[models.TrafficTest], error)
}

// Compile-time interface guard.
var _ TrafficRepository = (*SQLiteTrafficRepository)(nil)

// SQLiteTrafficRepository implements TrafficRepository using SQLite.
type SQLiteTrafficRepository struct {
	db *sql.DB
}

// NewSQLiteTrafficRepository creates a TrafficRepository. TrafficMigrations
// must already be applied.
func NewSQLiteTrafficRepository(db *sql.DB) *SQLiteTrafficRepository {
	return &SQLiteTrafficRepository{db: db}
}

const trafficColumns = `test_id, source_ip, target_ip, protocol, status, config_json,
	start_time, end_time, result_json, error_msg, poll_attempts, poll_exhausted`

func scanTrafficRow(row rowScanner) (models.TrafficTest, error) {
	var (
		t                  models.TrafficTest
		configJSON         string
		start, end, result *string
	)
	if err := row.Scan(&t.TestID, &t.SourceIP, &t.TargetIP, &t.Protocol, &t.Status, &configJSON,
		&start, &end, &result, &t.Error, &t.PollAttempts, &t.PollExhausted); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
		return t, fmt.Errorf("decode config: %w", err)
	}
	if result != nil && *result != "" {
		var res models.TrafficResult
		if err := json.Unmarshal([]byte(*result), &res); err != nil {
			return t, fmt.Errorf("decode result: %w", err)
		}
		t.Result = &res
	}
	var err error
	if t.StartTime, err = parseTS(start); err != nil {
		return t, err
	}
	if t.EndTime, err = parseTS(end); err != nil {
		return t, err
	}
	return t, nil
}

func (r *SQLiteTrafficRepository) Save(ctx context.Context, test *models.TrafficTest) error {
	if test.TestID == "" {
		return errors.New("save traffic test: empty test id")
	}
	configJSON, err := json.Marshal(test.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var resultJSON any
	if test.Result != nil {
		b, err := json.Marshal(test.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		resultJSON = string(b)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO traffic_results (`+trafficColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		test.TestID, test.SourceIP, test.TargetIP, string(test.Protocol), string(test.Status),
		string(configJSON), formatTS(test.StartTime), formatTS(test.EndTime), resultJSON,
		test.Error, test.PollAttempts, test.PollExhausted,
	)
	if err != nil {
		return fmt.Errorf("save traffic test %q: %w", test.TestID, err)
	}
	return nil
}

func (r *SQLiteTrafficRepository) Get(ctx context.Context, testID string) (*models.TrafficTest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+trafficColumns+` FROM traffic_results WHERE test_id = ?`, testID)
	t, err := scanTrafficRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get traffic test %q: %w", testID, err)
	}
	return &t, nil
}

func (r *SQLiteTrafficRepository) List(ctx context.Context, opts ListOptions) (*ListResult[models.TrafficTest], error) {
	opts = normalizeListOptions(opts)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traffic_results`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count traffic tests: %w", err)
	}

	//nolint:gosec // direction comes from orderDirection
	query := fmt.Sprintf(`SELECT %s FROM traffic_results ORDER BY start_time %s LIMIT ? OFFSET ?`,
		trafficColumns, orderDirection(opts))
	rows, err := r.db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list traffic tests: %w", err)
	}
	defer rows.Close()

	tests := []models.TrafficTest{}
	for rows.Next() {
		t, err := scanTrafficRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traffic tests: %w", err)
	}
	return &ListResult[models.TrafficTest]{Items: tests, Total: total}, nil
}
