package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// ScanMigrations creates the scan log table.
var ScanMigrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create grid_scans table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS grid_scans (
					id              TEXT PRIMARY KEY,
					subnet          TEXT NOT NULL,
					started_at      TEXT NOT NULL,
					ended_at        TEXT,
					status          TEXT NOT NULL,
					total           INTEGER NOT NULL DEFAULT 0,
					active          INTEGER NOT NULL DEFAULT 0,
					inactive        INTEGER NOT NULL DEFAULT 0,
					previously_used INTEGER NOT NULL DEFAULT 0,
					reserved        INTEGER NOT NULL DEFAULT 0,
					scan_time       REAL NOT NULL DEFAULT 0,
					error_msg       TEXT NOT NULL DEFAULT ''
				)`)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_grid_scans_started ON grid_scans(started_at)`)
			return err
		},
	},
}

// ScanRepository provides access to the local scan log.
type ScanRepository interface {
	// Get returns a single scan by ID.
	Get(ctx context.Context, id string) (*models.ScanResult, error)

	// List returns a paginated list of scans ordered by start time.
	// Records are not included.
	List(ctx context.Context, opts ListOptions) (*ListResult[models.ScanResult], error)

	// Create inserts a running scan. If scan.ID is empty, a UUID is generated.
	Create(ctx context.Context, scan *models.ScanResult) error

	// Finish stores the final status, counts, and end time of a scan.
	Finish(ctx context.Context, scan *models.ScanResult) error
}

// Compile-time interface guard.
var _ ScanRepository = (*SQLiteScanRepository)(nil)

// SQLiteScanRepository implements ScanRepository using SQLite.
type SQLiteScanRepository struct {
	db *sql.DB
}

// NewSQLiteScanRepository creates a ScanRepository. ScanMigrations must
// already be applied.
func NewSQLiteScanRepository(db *sql.DB) *SQLiteScanRepository {
	return &SQLiteScanRepository{db: db}
}

const scanColumns = `id, subnet, started_at, ended_at, status, total, active,
	inactive, previously_used, reserved, scan_time, error_msg`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRow(row rowScanner) (models.ScanResult, error) {
	var (
		s                  models.ScanResult
		startedAt, endedAt *string
	)
	if err := row.Scan(&s.ID, &s.Subnet, &startedAt, &endedAt, &s.Status, &s.Total,
		&s.Active, &s.Inactive, &s.PreviouslyUsed, &s.Reserved, &s.ScanTime, &s.Error); err != nil {
		return s, err
	}
	var err error
	if s.StartedAt, err = parseTS(startedAt); err != nil {
		return s, err
	}
	if s.EndedAt, err = parseTS(endedAt); err != nil {
		return s, err
	}
	return s, nil
}

func (r *SQLiteScanRepository) Get(ctx context.Context, id string) (*models.ScanResult, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM grid_scans WHERE id = ?`, id)
	s, err := scanScanRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get scan %q: %w", id, err)
	}
	return &s, nil
}

func (r *SQLiteScanRepository) List(ctx context.Context, opts ListOptions) (*ListResult[models.ScanResult], error) {
	opts = normalizeListOptions(opts)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM grid_scans`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count scans: %w", err)
	}

	//nolint:gosec // direction comes from orderDirection
	query := fmt.Sprintf(`SELECT %s FROM grid_scans ORDER BY started_at %s LIMIT ? OFFSET ?`,
		scanColumns, orderDirection(opts))
	rows, err := r.db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	scans := []models.ScanResult{}
	for rows.Next() {
		s, err := scanScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		scans = append(scans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}
	return &ListResult[models.ScanResult]{Items: scans, Total: total}, nil
}

func (r *SQLiteScanRepository) Create(ctx context.Context, scan *models.ScanResult) error {
	if scan.ID == "" {
		scan.ID = uuid.New().String()
	}
	if scan.StartedAt.IsZero() {
		scan.StartedAt = models.NewTimestamp(time.Now())
	}
	if scan.Status == "" {
		scan.Status = "running"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO grid_scans (id, subnet, started_at, status)
		VALUES (?, ?, ?, ?)`,
		scan.ID, scan.Subnet, formatTS(scan.StartedAt), scan.Status,
	)
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}
	return nil
}

func (r *SQLiteScanRepository) Finish(ctx context.Context, scan *models.ScanResult) error {
	if scan.EndedAt.IsZero() {
		scan.EndedAt = models.NewTimestamp(time.Now())
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE grid_scans SET ended_at = ?, status = ?, total = ?, active = ?,
			inactive = ?, previously_used = ?, reserved = ?, scan_time = ?, error_msg = ?
		WHERE id = ?`,
		formatTS(scan.EndedAt), scan.Status, scan.Total, scan.Active, scan.Inactive,
		scan.PreviouslyUsed, scan.Reserved, scan.ScanTime, scan.Error, scan.ID,
	)
	if err != nil {
		return fmt.Errorf("finish scan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
