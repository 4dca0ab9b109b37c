package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fieldvision/plotclip/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	raster_path  TEXT NOT NULL,
	vector_path  TEXT NOT NULL,
	output_root  TEXT NOT NULL,
	capture_date TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	summary      TEXT,
	error        TEXT,
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at  DATETIME
);

CREATE TABLE IF NOT EXISTS plot_results (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	ordinal     INTEGER NOT NULL,
	identity    TEXT NOT NULL,
	path        TEXT,
	width       INTEGER NOT NULL DEFAULT 0,
	height      INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	reason      TEXT,
	resized     INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	stats       TEXT,
	PRIMARY KEY (run_id, ordinal)
);

CREATE TABLE IF NOT EXISTS plot_sizes (
	identity    TEXT PRIMARY KEY,
	width       INTEGER NOT NULL,
	height      INTEGER NOT NULL,
	reserved_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_date ON runs(capture_date);
CREATE INDEX IF NOT EXISTS idx_plot_results_identity ON plot_results(identity);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, rasterPath, vectorPath, outputRoot string, date model.CaptureDate) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, raster_path, vector_path, output_root, capture_date, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rasterPath, vectorPath, outputRoot, date.String(), string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:         id,
		RasterPath: rasterPath,
		VectorPath: vectorPath,
		OutputRoot: outputRoot,
		Date:       date,
		Status:     model.RunStatusRunning,
		StartedAt:  now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary model.RunSummary, runErr string) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	var errVal any
	if runErr != "" {
		errVal = runErr
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), string(summaryJSON), errVal, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, raster_path, vector_path, output_root, capture_date, status, summary, error, started_at, finished_at
		 FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, raster_path, vector_path, output_root, capture_date, status, summary, error, started_at, finished_at
	          FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Date != "" {
		query += ` AND capture_date = ?`
		args = append(args, filter.Date)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveResults(ctx context.Context, results []model.ClipResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save results")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, res := range results {
		statsJSON, err := json.Marshal(res.Bands)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal stats for plot %s", res.Identity)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO plot_results
			 (run_id, ordinal, identity, path, width, height, status, reason, resized, bytes, duration_ms, stats)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, res.Ordinal, res.Identity, res.Path, res.Width, res.Height,
			string(res.Status), res.Reason, res.Resized, res.Bytes,
			res.Duration, string(statsJSON),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert result for plot %s", res.Identity)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save results")
}

func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]model.ClipResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, ordinal, identity, path, width, height, status, reason, resized, bytes, duration_ms, stats
		 FROM plot_results WHERE run_id = ? ORDER BY ordinal`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list results for run %s", runID)
	}
	defer rows.Close()

	var results []model.ClipResult
	for rows.Next() {
		var res model.ClipResult
		var status string
		var reason, statsJSON sql.NullString

		if err := rows.Scan(&res.RunID, &res.Ordinal, &res.Identity, &res.Path,
			&res.Width, &res.Height, &status, &reason, &res.Resized,
			&res.Bytes, &res.Duration, &statsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		res.Status = model.PlotStatus(status)
		res.Reason = reason.String
		if statsJSON.Valid && statsJSON.String != "" && statsJSON.String != "null" {
			if err := json.Unmarshal([]byte(statsJSON.String), &res.Bands); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stats")
			}
		}
		results = append(results, res)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) LoadSizes(ctx context.Context) (map[string]model.GridSize, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity, width, height FROM plot_sizes`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load sizes")
	}
	defer rows.Close()

	sizes := make(map[string]model.GridSize)
	for rows.Next() {
		var identity string
		var size model.GridSize
		if err := rows.Scan(&identity, &size.Width, &size.Height); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan size")
		}
		sizes[identity] = size
	}
	return sizes, eris.Wrap(rows.Err(), "sqlite: load sizes iterate")
}

func (s *SQLiteStore) ReserveSize(ctx context.Context, identity string, size model.GridSize) (model.GridSize, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO plot_sizes (identity, width, height, reserved_at) VALUES (?, ?, ?, ?)`,
		identity, size.Width, size.Height, time.Now().UTC(),
	)
	if err != nil {
		return model.GridSize{}, false, eris.Wrapf(err, "sqlite: reserve size for %s", identity)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.GridSize{}, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return size, true, nil
	}

	var existing model.GridSize
	err = s.db.QueryRowContext(ctx,
		`SELECT width, height FROM plot_sizes WHERE identity = ?`, identity,
	).Scan(&existing.Width, &existing.Height)
	if err != nil {
		return model.GridSize{}, false, eris.Wrapf(err, "sqlite: read reserved size for %s", identity)
	}
	return existing, false, nil
}

func (s *SQLiteStore) ImportSizes(ctx context.Context, sizes map[string]model.GridSize) (int, error) {
	if len(sizes) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import sizes")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	added := 0
	for identity, size := range sizes {
		if size.IsZero() {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO plot_sizes (identity, width, height, reserved_at) VALUES (?, ?, ?, ?)`,
			identity, size.Width, size.Height, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import size for %s", identity)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import sizes")
	}
	return added, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var dateStr, status string
	var summaryJSON, errMsg sql.NullString
	var finished sql.NullTime

	err := row.Scan(&r.ID, &r.RasterPath, &r.VectorPath, &r.OutputRoot, &dateStr,
		&status, &summaryJSON, &errMsg, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	r.Status = model.RunStatus(status)
	r.Date, err = model.ParseCaptureDate(dateStr)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: run %s has bad capture date", r.ID)
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	r.Error = errMsg.String
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}
