package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fieldvision/plotclip/internal/db"
	"github.com/fieldvision/plotclip/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":   `INSERT INTO runs (id, raster_path, vector_path, output_root, capture_date, status, started_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"finish_run":   `UPDATE runs SET status = $1, summary = $2, error = $3, finished_at = $4 WHERE id = $5`,
	"get_run":      `SELECT id, raster_path, vector_path, output_root, capture_date, status, summary, error, started_at, finished_at FROM runs WHERE id = $1`,
	"list_results": `SELECT run_id, ordinal, identity, path, width, height, status, reason, resized, bytes, duration_ms, stats FROM plot_results WHERE run_id = $1 ORDER BY ordinal`,
	"load_sizes":   `SELECT identity, width, height FROM plot_sizes`,
	"reserve_size": `INSERT INTO plot_sizes (identity, width, height, reserved_at) VALUES ($1, $2, $3, $4) ON CONFLICT (identity) DO NOTHING`,
	"get_size":     `SELECT width, height FROM plot_sizes WHERE identity = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	raster_path  TEXT NOT NULL,
	vector_path  TEXT NOT NULL,
	output_root  TEXT NOT NULL,
	capture_date TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	summary      JSONB,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at  TIMESTAMPTZ
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
	resized     BOOLEAN NOT NULL DEFAULT false,
	bytes       BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	stats       JSONB,
	PRIMARY KEY (run_id, ordinal)
);

CREATE TABLE IF NOT EXISTS plot_sizes (
	identity    TEXT PRIMARY KEY,
	width       INTEGER NOT NULL,
	height      INTEGER NOT NULL,
	reserved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_date ON runs(capture_date);
CREATE INDEX IF NOT EXISTS idx_plot_results_identity ON plot_results(identity);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, rasterPath, vectorPath, outputRoot string, date model.CaptureDate) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, raster_path, vector_path, output_root, capture_date, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, rasterPath, vectorPath, outputRoot, date.String(), string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary model.RunSummary, runErr string) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	var errVal *string
	if runErr != "" {
		errVal = &runErr
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(status), summaryJSON, errVal, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, raster_path, vector_path, output_root, capture_date, status, summary, error, started_at, finished_at
		 FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPostgresRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, raster_path, vector_path, output_root, capture_date, status, summary, error, started_at, finished_at
	          FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Date != "" {
		query += fmt.Sprintf(` AND capture_date = $%d`, argIdx)
		args = append(args, filter.Date)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SaveResults(ctx context.Context, results []model.ClipResult) error {
	if len(results) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(results))
	for _, res := range results {
		statsJSON, err := json.Marshal(res.Bands)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal stats for plot %s", res.Identity)
		}
		rows = append(rows, []any{
			res.RunID, res.Ordinal, res.Identity, res.Path, res.Width, res.Height,
			string(res.Status), res.Reason, res.Resized, res.Bytes, res.Duration, statsJSON,
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "plot_results",
		Columns:      []string{"run_id", "ordinal", "identity", "path", "width", "height", "status", "reason", "resized", "bytes", "duration_ms", "stats"},
		ConflictKeys: []string{"run_id", "ordinal"},
	}, rows)
	return eris.Wrap(err, "postgres: save results")
}

func (s *PostgresStore) ListResults(ctx context.Context, runID string) ([]model.ClipResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, ordinal, identity, path, width, height, status, reason, resized, bytes, duration_ms, stats
		 FROM plot_results WHERE run_id = $1 ORDER BY ordinal`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list results for run %s", runID)
	}
	defer rows.Close()

	var results []model.ClipResult
	for rows.Next() {
		var res model.ClipResult
		var status string
		var reason *string
		var statsJSON []byte

		if err := rows.Scan(&res.RunID, &res.Ordinal, &res.Identity, &res.Path,
			&res.Width, &res.Height, &status, &reason, &res.Resized,
			&res.Bytes, &res.Duration, &statsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		res.Status = model.PlotStatus(status)
		if reason != nil {
			res.Reason = *reason
		}
		if len(statsJSON) > 0 && string(statsJSON) != "null" {
			if err := json.Unmarshal(statsJSON, &res.Bands); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stats")
			}
		}
		results = append(results, res)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) LoadSizes(ctx context.Context) (map[string]model.GridSize, error) {
	rows, err := s.pool.Query(ctx, `SELECT identity, width, height FROM plot_sizes`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load sizes")
	}
	defer rows.Close()

	sizes := make(map[string]model.GridSize)
	for rows.Next() {
		var identity string
		var size model.GridSize
		if err := rows.Scan(&identity, &size.Width, &size.Height); err != nil {
			return nil, eris.Wrap(err, "postgres: scan size")
		}
		sizes[identity] = size
	}
	return sizes, eris.Wrap(rows.Err(), "postgres: load sizes iterate")
}

func (s *PostgresStore) ReserveSize(ctx context.Context, identity string, size model.GridSize) (model.GridSize, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO plot_sizes (identity, width, height, reserved_at) VALUES ($1, $2, $3, $4) ON CONFLICT (identity) DO NOTHING`,
		identity, size.Width, size.Height, time.Now().UTC(),
	)
	if err != nil {
		return model.GridSize{}, false, eris.Wrapf(err, "postgres: reserve size for %s", identity)
	}
	if tag.RowsAffected() > 0 {
		return size, true, nil
	}

	var existing model.GridSize
	err = s.pool.QueryRow(ctx,
		`SELECT width, height FROM plot_sizes WHERE identity = $1`, identity,
	).Scan(&existing.Width, &existing.Height)
	if err != nil {
		return model.GridSize{}, false, eris.Wrapf(err, "postgres: read reserved size for %s", identity)
	}
	return existing, false, nil
}

func (s *PostgresStore) ImportSizes(ctx context.Context, sizes map[string]model.GridSize) (int, error) {
	if len(sizes) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(sizes))
	for identity, size := range sizes {
		if size.IsZero() {
			continue
		}
		rows = append(rows, []any{identity, size.Width, size.Height, now})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "plot_sizes",
		Columns:      []string{"identity", "width", "height", "reserved_at"},
		ConflictKeys: []string{"identity"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import sizes")
	}
	return int(n), nil
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var dateStr, status string
	var summaryJSON []byte
	var errMsg *string
	var finished *time.Time

	err := row.Scan(&r.ID, &r.RasterPath, &r.VectorPath, &r.OutputRoot, &dateStr,
		&status, &summaryJSON, &errMsg, &r.StartedAt, &finished)
	if err != nil {
		return nil, err
	}

	r.Status = model.RunStatus(status)
	r.Date, err = model.ParseCaptureDate(dateStr)
	if err != nil {
		return nil, err
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &r.Summary); err != nil {
			return nil, err
		}
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	if finished != nil {
		r.FinishedAt = *finished
	}
	return &r, nil
}
