package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldvision/plotclip/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "/a.tif", "/p.shp", "/out", "2020-05-10", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	date, err := model.ParseCaptureDate("2020-05-10")
	require.NoError(t, err)

	run, err := s.CreateRun(context.Background(), "/a.tif", "/p.shp", "/out", date)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, raster_path, vector_path, output_root, capture_date, status, summary, error, started_at, finished_at`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Date(2020, 5, 10, 9, 30, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"id", "raster_path", "vector_path", "output_root", "capture_date",
		"status", "summary", "error", "started_at", "finished_at",
	}).AddRow(
		"run-1", "/a.tif", "/p.shp", "/out", "2020-05-10",
		"complete", []byte(`{"plots_total":3,"written":3}`), nil, started, nil,
	)
	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, "2020-05-10", run.Date.String())
	assert.Equal(t, 3, run.Summary.PlotsTotal)
	assert.Empty(t, run.Error)
	assert.True(t, run.FinishedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs("complete", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), "missing", model.RunStatusComplete, model.RunSummary{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveSize_Inserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO plot_sizes`).
		WithArgs("A-01", 40, 30, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	size, inserted, err := s.ReserveSize(context.Background(), "A-01", model.GridSize{Width: 40, Height: 30})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, model.GridSize{Width: 40, Height: 30}, size)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveSize_ConflictReadsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO plot_sizes`).
		WithArgs("A-01", 40, 30, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT width, height FROM plot_sizes`).
		WithArgs("A-01").
		WillReturnRows(pgxmock.NewRows([]string{"width", "height"}).AddRow(38, 29))

	size, inserted, err := s.ReserveSize(context.Background(), "A-01", model.GridSize{Width: 40, Height: 30})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, model.GridSize{Width: 38, Height: 29}, size)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveResults_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"run_id", "ordinal", "identity", "path", "width", "height", "status", "reason", "resized", "bytes", "duration_ms", "stats"}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_plot_results"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_plot_results"}, cols).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "plot_results" .+ ON CONFLICT \("run_id", "ordinal"\) DO UPDATE`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	results := []model.ClipResult{
		{RunID: "run-1", Ordinal: 1, Identity: "A-01", Status: model.PlotStatusWritten},
		{RunID: "run-1", Ordinal: 2, Identity: "A-02", Status: model.PlotStatusSkipped, Reason: "output exists"},
	}
	require.NoError(t, s.SaveResults(context.Background(), results))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListResults(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{
		"run_id", "ordinal", "identity", "path", "width", "height",
		"status", "reason", "resized", "bytes", "duration_ms", "stats",
	}).AddRow(
		"run-1", 1, "A-01", "/out/A-01.tif", 40, 30,
		"written", nil, false, int64(2048), int64(17), []byte(`[{"band":0,"mean":5.5}]`),
	)
	mock.ExpectQuery(`FROM plot_results WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(rows)

	results, err := s.ListResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.PlotStatusWritten, results[0].Status)
	assert.Equal(t, int64(2048), results[0].Bytes)
	require.Len(t, results[0].Bands, 1)
	assert.InDelta(t, 5.5, results[0].Bands[0].Mean, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	started := time.Date(2020, 5, 10, 9, 30, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"id", "raster_path", "vector_path", "output_root", "capture_date",
		"status", "summary", "error", "started_at", "finished_at",
	}).AddRow(
		"run-1", "/a.tif", "/p.shp", "/out", "2020-05-10",
		"complete", nil, nil, started, nil,
	)
	mock.ExpectQuery(`FROM runs WHERE true AND status = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("complete", 100).
		WillReturnRows(rows)

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportSizes_SkipsExisting(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_plot_sizes"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_plot_sizes"}, []string{"identity", "width", "height", "reserved_at"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "plot_sizes" .+ ON CONFLICT \("identity"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	added, err := s.ImportSizes(context.Background(), map[string]model.GridSize{
		"A-01": {Width: 40, Height: 30},
		"A-02": {Width: 41, Height: 31},
		"bad":  {},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadSizes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"identity", "width", "height"}).
		AddRow("A-01", 40, 30).
		AddRow("A-02", 41, 31)
	mock.ExpectQuery(`SELECT identity, width, height FROM plot_sizes`).
		WillReturnRows(rows)

	sizes, err := s.LoadSizes(context.Background())
	require.NoError(t, err)
	assert.Len(t, sizes, 2)
	assert.Equal(t, model.GridSize{Width: 41, Height: 31}, sizes["A-02"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
