package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func setupPostgresTest(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresStore_GetRequest(t *testing.T) {
	testCases := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		check     func(t *testing.T, r *models.Request, err error)
	}{
		{
			name: "Success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{"doc"}).
					AddRow([]byte(`{"id":"t1","status":"searching","pickup":{"lat":37,"lng":-122}}`))
				mock.ExpectQuery("^SELECT doc FROM trips WHERE id").WithArgs("t1").WillReturnRows(rows)
			},
			check: func(t *testing.T, r *models.Request, err error) {
				require.NoError(t, err)
				assert.Equal(t, models.StatusSearching, r.Status)
				pt, ok := r.Pickup.Coords()
				assert.True(t, ok)
				assert.Equal(t, 37.0, pt.Lat)
			},
		},
		{
			name: "Not Found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("^SELECT doc FROM trips WHERE id").WithArgs("t1").WillReturnError(sql.ErrNoRows)
			},
			check: func(t *testing.T, r *models.Request, err error) {
				assert.ErrorIs(t, err, ErrNotFound)
				assert.Nil(t, r)
			},
		},
		{
			name: "Database Error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("^SELECT doc FROM trips WHERE id").WithArgs("t1").WillReturnError(errors.New("database error"))
			},
			check: func(t *testing.T, r *models.Request, err error) {
				assert.Error(t, err)
				assert.False(t, errors.Is(err, ErrNotFound))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := setupPostgresTest(t)
			tc.mockSetup(mock)
			r, err := store.GetRequest(context.Background(), "t1")
			tc.check(t, r, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_MarkNoWorkersAvailable(t *testing.T) {
	store, mock := setupPostgresTest(t)
	mock.ExpectExec(`^UPDATE trips SET doc = doc \|\| \$2::jsonb WHERE id = \$1`).
		WithArgs("t1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^UPDATE trips SET doc = doc \|\| \$2::jsonb WHERE id = \$1`).
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.MarkNoWorkersAvailable(context.Background(), "t1", time.Now()))
	assert.ErrorIs(t, store.MarkNoWorkersAvailable(context.Background(), "missing", time.Now()), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordMatchUpdatesStatusColumn(t *testing.T) {
	store, mock := setupPostgresTest(t)
	mock.ExpectExec(`^UPDATE trips SET status = \$2, doc = doc \|\| \$3::jsonb WHERE id = \$1`).
		WithArgs("t1", "driver_notified", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RecordMatch(context.Background(), "t1", models.MatchRecord{
		Candidates:       []models.Candidate{{WorkerID: "w1", Distance: 1}},
		NotifiedWorkerID: "w1",
		NotificationTime: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AvailableWorkers(t *testing.T) {
	store, mock := setupPostgresTest(t)
	rows := sqlmock.NewRows([]string{"doc"}).
		AddRow([]byte(`{"id":"w1","isOnline":true,"isAvailable":true,"ratingCount":0}`)).
		AddRow([]byte(`{"id":"w2","isOnline":true,"isAvailable":true,"ratingCount":3,"rating":4.5}`))
	mock.ExpectQuery("^SELECT doc FROM drivers WHERE is_online AND is_available ORDER BY seq").WillReturnRows(rows)

	ws, err := store.AvailableWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, "w1", ws[0].ID)
	require.NotNil(t, ws[1].Rating)
	assert.Equal(t, 4.5, *ws[1].Rating)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunInTransactionRollsBack(t *testing.T) {
	store, mock := setupPostgresTest(t)
	mock.ExpectBegin()
	mock.ExpectQuery("^SELECT doc FROM drivers WHERE id = \\$1 FOR UPDATE").
		WithArgs("w1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.RunInTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.GetWorker(ctx, "w1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunInTransactionCommits(t *testing.T) {
	store, mock := setupPostgresTest(t)
	mock.ExpectBegin()
	mock.ExpectExec(`^UPDATE drivers SET doc = doc \|\| \$2::jsonb WHERE id = \$1`).
		WithArgs("w1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^UPDATE trips SET doc = doc \|\| \$2::jsonb WHERE id = \$1`).
		WithArgs("t1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RunInTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.UpdateWorkerRating(ctx, "w1", models.RatingUpdate{Rating: 4, RatingCount: 1, RatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.MarkRatingProcessed(ctx, "t1", time.Now())
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceHotspots(t *testing.T) {
	store, mock := setupPostgresTest(t)
	mock.ExpectBegin()
	mock.ExpectExec("^INSERT INTO hotspots").WithArgs("g1", "hotspot_0", 0, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("^INSERT INTO hotspots").WithArgs("g1", "hotspot_1", 1, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO hotspot_generation").WithArgs("g1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("^DELETE FROM hotspots WHERE generation <> \\$1").WithArgs("g1").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	err := store.ReplaceHotspots(context.Background(), "g1", []models.Hotspot{{ID: "hotspot_0"}, {ID: "hotspot_1"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReplaceHotspotsRollsBackOnInsertError(t *testing.T) {
	store, mock := setupPostgresTest(t)
	mock.ExpectBegin()
	mock.ExpectExec("^INSERT INTO hotspots").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.ReplaceHotspots(context.Background(), "g1", []models.Hotspot{{ID: "hotspot_0"}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
