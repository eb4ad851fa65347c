package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/001_init.sql
var initSchema string

// PostgresStore keeps each record as a jsonb document next to the few
// columns that queries filter on.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the bundled schema. It is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, initSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return scanRequest(p.db.QueryRowContext(ctx, `SELECT doc FROM trips WHERE id = $1`, id), id)
}

func (p *PostgresStore) PutRequest(ctx context.Context, r *models.Request) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trips (id, status, created_at, doc) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, created_at = EXCLUDED.created_at, doc = EXCLUDED.doc`,
		r.ID, string(r.Status), r.CreatedAt, doc)
	return err
}

func (p *PostgresStore) MarkNoWorkersAvailable(ctx context.Context, id string, at time.Time) error {
	return p.patchRequest(ctx, p.db, id, "", map[string]any{
		"noWorkersAvailable": true,
		"lastUpdated":        at,
	})
}

func (p *PostgresStore) RecordMatch(ctx context.Context, id string, rec models.MatchRecord) error {
	return p.patchRequest(ctx, p.db, id, models.StatusDriverNotified, map[string]any{
		"nearbyWorkers":    rec.Candidates,
		"notifiedWorkerId": rec.NotifiedWorkerID,
		"notificationTime": rec.NotificationTime,
		"status":           models.StatusDriverNotified,
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// patchRequest merges fields into the stored document; status also updates
// the indexed column when non-empty.
func (p *PostgresStore) patchRequest(ctx context.Context, ex execer, id string, status models.Status, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var res sql.Result
	if status != "" {
		res, err = ex.ExecContext(ctx, `UPDATE trips SET status = $2, doc = doc || $3::jsonb WHERE id = $1`, id, string(status), patch)
	} else {
		res, err = ex.ExecContext(ctx, `UPDATE trips SET doc = doc || $2::jsonb WHERE id = $1`, id, patch)
	}
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	return requireOneRow(res, "request", id)
}

func (p *PostgresStore) CompletedRequestsSince(ctx context.Context, since time.Time) ([]models.Request, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM trips WHERE status = $1 AND created_at >= $2 ORDER BY created_at, id`,
		string(models.StatusCompleted), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r models.Request
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutWorker(ctx context.Context, w *models.Worker) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, is_online, is_available, doc) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET is_online = EXCLUDED.is_online, is_available = EXCLUDED.is_available, doc = EXCLUDED.doc`,
		w.ID, w.IsOnline, w.IsAvailable, doc)
	return err
}

func (p *PostgresStore) AvailableWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM drivers WHERE is_online AND is_available ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Worker
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var w models.Worker
		if err := json.Unmarshal(doc, &w); err != nil {
			return nil, fmt.Errorf("decode worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTx{store: p, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func (p *PostgresStore) ReplaceHotspots(ctx context.Context, generation string, hs []models.Hotspot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, h := range hs {
		doc, err := json.Marshal(h)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO hotspots (generation, id, position, doc) VALUES ($1, $2, $3, $4)`,
			generation, h.ID, i, doc); err != nil {
			return fmt.Errorf("insert hotspot %s: %w", h.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO hotspot_generation (singleton, current, updated_at) VALUES (true, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET current = EXCLUDED.current, updated_at = EXCLUDED.updated_at`,
		generation, time.Now().UTC()); err != nil {
		return fmt.Errorf("swap hotspot generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM hotspots WHERE generation <> $1`, generation); err != nil {
		return fmt.Errorf("prune hotspot generations: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) ListHotspots(ctx context.Context) ([]models.Hotspot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT h.doc FROM hotspots h
		JOIN hotspot_generation g ON h.generation = g.current
		ORDER BY h.position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Hotspot{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var h models.Hotspot
		if err := json.Unmarshal(doc, &h); err != nil {
			return nil, fmt.Errorf("decode hotspot: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// pgTx locks every row it reads with FOR UPDATE, so concurrent rating
// applications on the same worker serialize on the row lock.
type pgTx struct {
	store *PostgresStore
	tx    *sql.Tx
}

func (t *pgTx) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return scanRequest(t.tx.QueryRowContext(ctx, `SELECT doc FROM trips WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *pgTx) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	var doc []byte
	err := t.tx.QueryRowContext(ctx, `SELECT doc FROM drivers WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var w models.Worker
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("decode worker %s: %w", id, err)
	}
	return &w, nil
}

func (t *pgTx) UpdateWorkerRating(ctx context.Context, id string, u models.RatingUpdate) error {
	patch, err := json.Marshal(map[string]any{
		"rating":      u.Rating,
		"ratingCount": u.RatingCount,
		"lastRatedAt": u.RatedAt,
	})
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE drivers SET doc = doc || $2::jsonb WHERE id = $1`, id, patch)
	if err != nil {
		return fmt.Errorf("update worker %s: %w", id, err)
	}
	return requireOneRow(res, "worker", id)
}

func (t *pgTx) MarkRatingProcessed(ctx context.Context, requestID string, at time.Time) error {
	return t.store.patchRequest(ctx, t.tx, requestID, "", map[string]any{
		"ratingProcessed":   true,
		"ratingProcessedAt": at,
	})
}

func scanRequest(row *sql.Row, id string) (*models.Request, error) {
	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var r models.Request
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	return &r, nil
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
