package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/pixelrewrite/internal/domain"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS rewrite_batches (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	profile TEXT NOT NULL DEFAULT '',
	supports_webp BOOLEAN,
	webhook_url TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL,
	result_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE rewrite_batches ALTER COLUMN supports_webp DROP NOT NULL;
ALTER TABLE rewrite_batches ALTER COLUMN supports_webp DROP DEFAULT;
`

const selectJobSQL = `SELECT id, status, source_type, profile, supports_webp, webhook_url, object_key, result_key, created_at, updated_at
	 FROM rewrite_batches
	 WHERE id = $1`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure rewrite_batches schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rewrite_batches (id, status, source_type, profile, supports_webp, webhook_url, object_key, result_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID,
		job.Status,
		job.SourceType,
		job.Profile,
		job.SupportsWebP,
		job.WebhookURL,
		job.ObjectKey,
		job.ResultKey,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query batch: %w", err)
	}
	return job, true, nil
}

func scanJob(row *sql.Row) (domain.Job, error) {
	var (
		job          domain.Job
		supportsWebP sql.NullBool
	)
	err := row.Scan(
		&job.ID,
		&job.Status,
		&job.SourceType,
		&job.Profile,
		&supportsWebP,
		&job.WebhookURL,
		&job.ObjectKey,
		&job.ResultKey,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	if supportsWebP.Valid {
		job.SupportsWebP = &supportsWebP.Bool
	}
	return job, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.updateColumn(ctx, id, "status", status)
}

func (s *PostgresJobStore) TransitionStatus(ctx context.Context, id string, from []string, status string) (domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(
		ctx,
		`UPDATE rewrite_batches SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = ANY($4)
		 RETURNING id, status, source_type, profile, supports_webp, webhook_url, object_key, result_key, created_at, updated_at`,
		status,
		time.Now().UTC(),
		id,
		pq.Array(from),
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("transition batch status: %w", err)
	}

	current, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return current, ErrStatusConflict
}

func (s *PostgresJobStore) SetResult(ctx context.Context, id, resultKey string) (domain.Job, error) {
	return s.updateColumn(ctx, id, "result_key", resultKey)
}

func (s *PostgresJobStore) updateColumn(ctx context.Context, id, column, value string) (domain.Job, error) {
	// column is always one of the literals above.
	res, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf(`UPDATE rewrite_batches SET %s = $1, updated_at = $2 WHERE id = $3`, column),
		value,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update batch %s: %w", column, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}
