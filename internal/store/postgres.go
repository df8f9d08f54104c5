package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"floodtwin/internal/model"
)

// PostgresStore persists job records in the jobs table (see
// db/migrations). It shares a pooled *sql.DB owned by the caller.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const jobColumns = `id, input, state, stage, attempt, max_attempts, cancel_requested,
	result, error, submitted_by, metadata, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, job *model.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		job.ID, input, job.State, job.Stage, job.Attempt, job.MaxAttempts, job.CancelRequested,
		nullRaw(marshalResult(job.Result)), nullRaw(marshalError(job.Error)),
		job.SubmittedBy, nullRaw(job.Metadata), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) Put(ctx context.Context, job *model.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET input = $2, state = $3, stage = $4, attempt = $5, max_attempts = $6,
		    cancel_requested = $7, result = $8, error = $9,
		    submitted_by = $10, metadata = $11, updated_at = $12
		WHERE id = $1
	`,
		job.ID, input, job.State, job.Stage, job.Attempt, job.MaxAttempts,
		job.CancelRequested, nullRaw(marshalResult(job.Result)), nullRaw(marshalError(job.Error)),
		job.SubmittedBy, nullRaw(job.Metadata), job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expected model.State, mutate Mutator) (*model.Job, bool, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.State != expected {
		return job, false, nil
	}

	next := job.Clone()
	if err := mutate(next); err != nil {
		return job, false, err
	}

	// The WHERE clause re-checks the expected state so a concurrent
	// transition between our read and this write loses cleanly.
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state = $3, stage = $4, attempt = $5, cancel_requested = $6,
		    result = $7, error = $8, updated_at = $9
		WHERE id = $1 AND state = $2
	`,
		id, expected,
		next.State, next.Stage, next.Attempt, next.CancelRequested,
		nullRaw(marshalResult(next.Result)), nullRaw(marshalError(next.Error)),
		next.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("cas update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		fresh, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return fresh, false, nil
	}
	return next, true, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE, updated_at = $2
		WHERE id = $1 AND state IN ('queued', 'running')
	`, id, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if n == 0 {
		return job, model.ErrAlreadyTerminal
	}
	return job, nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, state model.State, cutoff time.Time) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("retention cleanup requires a terminal state, got %q", state)
	}
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE state = $1 AND updated_at < $2`, state, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) StaleInState(ctx context.Context, state model.State, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM jobs WHERE state = $1 AND updated_at < $2`, state, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job      model.Job
		input    []byte
		result   pqtype.NullRawMessage
		errField pqtype.NullRawMessage
		metadata pqtype.NullRawMessage
	)

	err := row.Scan(
		&job.ID, &input, &job.State, &job.Stage, &job.Attempt, &job.MaxAttempts, &job.CancelRequested,
		&result, &errField, &job.SubmittedBy, &metadata, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(input, &job.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if result.Valid {
		job.Result = &model.Result{}
		if err := json.Unmarshal(result.RawMessage, job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if errField.Valid {
		job.Error = &model.FailureDetail{}
		if err := json.Unmarshal(errField.RawMessage, job.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	if metadata.Valid {
		job.Metadata = json.RawMessage(metadata.RawMessage)
	}
	return &job, nil
}

func marshalResult(r *model.Result) json.RawMessage {
	if r == nil {
		return nil
	}
	raw, _ := json.Marshal(r)
	return raw
}

func marshalError(d *model.FailureDetail) json.RawMessage {
	if d == nil {
		return nil
	}
	raw, _ := json.Marshal(d)
	return raw
}

func nullRaw(raw json.RawMessage) pqtype.NullRawMessage {
	if len(raw) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}
