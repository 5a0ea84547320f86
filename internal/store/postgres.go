package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadpipe/internal/models"
)

const (
	maxAttempts = 3

	recordColumns = `upload_id, status, stage,
		total_batches, completed_batches, total_leads, processed_leads, created_leads, updated_leads,
		percentage, processing_rate, estimated_remaining, show_estimates,
		file_name, file_size, start_time, completion_time, cancellation_time, cancellation_reason,
		forced_completion, recovery_action,
		error_message, error_code, error_timestamp, error_recoverable, error_retry_after,
		created_at, updated_at, expires_at`
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the status table if it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS upload_status (
			upload_id           TEXT PRIMARY KEY,
			status              TEXT NOT NULL,
			stage               TEXT NOT NULL,
			total_batches       INT NOT NULL DEFAULT 0,
			completed_batches   INT NOT NULL DEFAULT 0,
			total_leads         INT NOT NULL DEFAULT 0,
			processed_leads     INT NOT NULL DEFAULT 0,
			created_leads       INT NOT NULL DEFAULT 0,
			updated_leads       INT NOT NULL DEFAULT 0,
			percentage          DOUBLE PRECISION NOT NULL DEFAULT 0,
			processing_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
			estimated_remaining INT NOT NULL DEFAULT 0,
			show_estimates      BOOLEAN NOT NULL DEFAULT FALSE,
			file_name           TEXT NOT NULL DEFAULT '',
			file_size           BIGINT NOT NULL DEFAULT 0,
			start_time          TIMESTAMPTZ NOT NULL,
			completion_time     TIMESTAMPTZ,
			cancellation_time   TIMESTAMPTZ,
			cancellation_reason TEXT NOT NULL DEFAULT '',
			forced_completion   BOOLEAN NOT NULL DEFAULT FALSE,
			recovery_action     TEXT NOT NULL DEFAULT '',
			error_message       TEXT,
			error_code          TEXT,
			error_timestamp     TIMESTAMPTZ,
			error_recoverable   BOOLEAN,
			error_retry_after   INT,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at          TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, uploadID string) (*models.StatusRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM upload_status WHERE upload_id = $1 AND expires_at > NOW()`

	var record *models.StatusRecord
	err := withRetry(ctx, func() error {
		row := s.db.QueryRow(ctx, query, uploadID)
		rec, err := scanRecord(row)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, record *models.StatusRecord) error {
	query := `
		INSERT INTO upload_status (
			upload_id, status, stage,
			total_batches, completed_batches, total_leads, processed_leads, created_leads, updated_leads,
			percentage, processing_rate, estimated_remaining, show_estimates,
			file_name, file_size, start_time,
			created_at, updated_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (upload_id) DO NOTHING
	`

	return withRetry(ctx, func() error {
		result, err := s.db.Exec(ctx, query,
			record.UploadID, record.Status, record.Stage,
			record.Progress.TotalBatches, record.Progress.CompletedBatches,
			record.Progress.TotalLeads, record.Progress.ProcessedLeads,
			record.Progress.CreatedLeads, record.Progress.UpdatedLeads,
			record.Progress.Percentage, record.Progress.ProcessingRate,
			record.Progress.EstimatedRemainingSeconds, record.Progress.ShowEstimates,
			record.Metadata.FileName, record.Metadata.FileSize, record.Metadata.StartTime,
			record.CreatedAt, record.UpdatedAt, record.ExpiresAt,
		)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrAlreadyExists
		}
		return nil
	})
}

func (s *PostgresStore) Update(ctx context.Context, uploadID string, m Mutation) (*models.StatusRecord, error) {
	set := []string{"updated_at = NOW()"}
	args := []any{uploadID}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if m.Status != nil {
		add("status", *m.Status)
	}
	if m.Stage != nil {
		add("stage", *m.Stage)
	}
	if m.TotalBatches != nil {
		add("total_batches", *m.TotalBatches)
	}
	if m.CompletedBatches != nil {
		add("completed_batches", *m.CompletedBatches)
	}
	if m.TotalLeads != nil {
		add("total_leads", *m.TotalLeads)
	}
	if m.ProcessedLeads != nil {
		add("processed_leads", *m.ProcessedLeads)
	}
	if m.CreatedLeads != nil {
		add("created_leads", *m.CreatedLeads)
	}
	if m.UpdatedLeads != nil {
		add("updated_leads", *m.UpdatedLeads)
	}
	if m.Percentage != nil {
		add("percentage", *m.Percentage)
	}
	if m.ProcessingRate != nil {
		add("processing_rate", *m.ProcessingRate)
	}
	if m.EstimatedRemaining != nil {
		add("estimated_remaining", *m.EstimatedRemaining)
	}
	if m.ShowEstimates != nil {
		add("show_estimates", *m.ShowEstimates)
	}
	if m.CompletionTime != nil {
		add("completion_time", *m.CompletionTime)
	}
	if m.CancellationTime != nil {
		add("cancellation_time", *m.CancellationTime)
	}
	if m.CancellationReason != nil {
		add("cancellation_reason", *m.CancellationReason)
	}
	if m.ForcedCompletion != nil {
		add("forced_completion", *m.ForcedCompletion)
	}
	if m.RecoveryAction != nil {
		add("recovery_action", *m.RecoveryAction)
	}
	if m.Error != nil {
		add("error_message", m.Error.Message)
		add("error_code", m.Error.Code)
		add("error_timestamp", m.Error.Timestamp)
		add("error_recoverable", m.Error.Recoverable)
		add("error_retry_after", m.Error.RetryAfter)
	} else if m.ClearError {
		set = append(set,
			"error_message = NULL", "error_code = NULL", "error_timestamp = NULL",
			"error_recoverable = NULL", "error_retry_after = NULL")
	}

	query := `UPDATE upload_status SET ` + strings.Join(set, ", ") +
		` WHERE upload_id = $1 AND expires_at > NOW()`
	if len(m.StatusIn) > 0 {
		args = append(args, statusStrings(m.StatusIn))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += ` RETURNING ` + recordColumns

	var record *models.StatusRecord
	err := withRetry(ctx, func() error {
		row := s.db.QueryRow(ctx, query, args...)
		rec, err := scanRecord(row)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if len(m.StatusIn) > 0 {
				if _, getErr := s.Get(ctx, uploadID); getErr == nil {
					return nil, ErrPreconditionFailed
				}
			}
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// IncrementProgress is the race-prevention primitive: a single UPDATE with
// RETURNING both applies the increments and reads the resulting counters, so
// no application-level read-modify-write window exists between concurrent
// batch workers. The stored percentage is derived in the same statement,
// which keeps it monotonic under concurrent increments; a zero total leaves
// it untouched (unknown denominator, never a division).
func (s *PostgresStore) IncrementProgress(ctx context.Context, uploadID string, d ProgressDelta) (*models.StatusRecord, error) {
	query := `
		UPDATE upload_status
		SET completed_batches = completed_batches + $2,
		    processed_leads = processed_leads + $3,
		    created_leads = created_leads + $4,
		    updated_leads = updated_leads + $5,
		    percentage = CASE WHEN total_batches > 0
		        THEN LEAST(100.0, (completed_batches + $2)::DOUBLE PRECISION / total_batches * 100.0)
		        ELSE percentage END,
		    updated_at = NOW()
		WHERE upload_id = $1 AND expires_at > NOW()
		RETURNING ` + recordColumns

	var record *models.StatusRecord
	err := withRetry(ctx, func() error {
		row := s.db.QueryRow(ctx, query, uploadID,
			d.CompletedBatches, d.ProcessedLeads, d.CreatedLeads, d.UpdatedLeads)
		rec, err := scanRecord(row)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

func (s *PostgresStore) ListStuck(ctx context.Context) ([]string, error) {
	query := `
		SELECT upload_id FROM upload_status
		WHERE total_batches > 0
		  AND completed_batches >= total_batches
		  AND status NOT IN ('completed', 'cancelled')
		  AND expires_at > NOW()
	`

	var ids []string
	err := withRetry(ctx, func() error {
		rows, err := s.db.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, func() error {
		result, err := s.db.Exec(ctx, `DELETE FROM upload_status WHERE expires_at <= $1`, now)
		if err != nil {
			return err
		}
		deleted = result.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func scanRecord(row pgx.Row) (*models.StatusRecord, error) {
	var (
		record        models.StatusRecord
		errMessage    *string
		errCode       *string
		errTimestamp  *time.Time
		errRecovrable *bool
		errRetryAfter *int
	)

	err := row.Scan(
		&record.UploadID, &record.Status, &record.Stage,
		&record.Progress.TotalBatches, &record.Progress.CompletedBatches,
		&record.Progress.TotalLeads, &record.Progress.ProcessedLeads,
		&record.Progress.CreatedLeads, &record.Progress.UpdatedLeads,
		&record.Progress.Percentage, &record.Progress.ProcessingRate,
		&record.Progress.EstimatedRemainingSeconds, &record.Progress.ShowEstimates,
		&record.Metadata.FileName, &record.Metadata.FileSize, &record.Metadata.StartTime,
		&record.Metadata.CompletionTime, &record.Metadata.CancellationTime,
		&record.Metadata.CancellationReason, &record.Metadata.ForcedCompletion,
		&record.Metadata.RecoveryAction,
		&errMessage, &errCode, &errTimestamp, &errRecovrable, &errRetryAfter,
		&record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if errMessage != nil {
		info := &models.ErrorInfo{Message: *errMessage}
		if errCode != nil {
			info.Code = *errCode
		}
		if errTimestamp != nil {
			info.Timestamp = *errTimestamp
		}
		if errRecovrable != nil {
			info.Recoverable = *errRecovrable
		}
		if errRetryAfter != nil {
			info.RetryAfter = *errRetryAfter
		}
		record.Error = info
	}

	return &record, nil
}

// withRetry retries transient store failures with quadratic backoff. Row
// misses and conflict signals are surfaced immediately: retrying cannot
// change those outcomes.
func withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := time.Duration(250*attempt*attempt) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("store operation failed after %d attempts: %w", maxAttempts, lastErr)
}

func transient(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrAlreadyExists) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// connection failures, serialization/deadlock, resource exhaustion,
		// admin shutdown
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return true
		}
	}
	return false
}
