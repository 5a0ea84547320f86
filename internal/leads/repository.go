package leads

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadpipe/internal/models"
)

// Repository persists normalized leads. Upserts are keyed by
// (upload_id, email) so a re-processed batch updates rather than duplicates.
type Repository interface {
	UpsertBatch(ctx context.Context, leads []models.Lead) (created, updated int, err error)
	List(ctx context.Context, uploadID string, limit, offset int) ([]models.Lead, error)
	ForEach(ctx context.Context, uploadID string, fn func(models.Lead) error) error
	CountByUpload(ctx context.Context, uploadID string) (int, error)
}

type PostgresRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS leads (
			id         UUID PRIMARY KEY,
			upload_id  TEXT NOT NULL,
			email      TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name  TEXT NOT NULL DEFAULT '',
			company    TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			phone      TEXT NOT NULL DEFAULT '',
			country    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (upload_id, email)
		)
	`)
	return err
}

// UpsertBatch writes one batch of leads in a single transaction and reports
// how many rows were inserted versus updated. xmax = 0 is true only for rows
// created by this statement.
func (r *PostgresRepo) UpsertBatch(ctx context.Context, leadBatch []models.Lead) (int, int, error) {
	if len(leadBatch) == 0 {
		return 0, 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO leads (id, upload_id, email, first_name, last_name, company, title, phone, country, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (upload_id, email) DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    company = EXCLUDED.company,
		    title = EXCLUDED.title,
		    phone = EXCLUDED.phone,
		    country = EXCLUDED.country,
		    updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`

	var created, updated int
	for _, lead := range leadBatch {
		id := lead.ID
		if id == "" {
			id = uuid.New().String()
		}

		var inserted bool
		err := tx.QueryRow(ctx, query,
			id, lead.UploadID, lead.Email,
			lead.FirstName, lead.LastName, lead.Company,
			lead.Title, lead.Phone, lead.Country,
		).Scan(&inserted)
		if err != nil {
			return 0, 0, fmt.Errorf("upsert lead %s: %w", lead.Email, err)
		}

		if inserted {
			created++
		} else {
			updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit upsert transaction: %w", err)
	}
	return created, updated, nil
}

const leadColumns = `id, upload_id, email, first_name, last_name, company, title, phone, country, created_at, updated_at`

func (r *PostgresRepo) List(ctx context.Context, uploadID string, limit, offset int) ([]models.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE upload_id = $1 ORDER BY email LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, uploadID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Lead
	for rows.Next() {
		lead, err := scanLead(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ForEach(ctx context.Context, uploadID string, fn func(models.Lead) error) error {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE upload_id = $1 ORDER BY email`

	rows, err := r.db.Query(ctx, query, uploadID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		lead, err := scanLead(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(lead); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *PostgresRepo) CountByUpload(ctx context.Context, uploadID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM leads WHERE upload_id = $1`, uploadID).Scan(&count)
	return count, err
}

func scanLead(scan func(dest ...any) error) (models.Lead, error) {
	var lead models.Lead
	var createdAt, updatedAt time.Time
	err := scan(
		&lead.ID, &lead.UploadID, &lead.Email,
		&lead.FirstName, &lead.LastName, &lead.Company,
		&lead.Title, &lead.Phone, &lead.Country,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return models.Lead{}, err
	}
	lead.CreatedAt = createdAt
	lead.UpdatedAt = updatedAt
	return lead, nil
}
