package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/rangeget/internal/storage"
)

// ResumeRepository implements storage.ResumeStore on top of SQLite.
type ResumeRepository struct {
	db *sql.DB
}

var _ storage.ResumeStore = (*ResumeRepository)(nil)

func NewResumeRepository(dbConn *sql.DB) *ResumeRepository {
	return &ResumeRepository{db: dbConn}
}

// Save inserts or replaces the record for rec.ID.
func (r *ResumeRepository) Save(ctx context.Context, rec storage.ResumeRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resume_records (id, url, destination_path, received_bytes, total_bytes, validator, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			destination_path = excluded.destination_path,
			received_bytes = excluded.received_bytes,
			total_bytes = excluded.total_bytes,
			validator = excluded.validator,
			updated_at = excluded.updated_at
	`, rec.ID, rec.URL, rec.DestinationPath, rec.ReceivedBytes, rec.TotalBytes, nullString(rec.Validator), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save resume record: %w", err)
	}

	return nil
}

// Load returns the record for id or storage.ErrNotFound.
func (r *ResumeRepository) Load(ctx context.Context, id string) (*storage.ResumeRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, url, destination_path, received_bytes, total_bytes, validator, updated_at
		FROM resume_records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load resume record: %w", err)
	}

	return rec, nil
}

// Clear deletes the record for id. Clearing a missing record is not an error.
func (r *ResumeRepository) Clear(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM resume_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear resume record: %w", err)
	}

	return nil
}

// List returns every stored record, oldest first.
func (r *ResumeRepository) List(ctx context.Context) ([]storage.ResumeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, url, destination_path, received_bytes, total_bytes, validator, updated_at
		FROM resume_records ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.ResumeRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.ResumeRecord, error) {
	var (
		rec       storage.ResumeRecord
		validator sql.NullString
		updatedAt string
	)

	if err := s.Scan(&rec.ID, &rec.URL, &rec.DestinationPath, &rec.ReceivedBytes, &rec.TotalBytes, &validator, &updatedAt); err != nil {
		return nil, err
	}

	if validator.Valid {
		rec.Validator = validator.String
	}

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at %q: %w", updatedAt, err)
	}

	rec.UpdatedAt = t

	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
