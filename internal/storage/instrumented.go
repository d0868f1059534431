package storage

import (
	"context"
	"errors"

	"github.com/italolelis/rangeget/internal/telemetry"
)

// InstrumentedStore wraps a ResumeStore with telemetry.
type InstrumentedStore struct {
	repo      ResumeStore
	telemetry *telemetry.Telemetry
}

var _ ResumeStore = (*InstrumentedStore)(nil)

// NewInstrumentedStore instruments any resume store implementation.
func NewInstrumentedStore(repo ResumeStore, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		repo:      repo,
		telemetry: tel,
	}
}

// Save persists a record with telemetry.
func (r *InstrumentedStore) Save(ctx context.Context, rec ResumeRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_resume", func(ctx context.Context) error {
		return r.repo.Save(ctx, rec)
	})
}

// Load reads a record with telemetry. A missing record is not counted as an
// error.
func (r *InstrumentedStore) Load(ctx context.Context, id string) (*ResumeRecord, error) {
	var result *ResumeRecord

	var loadErr error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "load_resume", func(ctx context.Context) error {
		result, loadErr = r.repo.Load(ctx, id)
		if errors.Is(loadErr, ErrNotFound) {
			return nil
		}

		return loadErr
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, loadErr
}

// Clear deletes a record with telemetry.
func (r *InstrumentedStore) Clear(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "clear_resume", func(ctx context.Context) error {
		return r.repo.Clear(ctx, id)
	})
}

// List returns all records with telemetry.
func (r *InstrumentedStore) List(ctx context.Context) ([]ResumeRecord, error) {
	var result []ResumeRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_resume", func(ctx context.Context) error {
		var err error

		result, err = r.repo.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
