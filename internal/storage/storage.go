package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/rangeget/internal/transfer"
)

// ErrNotFound is returned by Load when no resume record exists for an id.
var ErrNotFound = errors.New("storage: resume record not found")

// ResumeRecord is the persisted resume point of one transfer.
type ResumeRecord struct {
	ID              string    `yaml:"id"`
	URL             string    `yaml:"url"`
	DestinationPath string    `yaml:"destination_path"`
	ReceivedBytes   int64     `yaml:"received_bytes"`
	TotalBytes      int64     `yaml:"total_bytes"`
	Validator       string    `yaml:"validator,omitempty"`
	UpdatedAt       time.Time `yaml:"updated_at"`
}

// ResumeStore persists resume records so a transfer can continue after a
// pause, a failure or a process restart.
type ResumeStore interface {
	Save(ctx context.Context, rec ResumeRecord) error
	Load(ctx context.Context, id string) (*ResumeRecord, error)
	Clear(ctx context.Context, id string) error
	List(ctx context.Context) ([]ResumeRecord, error)
}

// NewResumeRecord builds the record for state s holding token tok.
func NewResumeRecord(s transfer.State, tok transfer.ResumeToken) ResumeRecord {
	return ResumeRecord{
		ID:              s.ID,
		URL:             s.URL,
		DestinationPath: s.DestinationPath,
		ReceivedBytes:   tok.Offset,
		TotalBytes:      tok.TotalBytes,
		Validator:       tok.Validator,
		UpdatedAt:       time.Now().UTC(),
	}
}

// Token returns the resume token stored in the record.
func (r ResumeRecord) Token() transfer.ResumeToken {
	return transfer.ResumeToken{
		Offset:     r.ReceivedBytes,
		Validator:  r.Validator,
		TotalBytes: r.TotalBytes,
	}
}
