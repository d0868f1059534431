package transfer

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// UnknownSize is used for TotalBytes until the server reports a length.
const UnknownSize int64 = -1

// ResumeToken is what a later fetch needs to continue a partial download
// without re-downloading the bytes already on disk.
type ResumeToken struct {
	Offset     int64
	Validator  string
	TotalBytes int64
}

// State is the record the scheduler keeps for one download.
type State struct {
	ID              string
	URL             string
	DestinationPath string
	TotalBytes      int64
	ReceivedBytes   int64
	Status          Status
	ResumeToken     *ResumeToken
	Err             error
	CreatedAt       time.Time
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// ID derives the dedup key of a transfer from its url and destination.
func ID(url, destination string) string {
	hash := sha1.Sum([]byte(url + "\x00" + destination))

	return hex.EncodeToString(hash[:])
}

// NewState returns a queued state for url and destination.
func NewState(url, destination string) *State {
	now := time.Now()

	return &State{
		ID:              ID(url, destination),
		URL:             url,
		DestinationPath: destination,
		TotalBytes:      UnknownSize,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Snapshot returns a copy that is safe to hand out of the scheduler.
func (s *State) Snapshot() State {
	cp := *s
	if s.ResumeToken != nil {
		tok := *s.ResumeToken
		cp.ResumeToken = &tok
	}

	return cp
}

// Fraction reports received/total. The second value is false when the total
// is unknown.
func (s State) Fraction() (float64, bool) {
	if s.TotalBytes <= 0 {
		if s.TotalBytes == 0 && s.Status == StatusSucceeded {
			return 1, true
		}

		return 0, false
	}

	return float64(s.ReceivedBytes) / float64(s.TotalBytes), true
}

// IsActive reports whether the transfer holds or waits for a worker slot.
func (s State) IsActive() bool {
	return s.Status == StatusQueued || s.Status == StatusRunning
}

// IsTerminal reports whether the transfer can no longer be resumed as is.
func (s State) IsTerminal() bool {
	return s.Status == StatusSucceeded || s.Status == StatusCancelled
}
