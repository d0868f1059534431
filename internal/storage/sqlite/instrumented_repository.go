package sqlite

import (
	"database/sql"

	"github.com/italolelis/rangeget/internal/storage"
	"github.com/italolelis/rangeget/internal/telemetry"
)

// NewInstrumentedResumeRepository creates a SQLite-backed resume store that
// records every query as a database operation.
func NewInstrumentedResumeRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *storage.InstrumentedStore {
	return storage.NewInstrumentedStore(NewResumeRepository(dbConn), tel)
}
