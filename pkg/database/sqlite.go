package database

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	_ "modernc.org/sqlite" // Register pure-Go sqlite driver
)

// NewLocalConnection opens the on-device sqlite file with OpenTelemetry
// instrumentation. WAL keeps readers unblocked during the sync drain, and
// the busy timeout covers the brief writer overlap between the API and the
// background watchers.
func NewLocalConnection(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	db, err := otelsql.Open("sqlite", dsn,
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("error opening local database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)

	return db, db.Ping()
}
