package otel

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/neomorfeo/esimflow/internal/adapter/sqlite"
)

// OpenDB opens the esimflow SQLite database through otelsql, so every
// statement gets a span and the pool reports its stats as metrics. The
// handle carries the same settings as sqlite.New.
func OpenDB(dataSourceName string) (*sql.DB, error) {
	attrs := otelsql.WithAttributes(semconv.DBSystemSqlite)

	db, err := otelsql.Open("sqlite", dataSourceName, attrs,
		otelsql.WithSpanOptions(otelsql.SpanOptions{
			// River polls constantly; row iteration and session resets are noise.
			OmitRows:             true,
			OmitConnResetSession: true,
			DisableErrSkip:       true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("opening instrumented database: %w", err)
	}

	if err := sqlite.Configure(db); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := otelsql.RegisterDBStatsMetrics(db, attrs); err != nil {
		db.Close()
		return nil, fmt.Errorf("registering db stats metrics: %w", err)
	}
	return db, nil
}
