// Package store persists captured call records and reconstructed forests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/record"
)

// Drivers accepted by Open.
const (
	DriverNone     = "none"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrNotFound is returned when a session has no stored calls.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface shared by the batch runner, the live
// processor and the API.
type Store interface {
	// SaveCalls stores records under session, keyed by Seq. Records already
	// stored are left untouched. It returns the number of new rows.
	SaveCalls(ctx context.Context, session string, calls []record.CallRecord) (int, error)

	// ListCalls returns the stored records of session in Seq order.
	ListCalls(ctx context.Context, session string) ([]record.CallRecord, error)

	// SaveForest stores one reconstruction run and returns its id.
	SaveForest(ctx context.Context, session string, rep *branch.Report) (uuid.UUID, error)

	Close() error
}

// Open connects to the backend named by driver. DriverNone returns a nil
// Store and no error.
func Open(ctx context.Context, driver, databaseURL, sqlitePath string) (Store, error) {
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverPostgres:
		if databaseURL == "" {
			return nil, fmt.Errorf("open store: DATABASE_URL is required for the postgres driver")
		}
		s, err := New(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := NewSQLite(ctx, sqlitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("open store: unknown driver %q", driver)
	}
}

func encodeCall(rec record.CallRecord) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode call %d: %w", rec.Seq, err)
	}
	return string(b), nil
}

func decodeCall(seq int, body []byte) (record.CallRecord, error) {
	var rec record.CallRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return rec, fmt.Errorf("decode call %d: %w", seq, err)
	}
	rec.Seq = seq
	return rec, nil
}

func model(rec record.CallRecord) string {
	if rec.Request == nil {
		return ""
	}
	return rec.Request.Model
}
