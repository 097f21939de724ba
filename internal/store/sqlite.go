package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/record"
)

// SQLite is the embedded single-user backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveCalls(ctx context.Context, session string, calls []record.CallRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, rec := range calls {
		body, err := encodeCall(rec)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO call_records (session, seq, captured_at, url, model, messages, body)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session, rec.Seq, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.URL, model(rec), len(rec.Messages()), body,
		)
		if err != nil {
			return 0, fmt.Errorf("insert call %d: %w", rec.Seq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *SQLite) ListCalls(ctx context.Context, session string) ([]record.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, body FROM call_records
		WHERE session = ?
		ORDER BY seq`, session)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []record.CallRecord
	for rows.Next() {
		var (
			seq  int
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		rec, err := decodeCall(seq, []byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *SQLite) SaveForest(ctx context.Context, session string, rep *branch.Report) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	runID := uuid.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconstructions (id, session, total, eligible, excluded, parse_errors, branch_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID.String(), session, rep.Total, rep.Eligible, rep.Excluded, rep.ParseErrors, len(rep.Branches),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert reconstruction: %w", err)
	}

	for _, b := range rep.Branches {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO branches (reconstruction_id, branch, forked_from, fork_index, length, tip_messages)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID.String(), b.ID, b.ForkedFrom, b.ForkIndex, b.Len(), b.TipMessages(),
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert branch %d: %w", b.ID, err)
		}
		for pos, c := range b.Calls {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO branch_members (reconstruction_id, branch, position, seq, messages)
				VALUES (?, ?, ?, ?, ?)`,
				runID.String(), b.ID, pos, c.Seq, len(c.Messages()),
			)
			if err != nil {
				return uuid.Nil, fmt.Errorf("insert member %d/%d: %w", b.ID, pos, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}
	return runID, nil
}
