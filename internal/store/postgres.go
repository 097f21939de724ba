package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/record"
)

// Postgres is the shared-database backend.
type Postgres struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they don't exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) SaveCalls(ctx context.Context, session string, calls []record.CallRecord) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, rec := range calls {
		body, err := encodeCall(rec)
		if err != nil {
			return 0, err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO call_records (session, seq, captured_at, url, model, messages, body)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
			ON CONFLICT (session, seq) DO NOTHING`,
			session, rec.Seq, rec.Timestamp.Time, rec.URL, model(rec), len(rec.Messages()), body,
		)
		if err != nil {
			return 0, fmt.Errorf("insert call %d: %w", rec.Seq, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *Postgres) ListCalls(ctx context.Context, session string) ([]record.CallRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, body FROM call_records
		WHERE session = $1
		ORDER BY seq`, session)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []record.CallRecord
	for rows.Next() {
		var (
			seq  int
			body []byte
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		rec, err := decodeCall(seq, body)
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

// SaveForest writes a reconstruction run across the reconstructions, branches
// and branch_members tables in one transaction.
func (s *Postgres) SaveForest(ctx context.Context, session string, rep *branch.Report) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Insert the run
	runID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO reconstructions (id, session, total, eligible, excluded, parse_errors, branch_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		runID, session, rep.Total, rep.Eligible, rep.Excluded, rep.ParseErrors, len(rep.Branches),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert reconstruction: %w", err)
	}

	for _, b := range rep.Branches {
		// 2. Insert the branch
		_, err = tx.Exec(ctx, `
			INSERT INTO branches (reconstruction_id, branch, forked_from, fork_index, length, tip_messages)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, b.ID, b.ForkedFrom, b.ForkIndex, b.Len(), b.TipMessages(),
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert branch %d: %w", b.ID, err)
		}

		// 3. Insert its members
		for pos, c := range b.Calls {
			_, err = tx.Exec(ctx, `
				INSERT INTO branch_members (reconstruction_id, branch, position, seq, messages)
				VALUES ($1, $2, $3, $4, $5)`,
				runID, b.ID, pos, c.Seq, len(c.Messages()),
			)
			if err != nil {
				return uuid.Nil, fmt.Errorf("insert member %d/%d: %w", b.ID, pos, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}
	return runID, nil
}
