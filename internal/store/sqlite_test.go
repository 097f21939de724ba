package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/record"
)

func setupSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "forkline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_SaveAndListCalls(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	calls := fixtureCalls(t)

	n, err := s.SaveCalls(ctx, "mcp", calls)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	got, err := s.ListCalls(ctx, "mcp")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, rec := range got {
		require.Equal(t, calls[i].Seq, rec.Seq)
		require.Equal(t, calls[i].URL, rec.URL)
		require.True(t, calls[i].Timestamp.Equal(rec.Timestamp.Time))
		require.Equal(t, calls[i].Response.Kind, rec.Response.Kind)
	}
	require.True(t, got[2].Messages()[2].Content.Blocks[0].HasAnnotation(), "annotations are stored as captured")
	require.True(t, got[2].Response.ParseFailed())
}

func TestSQLite_SaveCallsIsIdempotent(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	calls := fixtureCalls(t)

	_, err := s.SaveCalls(ctx, "mcp", calls[:2])
	require.NoError(t, err)

	n, err := s.SaveCalls(ctx, "mcp", calls)
	require.NoError(t, err)
	require.Equal(t, 2, n, "only the unseen records are inserted")

	got, err := s.ListCalls(ctx, "mcp")
	require.NoError(t, err)
	require.Len(t, got, 4)
}

func TestSQLite_SessionsAreIsolated(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()

	_, err := s.SaveCalls(ctx, "a", fixtureCalls(t))
	require.NoError(t, err)

	_, err = s.ListCalls(ctx, "b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_SaveForest(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	calls := fixtureCalls(t)

	rep := branch.Reconstruct(calls, nil, false)
	require.Len(t, rep.Branches, 2)

	id, err := s.SaveForest(ctx, "mcp", rep)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	var (
		branches, eligible, excluded, parseErrors int
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT branch_count, eligible, excluded, parse_errors FROM reconstructions WHERE id = ?`, id.String(),
	).Scan(&branches, &eligible, &excluded, &parseErrors)
	require.NoError(t, err)
	require.Equal(t, 2, branches)
	require.Equal(t, 3, eligible)
	require.Equal(t, 1, excluded)
	require.Equal(t, 1, parseErrors)

	var forkedFrom, forkIndex int
	err = s.db.QueryRowContext(ctx,
		`SELECT forked_from, fork_index FROM branches WHERE reconstruction_id = ? AND branch = 2`, id.String(),
	).Scan(&forkedFrom, &forkIndex)
	require.NoError(t, err)
	require.Equal(t, 1, forkedFrom)
	require.Equal(t, 0, forkIndex)

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq FROM branch_members WHERE reconstruction_id = ? AND branch = 1 ORDER BY position`, id.String())
	require.NoError(t, err)
	defer rows.Close()
	var seqs []int
	for rows.Next() {
		var seq int
		require.NoError(t, rows.Scan(&seq))
		seqs = append(seqs, seq)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []int{0, 2}, seqs)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, DriverNone, "", "")
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = Open(ctx, DriverPostgres, "", "")
	require.Error(t, err)

	_, err = Open(ctx, "mongo", "", "")
	require.Error(t, err)

	s, err = Open(ctx, DriverSQLite, "", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestEncodeCall_KeepsSeqOutOfBody(t *testing.T) {
	body, err := encodeCall(record.CallRecord{Seq: 7, URL: "u"})
	require.NoError(t, err)
	require.NotContains(t, body, "Seq")

	rec, err := decodeCall(7, []byte(body))
	require.NoError(t, err)
	require.Equal(t, 7, rec.Seq)
	require.Equal(t, "u", rec.URL)
}
