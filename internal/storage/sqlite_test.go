package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	v1, err := s1.AppliedMigrations()
	require.NoError(t, err)
	s1.Close()

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, len(v1), len(v2), "migration count changed")
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.IsIncreasing(t, versions)
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_sessions_user",
		"idx_conversations_owner",
		"idx_answer_cache_created",
		"idx_documents_created",
		"idx_passages_document",
		"idx_jobs_status_run_after",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		require.NoError(t, err, idx)
		assert.Equal(t, 1, count, "index %q not found in sqlite_master", idx)
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	s := openTestStore(t)

	var on int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&on))
	require.Equal(t, 1, on)

	_, err := s.db.Exec(`INSERT INTO messages (id, conversation_id, position, sender, content, timestamp)
		VALUES ('MSG_x', 'CNV_missing', 1, 'user', 'hi', '2025-01-01T00:00:00Z')`)
	assert.Error(t, err, "message without conversation must violate the foreign key")
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo wörld", 7, "héllo w"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncateRunes(tt.in, tt.n), "truncateRunes(%q, %d)", tt.in, tt.n)
	}
}

func TestNewID(t *testing.T) {
	id := newID("MSG_")
	assert.Len(t, id, len("MSG_")+12)
	assert.NotEqual(t, id, newID("MSG_"))
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, Job{Type: "ingest_document", PayloadJSON: `{"document_id":"DOC_1"}`})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.ClaimNextJob(ctx, []string{"ingest_document"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, `{"document_id":"DOC_1"}`, got.PayloadJSON)
	assert.Equal(t, JobRunning, got.Status)
	assert.Equal(t, 3, got.MaxAttempts)
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{"ingest_document"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueJob(ctx, Job{Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	got, err := s.ClaimNextJob(ctx, []string{"x"})
	require.NoError(t, err)
	assert.Nil(t, got, "future run_after")
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`})
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b", PayloadJSON: `{}`})
	require.NoError(t, err)

	got, err := s.ClaimNextJob(ctx, []string{"b"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j-b", got.ID)
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueJob(ctx, Job{ID: "j-first", Type: "x", PayloadJSON: `{}`})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, []string{"x"})
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, Job{ID: "j-second", Type: "x", PayloadJSON: `{}`})
	require.NoError(t, err)

	got, err := s.ClaimNextJob(ctx, []string{"x"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j-second", got.ID)
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, Job{Type: "x", PayloadJSON: `{}`})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, []string{"x"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, id))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)

	assert.ErrorIs(t, s.CompleteJob(ctx, "JOB_missing"), ErrNotFound)
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, Job{Type: "x", PayloadJSON: `{}`, MaxAttempts: 2})
	require.NoError(t, err)
	_, err = s.ClaimNextJob(ctx, []string{"x"})
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, s.FailJob(ctx, id, "retry"))
	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "retry", job.LastError)
	assert.True(t, job.RunAfter.After(before), "run_after %v should be after %v", job.RunAfter, before)

	require.NoError(t, s.FailJob(ctx, id, "fatal"))
	job, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)

	assert.ErrorIs(t, s.FailJob(ctx, "JOB_missing", "x"), ErrNotFound)
}
