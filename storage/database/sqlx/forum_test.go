package sqlxrepos_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuukuriimu/student-forum/core/forum"
	sqlxrepos "github.com/syuukuriimu/student-forum/storage/database/sqlx"
	"github.com/syuukuriimu/student-forum/storage/storetest"
	"github.com/syuukuriimu/student-forum/testutil"
)

func TestForumRepository(t *testing.T) {
	storetest.RunRepositoryTests(t, func(t *testing.T) forum.Repository {
		return sqlxrepos.NewForumRepository(testutil.PrepareDB(t))
	})
}

func TestForumRepository_storesBodyAsWritten(t *testing.T) {
	db := testutil.PrepareDB(t)
	repo := sqlxrepos.NewForumRepository(db)
	svc := testutil.NewForumService(t, repo, nil, nil)

	written := "100% sure it's a_b && <T> \"quoted\""
	testutil.PostQuestion(t, svc, "Q1", written, "")
	var body string
	require.NoError(t, db.GetContext(context.Background(), &body, "SELECT body FROM messages WHERE title = ?", "Q1"))
	assert.Equal(t, written, body)

	sums, err := repo.QueryThreads(context.Background(), forum.QueryFilter{Search: "it's a_b"})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "Q1", sums[0].Title)
}

func TestForumRepository_PurgeOrphans(t *testing.T) {
	ctx := context.Background()
	db := testutil.PrepareDB(t)
	repo := sqlxrepos.NewForumRepository(db)
	svc := testutil.NewForumService(t, repo, nil, nil)
	live := testutil.PostQuestion(t, svc, "Q1", "live", "")

	// left behind by a purge that never finished
	_, err := db.ExecContext(ctx, "PRAGMA foreign_keys = OFF")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		"INSERT INTO messages (id, title, body, kind, poster, deleted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"m0", "gone", "orphan", "system", "system", false, "2025-03-04 17:00:00.000000")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	n, err := repo.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = repo.GetMessage(ctx, "m0")
	assert.Equal(t, forum.ErrMessageNotFound, err)
	_, err = repo.GetMessage(ctx, live.ID)
	assert.NoError(t, err)
}
