package inmemdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuukuriimu/student-forum/core/forum"
	"github.com/syuukuriimu/student-forum/storage/storetest"
)

func TestForumRepository(t *testing.T) {
	storetest.RunRepositoryTests(t, func(t *testing.T) forum.Repository {
		return NewForumRepository(Open())
	})
}

func TestForumRepository_PurgeOrphans(t *testing.T) {
	db := Open()
	repo := NewForumRepository(db)
	ctx := context.Background()
	require.NoError(t, repo.CreateThread(ctx,
		forum.Thread{Title: "Q1", Status: forum.StatusOpen},
		forum.Message{ID: "m1", Title: "Q1", Body: "live", Kind: forum.KindStudent}))

	// left behind by a purge that never finished
	db.forum.messages["m0"] = &forum.Message{ID: "m0", Title: "gone", Body: "orphan", Kind: forum.KindSystem}
	db.forum.byTitle["gone"] = []string{"m0"}

	n, err := repo.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = repo.GetMessage(ctx, "m0")
	assert.Equal(t, forum.ErrMessageNotFound, err)
	_, err = repo.GetMessage(ctx, "m1")
	assert.NoError(t, err)
}
