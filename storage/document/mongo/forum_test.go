package mongorepos

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/syuukuriimu/student-forum/core/forum"
	"github.com/syuukuriimu/student-forum/storage/storetest"
)

// Set FORUM_TEST_MONGO_URI (e.g. mongodb://localhost:27017) to run against a live server.
func TestForumRepository(t *testing.T) {
	uri := os.Getenv("FORUM_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("FORUM_TEST_MONGO_URI not set")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	newDB := func(t *testing.T) *mongo.Database {
		db := client.Database("forum_test_" + uuid.NewString()[:8])
		t.Cleanup(func() { _ = db.Drop(context.Background()) })
		require.NoError(t, EnsureIndexes(context.Background(), db))
		return db
	}
	storetest.RunRepositoryTests(t, func(t *testing.T) forum.Repository {
		return NewForumRepository(newDB(t))
	})

	t.Run("PurgeOrphans", func(t *testing.T) {
		ctx := context.Background()
		db := newDB(t)
		repo := NewForumRepository(db)
		require.NoError(t, repo.CreateThread(ctx,
			forum.Thread{Title: "Q1", Status: forum.StatusOpen},
			forum.Message{ID: "m1", Title: "Q1", Body: "live", Kind: forum.KindStudent}))

		// written to an earlier thread of the same title that is gone
		stale := toMessageDoc(forum.Message{ID: "m0", Title: "Q1", Body: "orphan", Kind: forum.KindSystem})
		stale.Gen = uuid.NewString()
		_, err := db.Collection(messagesCollection).InsertOne(ctx, stale)
		require.NoError(t, err)

		n, err := repo.PurgeOrphans(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		msgs, err := repo.ListMessages(ctx, "Q1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, "m1", msgs[0].ID)
	})
}

func TestDocs(t *testing.T) {
	th := forum.Thread{Title: "Q1", Poster: "hana", Status: forum.StatusOpen}
	got, err := toThreadDoc(th).thread()
	require.NoError(t, err)
	require.Equal(t, th, got)

	msg := forum.Message{ID: "m1", Title: "Q1", Body: "hi", Kind: forum.KindTeacher, Image: []byte{1}, HasImage: true, Poster: "teacher"}
	gotMsg, err := toMessageDoc(msg).message()
	require.NoError(t, err)
	require.Equal(t, msg, gotMsg)
}
