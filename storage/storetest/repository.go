// Package storetest holds the behaviour every forum.Repository implementation must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuukuriimu/student-forum/core/forum"
	"github.com/syuukuriimu/student-forum/testutil"
)

var base = time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC)

func at(i int) time.Time {
	return base.Add(time.Duration(i) * time.Minute).Add(time.Duration(i) * time.Microsecond)
}

func thread(title string) forum.Thread {
	return forum.Thread{Title: title, Poster: "hana", Status: forum.StatusOpen, CreatedAt: at(0), UpdatedAt: at(0)}
}

func message(title string, i int, kind forum.Kind, body string) forum.Message {
	poster := "hana"
	if kind != forum.KindStudent {
		poster = string(kind)
	}
	return forum.Message{ID: uuid.NewString(), Title: title, Body: body, Kind: kind, Poster: poster, CreatedAt: at(i)}
}

func create(t *testing.T, repo forum.Repository, title string) forum.Message {
	t.Helper()
	first := message(title, 0, forum.KindStudent, "first question about "+title)
	require.NoError(t, repo.CreateThread(context.Background(), thread(title), first))
	return first
}

// RunRepositoryTests checks a fresh repository returned by `newRepo` for each subtest.
func RunRepositoryTests(t *testing.T, newRepo func(t *testing.T) forum.Repository) {
	ctx := context.Background()

	t.Run("CreateThread", func(t *testing.T) {
		repo := newRepo(t)
		th := thread("Q1")
		require.NoError(t, th.SetAccessKey("s3cret"))
		first := message("Q1", 0, forum.KindStudent, "how?")
		require.NoError(t, repo.CreateThread(ctx, th, first))

		got, err := repo.GetThread(ctx, "Q1")
		require.NoError(t, err)
		assert.Equal(t, th, got)
		assert.NoError(t, got.CheckAccessKey("s3cret"))

		err = repo.CreateThread(ctx, thread("Q1"), message("Q1", 1, forum.KindStudent, "again"))
		assert.Equal(t, forum.ErrTitleExists, errors.Cause(err))

		msgs, err := repo.ListMessages(ctx, "Q1")
		require.NoError(t, err)
		assert.Len(t, msgs, 1, "failed creation left nothing behind")
	})

	t.Run("GetThread not found", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetThread(ctx, "nope")
		assert.Equal(t, forum.ErrThreadNotFound, errors.Cause(err))
	})

	t.Run("messages round-trip in timestamp order", func(t *testing.T) {
		repo := newRepo(t)
		first := create(t, repo, "Q1")

		img := []byte{0xff, 0xd8, 0xff, 0x00, 0x01}
		reply := message("Q1", 2, forum.KindTeacher, "答え")
		reply.Image, reply.HasImage = img, true
		system := message("Q1", 3, forum.KindSystem, "The student deleted this thread.")
		// inserted out of order on purpose
		followUp := message("Q1", 1, forum.KindStudent, "also <b>this</b>")
		for _, m := range []forum.Message{reply, system, followUp} {
			require.NoError(t, repo.AddMessage(ctx, m))
		}

		msgs, err := repo.ListMessages(ctx, "Q1")
		require.NoError(t, err)
		assert.Equal(t, []forum.Message{first, followUp, reply, system}, msgs)

		got, err := repo.GetMessage(ctx, reply.ID)
		require.NoError(t, err)
		assert.Equal(t, reply, got)

		_, err = repo.GetMessage(ctx, uuid.NewString())
		assert.Equal(t, forum.ErrMessageNotFound, errors.Cause(err))
	})

	t.Run("AddMessage to a missing thread", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.AddMessage(ctx, message("nope", 1, forum.KindStudent, "hello"))
		assert.Equal(t, forum.ErrThreadNotFound, errors.Cause(err))
	})

	t.Run("SoftDeleteMessage", func(t *testing.T) {
		repo := newRepo(t)
		first := create(t, repo, "Q1")

		require.NoError(t, repo.SoftDeleteMessage(ctx, first.ID))
		got, err := repo.GetMessage(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, got.Deleted)

		msgs, err := repo.ListMessages(ctx, "Q1")
		require.NoError(t, err)
		require.Len(t, msgs, 1, "soft-deleted messages are still listed")

		err = repo.SoftDeleteMessage(ctx, uuid.NewString())
		assert.Equal(t, forum.ErrMessageNotFound, errors.Cause(err))
	})

	t.Run("SetThreadStatus", func(t *testing.T) {
		repo := newRepo(t)
		create(t, repo, "Q1")

		require.NoError(t, repo.SetThreadStatus(ctx, "Q1", forum.StatusOpen, forum.StatusDeletedByStudent))
		err := repo.SetThreadStatus(ctx, "Q1", forum.StatusOpen, forum.StatusDeletedByTeacher)
		assert.Equal(t, forum.ErrStatusConflict, errors.Cause(err))

		got, err := repo.GetThread(ctx, "Q1")
		require.NoError(t, err)
		assert.Equal(t, forum.StatusDeletedByStudent, got.Status)

		err = repo.SetThreadStatus(ctx, "nope", forum.StatusOpen, forum.StatusDeletedByStudent)
		assert.Equal(t, forum.ErrThreadNotFound, errors.Cause(err))
	})

	t.Run("SetThreadStatus has a single winner", func(t *testing.T) {
		repo := newRepo(t)
		create(t, repo, "Q1")

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for _, to := range []forum.Status{forum.StatusDeletedByStudent, forum.StatusDeletedByTeacher, forum.StatusDeletedByStudent, forum.StatusDeletedByTeacher} {
			wg.Add(1)
			go func(to forum.Status) {
				defer wg.Done()
				if err := repo.SetThreadStatus(ctx, "Q1", forum.StatusOpen, to); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(to)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("SetAccessKey", func(t *testing.T) {
		repo := newRepo(t)
		create(t, repo, "Q1")

		var th forum.Thread
		require.NoError(t, th.SetAccessKey("k"))
		require.NoError(t, repo.SetAccessKey(ctx, "Q1", th.AccessKeyHash))
		got, err := repo.GetThread(ctx, "Q1")
		require.NoError(t, err)
		assert.NoError(t, got.CheckAccessKey("k"))

		require.NoError(t, repo.SetAccessKey(ctx, "Q1", nil))
		got, err = repo.GetThread(ctx, "Q1")
		require.NoError(t, err)
		assert.False(t, got.HasAccessKey())

		err = repo.SetAccessKey(ctx, "nope", th.AccessKeyHash)
		assert.Equal(t, forum.ErrThreadNotFound, errors.Cause(err))
	})

	t.Run("QueryThreads", func(t *testing.T) {
		repo := newRepo(t)
		create(t, repo, "Q1")
		create(t, repo, "Q2")
		create(t, repo, "Q3")

		deleted := message("Q1", 5, forum.KindStudent, "oops")
		for _, m := range []forum.Message{
			message("Q1", 1, forum.KindTeacher, "Use the QUADRATIC formula"),
			message("Q1", 2, forum.KindSystem, "The teacher deleted this thread."),
			deleted,
		} {
			require.NoError(t, repo.AddMessage(ctx, m))
		}
		require.NoError(t, repo.SoftDeleteMessage(ctx, deleted.ID))
		require.NoError(t, repo.SetThreadStatus(ctx, "Q1", forum.StatusOpen, forum.StatusDeletedByTeacher))
		require.NoError(t, repo.SetThreadStatus(ctx, "Q3", forum.StatusOpen, forum.StatusPurged))

		tests := []struct {
			name      string
			filter    forum.QueryFilter
			wantTitle []string
		}{
			{name: "all but purged", wantTitle: []string{"Q1", "Q2"}},
			{name: "title match", filter: forum.QueryFilter{Search: "q2"}, wantTitle: []string{"Q2"}},
			{name: "body match ignores case", filter: forum.QueryFilter{Search: "quadratic"}, wantTitle: []string{"Q1"}},
			{name: "deleted bodies do not match", filter: forum.QueryFilter{Search: "oops"}, wantTitle: []string{}},
			{name: "like wildcards are literal", filter: forum.QueryFilter{Search: "%"}, wantTitle: []string{}},
			{name: "unanswered", filter: forum.QueryFilter{Unanswered: true}, wantTitle: []string{"Q2"}},
			{name: "unanswered with search", filter: forum.QueryFilter{Unanswered: true, Search: "quadratic"}, wantTitle: []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				sums, err := repo.QueryThreads(ctx, tt.filter)
				require.NoError(t, err)
				titles := make([]string, 0, len(sums))
				for _, s := range sums {
					titles = append(titles, s.Title)
				}
				assert.ElementsMatch(t, tt.wantTitle, titles)
			})
		}

		sums, err := repo.QueryThreads(ctx, forum.QueryFilter{Search: "Q1"})
		require.NoError(t, err)
		require.Len(t, sums, 1)
		sum := sums[0]
		assert.Equal(t, 2, sum.MessageCount, "live non-system messages")
		assert.Equal(t, forum.StatusDeletedByTeacher, sum.Status)
		assert.True(t, sum.LastMessageAt.Equal(at(2)), "last live message, %s", sum.LastMessageAt)
		assert.True(t, sum.CreatedAt.Equal(at(0)))
		assert.False(t, sum.HasAccessKey)
		assert.True(t, sum.Answered)
	})

	t.Run("answered needs a live teacher message", func(t *testing.T) {
		repo := newRepo(t)
		create(t, repo, "Q1")
		answer := message("Q1", 1, forum.KindTeacher, "answer")
		require.NoError(t, repo.AddMessage(ctx, answer))
		require.NoError(t, repo.AddMessage(ctx, message("Q1", 2, forum.KindSystem, "The student deleted this thread.")))

		sums, err := repo.QueryThreads(ctx, forum.QueryFilter{})
		require.NoError(t, err)
		require.Len(t, sums, 1)
		assert.True(t, sums[0].Answered)

		require.NoError(t, repo.SoftDeleteMessage(ctx, answer.ID))
		sums, err = repo.QueryThreads(ctx, forum.QueryFilter{Unanswered: true})
		require.NoError(t, err)
		require.Len(t, sums, 1)
		assert.False(t, sums[0].Answered)
	})

	t.Run("purge", func(t *testing.T) {
		repo := newRepo(t)
		first := create(t, repo, "Q1")
		create(t, repo, "Q2")
		require.NoError(t, repo.SetThreadStatus(ctx, "Q1", forum.StatusOpen, forum.StatusPurged))

		titles, err := repo.QueryPurgeable(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Q1"}, titles)

		require.NoError(t, repo.PurgeThread(ctx, "Q1"))
		_, err = repo.GetThread(ctx, "Q1")
		assert.Equal(t, forum.ErrThreadNotFound, errors.Cause(err))
		_, err = repo.GetMessage(ctx, first.ID)
		assert.Equal(t, forum.ErrMessageNotFound, errors.Cause(err))

		titles, err = repo.QueryPurgeable(ctx)
		require.NoError(t, err)
		assert.Empty(t, titles)

		// the title is free again
		require.NoError(t, repo.CreateThread(ctx, thread("Q1"), message("Q1", 0, forum.KindStudent, "again")))
	})

	t.Run("PurgeOrphans keeps live threads", func(t *testing.T) {
		repo := newRepo(t)
		first := create(t, repo, "Q1")
		reply := message("Q1", 1, forum.KindTeacher, "answer")
		require.NoError(t, repo.AddMessage(ctx, reply))

		n, err := repo.PurgeOrphans(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		msgs, err := repo.ListMessages(ctx, "Q1")
		require.NoError(t, err)
		assert.Equal(t, []forum.Message{first, reply}, msgs)
	})

	t.Run("purge racing AddMessage leaves no messages", func(t *testing.T) {
		repo := newRepo(t)
		const n = 10
		for i := 0; i < n; i++ {
			create(t, repo, fmt.Sprintf("T%02d", i))
		}

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			title := fmt.Sprintf("T%02d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, repo.PurgeThread(ctx, title))
			}()
			for j := 1; j <= 3; j++ {
				wg.Add(1)
				go func(j int) {
					defer wg.Done()
					err := repo.AddMessage(ctx, message(title, j, forum.KindSystem, "The student deleted this thread."))
					if err != nil {
						assert.Equal(t, forum.ErrThreadNotFound, errors.Cause(err))
					}
				}(j)
			}
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			title := fmt.Sprintf("T%02d", i)
			_, err := repo.GetThread(ctx, title)
			assert.Equal(t, forum.ErrThreadNotFound, errors.Cause(err), title)
			msgs, err := repo.ListMessages(ctx, title)
			require.NoError(t, err)
			assert.Empty(t, msgs, title)
		}
	})

	t.Run("both sides deleting at once purge everything", func(t *testing.T) {
		repo := newRepo(t)
		svc := testutil.NewForumService(t, repo, nil, nil)
		const n = 10
		for i := 0; i < n; i++ {
			title := fmt.Sprintf("T%02d", i)
			testutil.PostQuestion(t, svc, title, "question", "")
			testutil.Reply(t, svc, testutil.Teacher, title, "answer", "")
		}

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			title := fmt.Sprintf("T%02d", i)
			for _, actor := range []forum.Actor{testutil.Student, testutil.Teacher} {
				wg.Add(1)
				go func(actor forum.Actor) {
					defer wg.Done()
					_, err := svc.DeleteThread(ctx, actor, title, "")
					assert.NoError(t, err)
				}(actor)
			}
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			title := fmt.Sprintf("T%02d", i)
			_, err := repo.GetThread(ctx, title)
			assert.Equal(t, forum.ErrThreadNotFound, errors.Cause(err), title)
			msgs, err := repo.ListMessages(ctx, title)
			require.NoError(t, err)
			assert.Empty(t, msgs, title)
		}
		left, err := repo.QueryPurgeable(ctx)
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("many threads", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 20; i++ {
			create(t, repo, fmt.Sprintf("T%02d", i))
		}
		sums, err := repo.QueryThreads(ctx, forum.QueryFilter{})
		require.NoError(t, err)
		assert.Len(t, sums, 20)
	})
}
