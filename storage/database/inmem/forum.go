package inmemdb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/syuukuriimu/student-forum/core/forum"
)

type forumRepository struct {
	db *forumTables
}

var _ forum.Repository = (*forumRepository)(nil)

func NewForumRepository(db *DB) forum.Repository {
	return &forumRepository{db: db.forum}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (repo *forumRepository) CreateThread(_ context.Context, th forum.Thread, first forum.Message) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.threads[th.Title]; ok {
		return forum.ErrTitleExists
	}
	th.AccessKeyHash = copyBytes(th.AccessKeyHash)
	repo.db.threads[th.Title] = &th
	repo.addMessage(first)
	return nil
}

func (repo *forumRepository) GetThread(_ context.Context, title string) (forum.Thread, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	th, ok := repo.db.threads[title]
	if !ok {
		return forum.Thread{}, forum.ErrThreadNotFound
	}
	out := *th
	out.AccessKeyHash = copyBytes(th.AccessKeyHash)
	return out, nil
}

func (repo *forumRepository) QueryThreads(_ context.Context, filter forum.QueryFilter) ([]forum.ThreadSummary, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	search := strings.ToLower(filter.Search)
	summaries := make([]forum.ThreadSummary, 0, len(repo.db.threads))
	for title, th := range repo.db.threads {
		if th.Status == forum.StatusPurged {
			continue
		}

		sum := forum.ThreadSummary{
			Title:         th.Title,
			Poster:        th.Poster,
			Status:        th.Status,
			HasAccessKey:  th.HasAccessKey(),
			CreatedAt:     th.CreatedAt,
			LastMessageAt: th.CreatedAt,
		}
		matched := search == "" || strings.Contains(strings.ToLower(th.Title), search)
		for _, id := range repo.db.byTitle[title] {
			msg := repo.db.messages[id]
			if msg.Deleted {
				continue
			}
			if msg.Kind != forum.KindSystem {
				sum.MessageCount++
			}
			if msg.Kind == forum.KindTeacher {
				sum.Answered = true
			}
			if msg.CreatedAt.After(sum.LastMessageAt) {
				sum.LastMessageAt = msg.CreatedAt
			}
			if !matched && strings.Contains(strings.ToLower(msg.Body), search) {
				matched = true
			}
		}
		if matched && !(filter.Unanswered && sum.Answered) {
			summaries = append(summaries, sum)
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Title < summaries[j].Title })
	return summaries, nil
}

func (repo *forumRepository) SetThreadStatus(_ context.Context, title string, from, to forum.Status) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	th, ok := repo.db.threads[title]
	if !ok {
		return forum.ErrThreadNotFound
	}
	if th.Status != from {
		return forum.ErrStatusConflict
	}
	th.Status = to
	th.UpdatedAt = time.Now().UTC()
	return nil
}

func (repo *forumRepository) SetAccessKey(_ context.Context, title string, hash []byte) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	th, ok := repo.db.threads[title]
	if !ok {
		return forum.ErrThreadNotFound
	}
	th.AccessKeyHash = copyBytes(hash)
	th.UpdatedAt = time.Now().UTC()
	return nil
}

func (repo *forumRepository) PurgeThread(_ context.Context, title string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, id := range repo.db.byTitle[title] {
		delete(repo.db.messages, id)
	}
	delete(repo.db.byTitle, title)
	delete(repo.db.threads, title)
	return nil
}

func (repo *forumRepository) PurgeOrphans(_ context.Context) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var n int
	for title, ids := range repo.db.byTitle {
		if _, ok := repo.db.threads[title]; ok {
			continue
		}
		for _, id := range ids {
			delete(repo.db.messages, id)
		}
		n += len(ids)
		delete(repo.db.byTitle, title)
	}
	return n, nil
}

func (repo *forumRepository) QueryPurgeable(_ context.Context) ([]string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	titles := make([]string, 0)
	for title, th := range repo.db.threads {
		if th.Status == forum.StatusPurged {
			titles = append(titles, title)
		}
	}
	sort.Strings(titles)
	return titles, nil
}

func (repo *forumRepository) AddMessage(_ context.Context, msg forum.Message) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.threads[msg.Title]; !ok {
		return forum.ErrThreadNotFound
	}
	repo.addMessage(msg)
	return nil
}

// addMessage expects the write lock to be held.
func (repo *forumRepository) addMessage(msg forum.Message) {
	msg.Image = copyBytes(msg.Image)
	msg.HasImage = len(msg.Image) > 0
	msg.Warning = ""
	repo.db.messages[msg.ID] = &msg
	repo.db.byTitle[msg.Title] = append(repo.db.byTitle[msg.Title], msg.ID)
}

func (repo *forumRepository) GetMessage(_ context.Context, id string) (forum.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	msg, ok := repo.db.messages[id]
	if !ok {
		return forum.Message{}, forum.ErrMessageNotFound
	}
	out := *msg
	out.Image = copyBytes(msg.Image)
	return out, nil
}

func (repo *forumRepository) ListMessages(_ context.Context, title string) ([]forum.Message, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	ids := repo.db.byTitle[title]
	msgs := make([]forum.Message, 0, len(ids))
	for _, id := range ids {
		msg := *repo.db.messages[id]
		msg.Image = copyBytes(msg.Image)
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (repo *forumRepository) SoftDeleteMessage(_ context.Context, id string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	msg, ok := repo.db.messages[id]
	if !ok {
		return forum.ErrMessageNotFound
	}
	msg.Deleted = true
	return nil
}
