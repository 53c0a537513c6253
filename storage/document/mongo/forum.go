package mongorepos

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/syuukuriimu/student-forum/core/forum"
)

type (
	threadDoc struct {
		Title         string `bson:"_id"`
		Poster        string `bson:"poster"`
		AccessKeyHash []byte `bson:"access_key_hash,omitempty"`
		Status        string `bson:"status"`
		CreatedAt     string `bson:"created_at"` // forum.TimestampLayout keeps microseconds and sorts as text
		UpdatedAt     string `bson:"updated_at"`
		// Gen tells apart threads that reused a purged title.
		Gen string `bson:"gen"`
	}

	messageDoc struct {
		ID        string `bson:"_id"`
		Title     string `bson:"title"`
		Body      string `bson:"body"`
		Kind      string `bson:"kind"`
		Image     []byte `bson:"image,omitempty"`
		Poster    string `bson:"poster"`
		Deleted   bool   `bson:"deleted"`
		CreatedAt string `bson:"created_at"`
		Gen       string `bson:"gen"` // threadDoc.Gen at insert time
	}
)

func toThreadDoc(th forum.Thread) threadDoc {
	return threadDoc{
		Title:         th.Title,
		Poster:        th.Poster,
		AccessKeyHash: th.AccessKeyHash,
		Status:        string(th.Status),
		CreatedAt:     forum.FormatTimestamp(th.CreatedAt),
		UpdatedAt:     forum.FormatTimestamp(th.UpdatedAt),
	}
}

func (d threadDoc) thread() (forum.Thread, error) {
	created, err := forum.ParseTimestamp(d.CreatedAt)
	if err != nil {
		return forum.Thread{}, errors.Wrap(err, "parsing created_at")
	}
	updated, err := forum.ParseTimestamp(d.UpdatedAt)
	if err != nil {
		return forum.Thread{}, errors.Wrap(err, "parsing updated_at")
	}
	return forum.Thread{
		Title:         d.Title,
		Poster:        d.Poster,
		AccessKeyHash: d.AccessKeyHash,
		Status:        forum.Status(d.Status),
		CreatedAt:     created,
		UpdatedAt:     updated,
	}, nil
}

func toMessageDoc(msg forum.Message) messageDoc {
	return messageDoc{
		ID:        msg.ID,
		Title:     msg.Title,
		Body:      msg.Body,
		Kind:      string(msg.Kind),
		Image:     msg.Image,
		Poster:    msg.Poster,
		Deleted:   msg.Deleted,
		CreatedAt: forum.FormatTimestamp(msg.CreatedAt),
	}
}

func (d messageDoc) message() (forum.Message, error) {
	created, err := forum.ParseTimestamp(d.CreatedAt)
	if err != nil {
		return forum.Message{}, errors.Wrapf(err, "parsing created_at of message %s", d.ID)
	}
	return forum.Message{
		ID:        d.ID,
		Title:     d.Title,
		Body:      d.Body,
		Kind:      forum.Kind(d.Kind),
		Image:     d.Image,
		HasImage:  len(d.Image) > 0,
		Poster:    d.Poster,
		Deleted:   d.Deleted,
		CreatedAt: created,
	}, nil
}

var nowUTC = func() time.Time { return time.Now().UTC() } // mockable

type forumRepository struct {
	threads  *mongo.Collection
	messages *mongo.Collection
}

var _ forum.Repository = (*forumRepository)(nil) // interface compliance check

func NewForumRepository(db *mongo.Database) forum.Repository {
	return &forumRepository{
		threads:  db.Collection(threadsCollection),
		messages: db.Collection(messagesCollection),
	}
}

func trapNoDocsErr(err error, notFound error, msg string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func (repo *forumRepository) CreateThread(ctx context.Context, th forum.Thread, first forum.Message) error {
	doc := toThreadDoc(th)
	doc.Gen = uuid.NewString()
	if _, err := repo.threads.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return forum.ErrTitleExists
		}
		return errors.Wrap(err, "inserting thread")
	}
	// standalone deployments have no transactions: undo the thread by hand
	msg := toMessageDoc(first)
	msg.Gen = doc.Gen
	if _, err := repo.messages.InsertOne(ctx, msg); err != nil {
		_, _ = repo.threads.DeleteOne(ctx, bson.M{"_id": th.Title})
		return errors.Wrap(err, "inserting first message")
	}
	return nil
}

func (repo *forumRepository) GetThread(ctx context.Context, title string) (forum.Thread, error) {
	var doc threadDoc
	if err := repo.threads.FindOne(ctx, bson.M{"_id": title}).Decode(&doc); err != nil {
		return forum.Thread{}, trapNoDocsErr(err, forum.ErrThreadNotFound, "getting thread")
	}
	return doc.thread()
}

func (repo *forumRepository) QueryThreads(ctx context.Context, filter forum.QueryFilter) ([]forum.ThreadSummary, error) {
	var threads []threadDoc
	cur, err := repo.threads.Find(ctx,
		bson.M{"status": bson.M{"$ne": string(forum.StatusPurged)}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "querying threads")
	}
	if err = cur.All(ctx, &threads); err != nil {
		return nil, errors.Wrap(err, "decoding threads")
	}

	// live messages without their images, grouped by thread
	var live []messageDoc
	cur, err = repo.messages.Find(ctx,
		bson.M{"deleted": false},
		options.Find().SetProjection(bson.M{"image": 0}))
	if err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	if err = cur.All(ctx, &live); err != nil {
		return nil, errors.Wrap(err, "decoding messages")
	}
	byTitle := make(map[string][]messageDoc)
	for _, m := range live {
		byTitle[m.Title] = append(byTitle[m.Title], m)
	}

	var search *regexp.Regexp
	if s := strings.TrimSpace(filter.Search); s != "" {
		search = regexp.MustCompile("(?i)" + regexp.QuoteMeta(s))
	}

	summaries := make([]forum.ThreadSummary, 0, len(threads))
	for _, doc := range threads {
		th, err := doc.thread()
		if err != nil {
			return nil, err
		}
		sum := forum.ThreadSummary{
			Title:         th.Title,
			Poster:        th.Poster,
			Status:        th.Status,
			HasAccessKey:  th.HasAccessKey(),
			CreatedAt:     th.CreatedAt,
			LastMessageAt: th.CreatedAt,
		}
		matched := search == nil || search.MatchString(th.Title)
		for _, m := range byTitle[th.Title] {
			if m.Kind != string(forum.KindSystem) {
				sum.MessageCount++
			}
			if m.Kind == string(forum.KindTeacher) {
				sum.Answered = true
			}
			if at, err := forum.ParseTimestamp(m.CreatedAt); err == nil && at.After(sum.LastMessageAt) {
				sum.LastMessageAt = at
			}
			if !matched && search.MatchString(m.Body) {
				matched = true
			}
		}
		if matched && !(filter.Unanswered && sum.Answered) {
			summaries = append(summaries, sum)
		}
	}
	return summaries, nil
}

func (repo *forumRepository) SetThreadStatus(ctx context.Context, title string, from, to forum.Status) error {
	res, err := repo.threads.UpdateOne(ctx,
		bson.M{"_id": title, "status": string(from)},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": forum.FormatTimestamp(nowUTC())}})
	if err != nil {
		return errors.Wrap(err, "updating thread status")
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err = repo.GetThread(ctx, title); err != nil {
		return err
	}
	return forum.ErrStatusConflict
}

func (repo *forumRepository) SetAccessKey(ctx context.Context, title string, hash []byte) error {
	update := bson.M{
		"$set":   bson.M{"updated_at": forum.FormatTimestamp(nowUTC())},
		"$unset": bson.M{"access_key_hash": ""},
	}
	if len(hash) > 0 {
		update = bson.M{"$set": bson.M{"access_key_hash": hash, "updated_at": forum.FormatTimestamp(nowUTC())}}
	}
	res, err := repo.threads.UpdateOne(ctx, bson.M{"_id": title}, update)
	if err != nil {
		return errors.Wrap(err, "updating access key")
	}
	if res.MatchedCount == 0 {
		return forum.ErrThreadNotFound
	}
	return nil
}

func (repo *forumRepository) PurgeThread(ctx context.Context, title string) error {
	// the thread goes first so that AddMessage's re-check sees it gone and undoes its own insert
	var doc threadDoc
	err := repo.threads.FindOneAndDelete(ctx, bson.M{"_id": title}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil // PurgeOrphans picks up what an interrupted purge left
	}
	if err != nil {
		return errors.Wrap(err, "deleting thread")
	}
	if _, err := repo.messages.DeleteMany(ctx, bson.M{"gen": doc.Gen}); err != nil {
		return errors.Wrap(err, "deleting messages")
	}
	return nil
}

func (repo *forumRepository) PurgeOrphans(ctx context.Context) (int, error) {
	var threads []threadDoc
	cur, err := repo.threads.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"gen": 1}))
	if err != nil {
		return 0, errors.Wrap(err, "querying threads")
	}
	if err = cur.All(ctx, &threads); err != nil {
		return 0, errors.Wrap(err, "decoding threads")
	}
	gens := make([]string, 0, len(threads))
	for _, th := range threads {
		gens = append(gens, th.Gen)
	}

	res, err := repo.messages.DeleteMany(ctx, bson.M{"gen": bson.M{"$nin": gens}})
	if err != nil {
		return 0, errors.Wrap(err, "deleting orphaned messages")
	}
	return int(res.DeletedCount), nil
}

func (repo *forumRepository) QueryPurgeable(ctx context.Context) ([]string, error) {
	var docs []threadDoc
	cur, err := repo.threads.Find(ctx,
		bson.M{"status": string(forum.StatusPurged)},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "querying purgeable threads")
	}
	if err = cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decoding threads")
	}
	titles := make([]string, 0, len(docs))
	for _, d := range docs {
		titles = append(titles, d.Title)
	}
	return titles, nil
}

func (repo *forumRepository) AddMessage(ctx context.Context, msg forum.Message) error {
	var th threadDoc
	if err := repo.threads.FindOne(ctx, bson.M{"_id": msg.Title}).Decode(&th); err != nil {
		return trapNoDocsErr(err, forum.ErrThreadNotFound, "getting thread")
	}
	doc := toMessageDoc(msg)
	doc.Gen = th.Gen
	if _, err := repo.messages.InsertOne(ctx, doc); err != nil {
		return errors.Wrap(err, "inserting message")
	}

	// a purge may have run between the check and the insert
	n, err := repo.threads.CountDocuments(ctx, bson.M{"_id": msg.Title, "gen": th.Gen})
	if err != nil || n == 0 {
		_, _ = repo.messages.DeleteOne(ctx, bson.M{"_id": msg.ID})
		if err != nil {
			return errors.Wrap(err, "checking thread")
		}
		return forum.ErrThreadNotFound
	}
	return nil
}

func (repo *forumRepository) GetMessage(ctx context.Context, id string) (forum.Message, error) {
	var doc messageDoc
	if err := repo.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return forum.Message{}, trapNoDocsErr(err, forum.ErrMessageNotFound, "getting message")
	}
	return doc.message()
}

func (repo *forumRepository) ListMessages(ctx context.Context, title string) ([]forum.Message, error) {
	var docs []messageDoc
	cur, err := repo.messages.Find(ctx,
		bson.M{"title": title},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}
	if err = cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decoding messages")
	}

	msgs := make([]forum.Message, 0, len(docs))
	for _, d := range docs {
		msg, err := d.message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (repo *forumRepository) SoftDeleteMessage(ctx context.Context, id string) error {
	res, err := repo.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"deleted": true}})
	if err != nil {
		return errors.Wrap(err, "deleting message")
	}
	if res.MatchedCount == 0 {
		return forum.ErrMessageNotFound
	}
	return nil
}
