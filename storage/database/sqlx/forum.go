package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"modernc.org/sqlite"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
)

const (
	sqliteConstraint           = 19  // SQLITE_CONSTRAINT, primary result code
	sqliteConstraintForeignKey = 787 // SQLITE_CONSTRAINT_FOREIGNKEY
	pqUniqueViolation          = "23505"
	pqForeignKeyViolation      = "23503"
	likeEscape                 = `\`
	threadColumns              = "title, poster, access_key_hash, status, created_at, updated_at"
	messageColumns             = "id, title, body, kind, image, poster, deleted, created_at"
	insertThreadQuery          = "INSERT INTO threads (" + threadColumns + ") VALUES (?, ?, ?, ?, ?, ?)"
	insertMessageQuery         = "INSERT INTO messages (" + messageColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
)

type (
	threadRow struct {
		Title         string `db:"title"`
		Poster        string `db:"poster"`
		AccessKeyHash []byte `db:"access_key_hash"`
		Status        string `db:"status"`
		CreatedAt     string `db:"created_at"`
		UpdatedAt     string `db:"updated_at"`
	}

	messageRow struct {
		ID        string `db:"id"`
		Title     string `db:"title"`
		Body      string `db:"body"`
		Kind      string `db:"kind"`
		Image     []byte `db:"image"`
		Poster    string `db:"poster"`
		Deleted   bool   `db:"deleted"`
		CreatedAt string `db:"created_at"`
	}

	summaryRow struct {
		threadRow
		MessageCount  int    `db:"message_count"`
		Answered      bool   `db:"answered"`
		LastMessageAt string `db:"last_message_at"`
	}
)

func (r threadRow) thread() (forum.Thread, error) {
	created, err := forum.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return forum.Thread{}, errors.Wrap(err, "parsing created_at")
	}
	updated, err := forum.ParseTimestamp(r.UpdatedAt)
	if err != nil {
		return forum.Thread{}, errors.Wrap(err, "parsing updated_at")
	}
	return forum.Thread{
		Title:         r.Title,
		Poster:        r.Poster,
		AccessKeyHash: r.AccessKeyHash,
		Status:        forum.Status(r.Status),
		CreatedAt:     created,
		UpdatedAt:     updated,
	}, nil
}

func (r messageRow) message() (forum.Message, error) {
	created, err := forum.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return forum.Message{}, errors.Wrapf(err, "parsing created_at of message %s", r.ID)
	}
	return forum.Message{
		ID:        r.ID,
		Title:     r.Title,
		Body:      r.Body,
		Kind:      forum.Kind(r.Kind),
		Image:     r.Image,
		HasImage:  len(r.Image) > 0,
		Poster:    r.Poster,
		Deleted:   r.Deleted,
		CreatedAt: created,
	}, nil
}

var nowUTC = func() time.Time { return time.Now().UTC() } // mockable

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

type forumRepository struct {
	db core.DB
}

var _ forum.Repository = (*forumRepository)(nil) // interface compliance check

func NewForumRepository(db core.DB) forum.Repository {
	return &forumRepository{db: db}
}

// isUniqueViolation reports a duplicate key on either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqliteConstraint
	}
	return false
}

// isForeignKeyViolation reports a write that referenced a missing thread.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqForeignKeyViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqliteConstraintForeignKey
	}
	return false
}

// trapNoRowsErr maps sql "no rows" err to `notFound`
func trapNoRowsErr(err error, notFound error, msg string) error {
	if err == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

func (repo *forumRepository) exec(ctx context.Context, e core.DBExecutor, query string, args ...interface{}) (sql.Result, error) {
	return e.ExecContext(ctx, repo.db.Rebind(query), args...)
}

func (repo *forumRepository) insertMessage(ctx context.Context, e core.DBExecutor, msg forum.Message) error {
	_, err := repo.exec(ctx, e, insertMessageQuery,
		msg.ID, msg.Title, msg.Body, string(msg.Kind), nullableBytes(msg.Image), msg.Poster, msg.Deleted,
		forum.FormatTimestamp(msg.CreatedAt))
	return err
}

func (repo *forumRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func (repo *forumRepository) CreateThread(ctx context.Context, th forum.Thread, first forum.Message) error {
	return repo.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := repo.exec(ctx, tx, insertThreadQuery,
			th.Title, th.Poster, nullableBytes(th.AccessKeyHash), string(th.Status),
			forum.FormatTimestamp(th.CreatedAt), forum.FormatTimestamp(th.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return forum.ErrTitleExists
			}
			return errors.Wrap(err, "inserting thread")
		}
		if err = repo.insertMessage(ctx, tx, first); err != nil {
			return errors.Wrap(err, "inserting first message")
		}
		return nil
	})
}

func (repo *forumRepository) GetThread(ctx context.Context, title string) (forum.Thread, error) {
	var row threadRow
	q := repo.db.Rebind("SELECT " + threadColumns + " FROM threads WHERE title = ?")
	if err := repo.db.GetContext(ctx, &row, q, title); err != nil {
		return forum.Thread{}, trapNoRowsErr(err, forum.ErrThreadNotFound, "getting thread")
	}
	return row.thread()
}

func (repo *forumRepository) QueryThreads(ctx context.Context, filter forum.QueryFilter) ([]forum.ThreadSummary, error) {
	var (
		b    strings.Builder
		args []interface{}
	)
	b.WriteString(`
		SELECT t.title, t.poster, t.access_key_hash, t.status, t.created_at, t.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.title = t.title AND m.deleted = ? AND m.kind <> ?) AS message_count,
			EXISTS (SELECT 1 FROM messages m WHERE m.title = t.title AND m.deleted = ? AND m.kind = ?) AS answered,
			COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.title = t.title AND m.deleted = ?), t.created_at) AS last_message_at
		FROM threads t
		WHERE t.status <> ?`)
	args = append(args, false, string(forum.KindSystem), false, string(forum.KindTeacher), false, string(forum.StatusPurged))

	if filter.Unanswered {
		b.WriteString(`
			AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.title = t.title AND m.deleted = ? AND m.kind = ?)`)
		args = append(args, false, string(forum.KindTeacher))
	}

	// threads whose title or any live message matches the search keyword
	if search := strings.TrimSpace(filter.Search); search != "" {
		val := "%" + escapeLike(strings.ToLower(search)) + "%"
		b.WriteString(`
			AND (LOWER(t.title) LIKE ? ESCAPE '` + likeEscape + `'
				OR EXISTS (SELECT 1 FROM messages m WHERE m.title = t.title AND m.deleted = ? AND LOWER(m.body) LIKE ? ESCAPE '` + likeEscape + `'))`)
		args = append(args, val, false, val)
	}
	b.WriteString(" ORDER BY t.title")

	var rows []summaryRow
	if err := repo.db.SelectContext(ctx, &rows, repo.db.Rebind(b.String()), args...); err != nil {
		return nil, errors.Wrap(err, "querying threads")
	}

	summaries := make([]forum.ThreadSummary, 0, len(rows))
	for _, row := range rows {
		th, err := row.thread()
		if err != nil {
			return nil, err
		}
		last, err := forum.ParseTimestamp(row.LastMessageAt)
		if err != nil {
			return nil, errors.Wrap(err, "parsing last_message_at")
		}
		summaries = append(summaries, forum.ThreadSummary{
			Title:         th.Title,
			Poster:        th.Poster,
			Status:        th.Status,
			MessageCount:  row.MessageCount,
			HasAccessKey:  th.HasAccessKey(),
			Answered:      row.Answered,
			CreatedAt:     th.CreatedAt,
			LastMessageAt: last,
		})
	}
	return summaries, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")
	return r.Replace(s)
}

func (repo *forumRepository) SetThreadStatus(ctx context.Context, title string, from, to forum.Status) error {
	res, err := repo.exec(ctx, repo.db, "UPDATE threads SET status = ?, updated_at = ? WHERE title = ? AND status = ?",
		string(to), forum.FormatTimestamp(nowUTC()), title, string(from))
	if err != nil {
		return errors.Wrap(err, "updating thread status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "updating thread status")
	}
	if n == 1 {
		return nil
	}

	// tell a missing thread from a lost race
	if _, err = repo.GetThread(ctx, title); err != nil {
		return err
	}
	return forum.ErrStatusConflict
}

func (repo *forumRepository) SetAccessKey(ctx context.Context, title string, hash []byte) error {
	res, err := repo.exec(ctx, repo.db, "UPDATE threads SET access_key_hash = ?, updated_at = ? WHERE title = ?",
		nullableBytes(hash), forum.FormatTimestamp(nowUTC()), title)
	if err != nil {
		return errors.Wrap(err, "updating access key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return forum.ErrThreadNotFound
	}
	return nil
}

func (repo *forumRepository) PurgeThread(ctx context.Context, title string) error {
	return repo.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := repo.exec(ctx, tx, "DELETE FROM messages WHERE title = ?", title); err != nil {
			return errors.Wrap(err, "deleting messages")
		}
		if _, err := repo.exec(ctx, tx, "DELETE FROM threads WHERE title = ?", title); err != nil {
			return errors.Wrap(err, "deleting thread")
		}
		return nil
	})
}

func (repo *forumRepository) PurgeOrphans(ctx context.Context) (int, error) {
	res, err := repo.exec(ctx, repo.db, "DELETE FROM messages WHERE NOT EXISTS (SELECT 1 FROM threads t WHERE t.title = messages.title)")
	if err != nil {
		return 0, errors.Wrap(err, "deleting orphaned messages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "deleting orphaned messages")
	}
	return int(n), nil
}

func (repo *forumRepository) QueryPurgeable(ctx context.Context) ([]string, error) {
	titles := make([]string, 0)
	q := repo.db.Rebind("SELECT title FROM threads WHERE status = ? ORDER BY title")
	if err := repo.db.SelectContext(ctx, &titles, q, string(forum.StatusPurged)); err != nil {
		return nil, errors.Wrap(err, "querying purgeable threads")
	}
	return titles, nil
}

func (repo *forumRepository) AddMessage(ctx context.Context, msg forum.Message) error {
	// insert only while the thread exists so that a concurrent purge cannot leave orphans
	res, err := repo.exec(ctx, repo.db,
		"INSERT INTO messages ("+messageColumns+") SELECT ?, ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM threads WHERE title = ?)",
		msg.ID, msg.Title, msg.Body, string(msg.Kind), nullableBytes(msg.Image), msg.Poster, msg.Deleted,
		forum.FormatTimestamp(msg.CreatedAt), msg.Title)
	if err != nil {
		if isForeignKeyViolation(err) {
			return forum.ErrThreadNotFound
		}
		return errors.Wrap(err, "inserting message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return forum.ErrThreadNotFound
	}
	return nil
}

func (repo *forumRepository) GetMessage(ctx context.Context, id string) (forum.Message, error) {
	var row messageRow
	q := repo.db.Rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	if err := repo.db.GetContext(ctx, &row, q, id); err != nil {
		return forum.Message{}, trapNoRowsErr(err, forum.ErrMessageNotFound, "getting message")
	}
	return row.message()
}

func (repo *forumRepository) ListMessages(ctx context.Context, title string) ([]forum.Message, error) {
	var rows []messageRow
	q := repo.db.Rebind("SELECT " + messageColumns + " FROM messages WHERE title = ? ORDER BY created_at, id")
	if err := repo.db.SelectContext(ctx, &rows, q, title); err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}

	msgs := make([]forum.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (repo *forumRepository) SoftDeleteMessage(ctx context.Context, id string) error {
	res, err := repo.exec(ctx, repo.db, "UPDATE messages SET deleted = ? WHERE id = ?", true, id)
	if err != nil {
		return errors.Wrap(err, "deleting message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return forum.ErrMessageNotFound
	}
	return nil
}
