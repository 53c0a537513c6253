package forum

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Tags that older versions of the forum wrote at the start of a message body.
const (
	legacySystemTag  = "[SYSTEM]"
	legacyTeacherTag = "[先生]"
)

// Legacy `deleted` column: 0 live, 1 soft-deleted post, 2 thread closed by the other side.
const (
	legacyDeleted = 1
	legacyClosed  = 2
)

// LegacyRecord is one row of the old single-table `questions` store.
type LegacyRecord struct {
	ID           int64  `db:"id"`
	Title        string `db:"title"`
	Question     string `db:"question"`
	Image        []byte `db:"image"`
	Timestamp    string `db:"timestamp"`
	Deleted      int    `db:"deleted"`
	Username     string `db:"username"`
	AuthKey      string `db:"auth_key"`
	Answer       string `db:"answer"`
	AnswerImage  []byte `db:"answer_image"`
	StudentReply string `db:"student_reply"`
}

// ParseLegacy splits a legacy message body into its kind and the body without the tag.
func ParseLegacy(question string) (Kind, string) {
	q := strings.TrimSpace(question)
	switch {
	case strings.HasPrefix(q, legacySystemTag):
		return KindSystem, strings.TrimSpace(strings.TrimPrefix(q, legacySystemTag))
	case strings.HasPrefix(q, legacyTeacherTag):
		return KindTeacher, strings.TrimSpace(strings.TrimPrefix(q, legacyTeacherTag))
	}
	return KindStudent, q
}

func hasLegacyPrefix(s string) bool {
	kind, _ := ParseLegacy(s)
	return kind != KindStudent
}

// legacyDeletedBy tells which side wrote a legacy system sentinel.
func legacyDeletedBy(body string) (Role, bool) {
	switch {
	case strings.Contains(body, "生徒"), strings.Contains(strings.ToLower(body), "student"):
		return RoleStudent, true
	case strings.Contains(body, "先生"), strings.Contains(strings.ToLower(body), "teacher"):
		return RoleTeacher, true
	}
	return "", false
}

// LegacyThread is a thread rebuilt from legacy rows.
type LegacyThread struct {
	Thread   Thread
	Messages []Message
}

// ConvertLegacy groups legacy rows by title and rebuilds threads with explicit kinds and statuses.
// Threads that both sides had already deleted are dropped since they would have been purged.
func ConvertLegacy(records []LegacyRecord) ([]LegacyThread, error) {
	byTitle := make(map[string][]LegacyRecord)
	titles := make([]string, 0)
	for _, rec := range records {
		title := strings.TrimSpace(rec.Title)
		if title == "" {
			continue
		}
		if _, ok := byTitle[title]; !ok {
			titles = append(titles, title)
		}
		byTitle[title] = append(byTitle[title], rec)
	}
	sort.Strings(titles)

	threads := make([]LegacyThread, 0, len(titles))
	for _, title := range titles {
		lt, err := convertLegacyThread(title, byTitle[title])
		if err != nil {
			return nil, errors.Wrapf(err, "converting thread %q", title)
		}
		if lt.Thread.Status == StatusPurged {
			continue
		}
		threads = append(threads, lt)
	}
	return threads, nil
}

func convertLegacyThread(title string, recs []LegacyRecord) (LegacyThread, error) {
	type stamped struct {
		rec Message
		at  time.Time
		id  int64
	}
	msgs := make([]stamped, 0, len(recs))

	var thread Thread
	thread.Title = title
	thread.Status = StatusOpen

	for _, rec := range recs {
		at, err := ParseTimestamp(strings.TrimSpace(rec.Timestamp))
		if err != nil {
			return LegacyThread{}, errors.Wrapf(err, "parsing timestamp of row %d", rec.ID)
		}
		poster := strings.TrimSpace(rec.Username)
		if poster == "" {
			poster = DefaultPoster
		}

		kind, body := ParseLegacy(rec.Question)
		switch {
		case kind == KindSystem:
			if side, ok := legacyDeletedBy(body); ok {
				thread.Status, _ = Next(thread.Status, side)
			}
		case rec.Deleted == legacyClosed:
			// the post stays readable; the thread is gone for the side that did not write it
			closer := RoleTeacher
			if kind == KindTeacher {
				closer = RoleStudent
			}
			thread.Status, _ = Next(thread.Status, closer)
		}
		if rec.AuthKey != "" && !thread.HasAccessKey() {
			if err := thread.SetAccessKey(rec.AuthKey); err != nil {
				return LegacyThread{}, errors.Wrap(err, "hashing access key")
			}
		}

		msg := Message{
			Title:     title,
			Body:      body,
			Kind:      kind,
			Image:     rec.Image,
			HasImage:  len(rec.Image) > 0,
			Poster:    poster,
			Deleted:   rec.Deleted == legacyDeleted,
			CreatedAt: at,
		}
		if kind != KindStudent {
			msg.Poster = string(kind)
		}
		msgs = append(msgs, stamped{rec: msg, at: at, id: rec.ID})

		// single-row revisions kept the answer and the student's follow-up in the same row
		if a := strings.TrimSpace(rec.Answer); a != "" || len(rec.AnswerImage) > 0 {
			msgs = append(msgs, stamped{
				rec: Message{
					Title: title, Body: a, Kind: KindTeacher, Image: rec.AnswerImage,
					HasImage: len(rec.AnswerImage) > 0, Poster: string(KindTeacher),
				},
				at: at.Add(time.Microsecond), id: rec.ID,
			})
		}
		if r := strings.TrimSpace(rec.StudentReply); r != "" {
			msgs = append(msgs, stamped{
				rec: Message{Title: title, Body: r, Kind: KindStudent, Poster: poster},
				at:  at.Add(2 * time.Microsecond), id: rec.ID,
			})
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].at.Equal(msgs[j].at) {
			return msgs[i].id < msgs[j].id
		}
		return msgs[i].at.Before(msgs[j].at)
	})

	out := LegacyThread{Thread: thread, Messages: make([]Message, 0, len(msgs))}
	var prev time.Time
	for i, m := range msgs {
		if i > 0 && !m.at.After(prev) {
			m.at = prev.Add(time.Microsecond)
		}
		prev = m.at
		m.rec.CreatedAt = m.at
		if i == 0 {
			out.Thread.CreatedAt = m.at
			out.Thread.Poster = m.rec.Poster
		}
		out.Thread.UpdatedAt = m.at
		out.Messages = append(out.Messages, m.rec)
	}
	return out, nil
}
