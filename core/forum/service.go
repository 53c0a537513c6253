package forum

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/attachment"
)

var (
	// errors
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrTitleExists     = errors.New("a thread with this title already exists")
	ErrStatusConflict  = errors.New("thread status was changed concurrently")
	ErrAccessDenied    = errors.New("invalid access key")
	ErrForbidden       = errors.New("permission denied")
	ErrNoImage         = errors.New("message has no image")

	maxStatusAttempts = 5
)

type (
	Repository interface {
		// CreateThread stores a new thread with its first message. It returns ErrTitleExists for a taken title.
		CreateThread(ctx context.Context, th Thread, first Message) error
		GetThread(ctx context.Context, title string) (Thread, error)
		// QueryThreads returns summaries of every thread that is not purged.
		// QueryFilter.Search does a case-insensitive match on the title or any live message body.
		// ThreadSummary.Answered tells whether a live teacher message exists.
		QueryThreads(ctx context.Context, filter QueryFilter) ([]ThreadSummary, error)
		// SetThreadStatus moves the thread from `from` to `to` atomically.
		// It returns ErrStatusConflict when the stored status is no longer `from`.
		SetThreadStatus(ctx context.Context, title string, from, to Status) error
		SetAccessKey(ctx context.Context, title string, hash []byte) error
		// PurgeThread physically removes the thread and all of its messages.
		PurgeThread(ctx context.Context, title string) error
		// QueryPurgeable returns the titles of threads left in the purged status.
		QueryPurgeable(ctx context.Context) ([]string, error)
		// PurgeOrphans removes messages whose thread no longer exists and returns how many it removed.
		PurgeOrphans(ctx context.Context) (int, error)

		AddMessage(ctx context.Context, msg Message) error
		GetMessage(ctx context.Context, id string) (Message, error)
		// ListMessages returns all messages of a thread, deleted ones included, oldest first.
		ListMessages(ctx context.Context, title string) ([]Message, error)
		SoftDeleteMessage(ctx context.Context, id string) error
	}

	Service struct {
		repo         Repository
		cache        core.Cache
		mailSvc      core.EmailService
		logger       core.Logger
		validate     *validator.Validate
		imageOpts    attachment.Options
		appName      string
		teacherEmail string
	}

	ImportReport struct {
		Threads  int
		Messages int
		Skipped  []string
	}
)

func NewService(
	conf *core.Config,
	repo Repository,
	cache core.Cache,
	mailSvc core.EmailService,
	logger core.Logger,
	validate *validator.Validate,
) *Service {
	return &Service{
		repo:         repo,
		cache:        cache,
		mailSvc:      mailSvc,
		logger:       logger,
		validate:     validate,
		imageOpts:    attachment.OptionsFromConfig(conf.Image),
		appName:      conf.AppName,
		teacherEmail: conf.TeacherEmail,
	}
}

// PostQuestion opens a new thread. Only students ask questions.
func (svc *Service) PostQuestion(ctx context.Context, actor Actor, nq NewQuestion) (Message, error) {
	if actor.Role != RoleStudent {
		return Message{}, ErrForbidden
	}
	if err := nq.Validate(svc.validate); err != nil {
		return Message{}, err
	}
	if nq.Poster == "" {
		nq.Poster = actor.poster()
	}

	ts := now()
	th := Thread{
		Title:     nq.Title,
		Poster:    nq.Poster,
		Status:    StatusOpen,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := th.SetAccessKey(nq.AccessKey); err != nil {
		return Message{}, errors.Wrap(err, "hashing access key")
	}

	msg := Message{
		ID:        uuid.NewString(),
		Title:     th.Title,
		Body:      nq.Body,
		Kind:      KindStudent,
		Poster:    nq.Poster,
		CreatedAt: ts,
	}
	svc.attachImage(&msg, nq.Image)

	if err := svc.repo.CreateThread(ctx, th, msg); err != nil {
		if errors.Cause(err) == ErrTitleExists {
			return Message{}, core.NewValidationError(ErrTitleExists, core.FieldError{Field: "title", Error: ErrTitleExists.Error()})
		}
		return Message{}, errors.Wrap(err, "creating thread")
	}
	svc.invalidate(ctx)
	svc.notifyTeacher(msg)
	return msg, nil
}

// Reply adds a message to a thread. Students must present the thread's access key when it has one.
func (svc *Service) Reply(ctx context.Context, actor Actor, title string, nr NewReply) (Message, error) {
	if !actor.Role.Valid() {
		return Message{}, ErrForbidden
	}
	if err := nr.Validate(svc.validate, actor.Role); err != nil {
		return Message{}, err
	}

	th, err := svc.visibleThread(ctx, actor, title)
	if err != nil {
		return Message{}, err
	}
	if actor.Role == RoleStudent {
		if err := th.CheckAccessKey(nr.AccessKey); err != nil {
			return Message{}, err
		}
	}

	msg := Message{
		ID:        uuid.NewString(),
		Title:     th.Title,
		Body:      nr.Body,
		Kind:      actor.Role.Kind(),
		Poster:    actor.poster(),
		CreatedAt: now(),
	}
	svc.attachImage(&msg, nr.Image)

	if err := svc.repo.AddMessage(ctx, msg); err != nil {
		return Message{}, errors.Wrap(err, "adding message")
	}
	svc.invalidate(ctx)
	return msg, nil
}

// ListThreads returns the threads the actor's side has not deleted, most recently active first by default.
func (svc *Service) ListThreads(ctx context.Context, actor Actor, filter QueryFilter) ([]ThreadSummary, error) {
	if !actor.Role.Valid() {
		return nil, ErrForbidden
	}
	filter.Search = core.CleanString(filter.Search)

	key := cacheKey("threads", string(actor.Role), filter.Search, strconv.FormatBool(filter.Unanswered), orderingsKey(filter.Orderings))
	var threads []ThreadSummary
	if svc.cacheGet(ctx, key, &threads) {
		return threads, nil
	}

	all, err := svc.repo.QueryThreads(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "querying threads")
	}
	threads = make([]ThreadSummary, 0, len(all))
	for _, s := range all {
		if !s.Status.HiddenFrom(actor.Role) {
			threads = append(threads, s)
		}
	}
	sortSummaries(threads, filter.Orderings)

	svc.cacheSet(ctx, key, threads)
	return threads, nil
}

// Transcript returns the live messages of a thread, oldest first.
func (svc *Service) Transcript(ctx context.Context, actor Actor, title string) (Transcript, error) {
	if !actor.Role.Valid() {
		return Transcript{}, ErrForbidden
	}

	key := cacheKey("transcript", string(actor.Role), title)
	var tr Transcript
	if svc.cacheGet(ctx, key, &tr) {
		return tr, nil
	}

	th, err := svc.visibleThread(ctx, actor, title)
	if err != nil {
		return Transcript{}, err
	}
	msgs, err := svc.repo.ListMessages(ctx, th.Title)
	if err != nil {
		return Transcript{}, errors.Wrap(err, "listing messages")
	}

	tr = Transcript{Thread: th, Messages: make([]Message, 0, len(msgs))}
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		m.Image = nil // served by MessageImage
		tr.Messages = append(tr.Messages, m)
	}

	svc.cacheSet(ctx, key, tr)
	return tr, nil
}

// MessageImage returns the image attached to a live message.
func (svc *Service) MessageImage(ctx context.Context, actor Actor, id string) ([]byte, error) {
	msg, err := svc.liveMessage(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if len(msg.Image) == 0 {
		return nil, ErrNoImage
	}
	return msg.Image, nil
}

// DeleteMessage soft-deletes one of the actor's own messages.
func (svc *Service) DeleteMessage(ctx context.Context, actor Actor, id, accessKey string) error {
	msg, err := svc.liveMessage(ctx, actor, id)
	if err != nil {
		return err
	}
	if msg.Kind != actor.Role.Kind() {
		return ErrForbidden
	}
	if actor.Role == RoleStudent {
		th, err := svc.repo.GetThread(ctx, msg.Title)
		if err != nil {
			return errors.Wrap(err, "getting thread")
		}
		if err := th.CheckAccessKey(core.CleanString(accessKey)); err != nil {
			return err
		}
	}

	if err := svc.repo.SoftDeleteMessage(ctx, msg.ID); err != nil {
		return errors.Wrap(err, "deleting message")
	}
	svc.invalidate(ctx)
	return nil
}

// DeleteThread hides the thread from the actor's side. Once both sides have deleted it, it is purged.
// It returns the resulting status.
func (svc *Service) DeleteThread(ctx context.Context, actor Actor, title, accessKey string) (Status, error) {
	if !actor.Role.Valid() {
		return "", ErrForbidden
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		th, err := svc.repo.GetThread(ctx, title)
		if err != nil {
			return "", err
		}
		if th.Status == StatusPurged {
			return "", ErrThreadNotFound
		}
		if th.Status.DeletedBy(actor.Role) {
			return th.Status, nil // already deleted by this side
		}
		if actor.Role == RoleStudent {
			if err := th.CheckAccessKey(core.CleanString(accessKey)); err != nil {
				return "", err
			}
		}

		next, err := Next(th.Status, actor.Role)
		if err != nil {
			return "", err
		}
		if err = svc.repo.SetThreadStatus(ctx, th.Title, th.Status, next); err != nil {
			if errors.Cause(err) == ErrStatusConflict {
				continue // the other side got there first
			}
			return "", errors.Wrap(err, "setting thread status")
		}
		svc.invalidate(ctx)

		if next == StatusPurged {
			if err := svc.repo.PurgeThread(ctx, th.Title); err != nil {
				return "", errors.Wrap(err, "purging thread")
			}
			svc.invalidate(ctx)
			return next, nil
		}

		sysMsg := Message{
			ID:        uuid.NewString(),
			Title:     th.Title,
			Body:      fmt.Sprintf("The %s deleted this thread.", actor.Role),
			Kind:      KindSystem,
			Poster:    string(KindSystem),
			CreatedAt: now(),
		}
		if err := svc.repo.AddMessage(ctx, sysMsg); err != nil {
			if errors.Cause(err) == ErrThreadNotFound {
				return StatusPurged, nil // the other side purged it in the meantime
			}
			return "", errors.Wrap(err, "adding system message")
		}
		svc.invalidate(ctx)
		return next, nil
	}
	return "", ErrStatusConflict
}

// ResetAccessKey replaces the access key of a thread. An empty key removes it.
func (svc *Service) ResetAccessKey(ctx context.Context, title, key string) error {
	th, err := svc.repo.GetThread(ctx, title)
	if err != nil {
		return err
	}
	if th.Status == StatusPurged {
		return ErrThreadNotFound
	}
	if err := th.SetAccessKey(core.CleanString(key)); err != nil {
		return errors.Wrap(err, "hashing access key")
	}
	if err := svc.repo.SetAccessKey(ctx, th.Title, th.AccessKeyHash); err != nil {
		return errors.Wrap(err, "saving access key")
	}
	svc.invalidate(ctx)
	return nil
}

// PurgeLeftovers removes threads whose status reached purged but whose rows were never removed,
// then any message left without a thread. It returns the number of purged threads.
func (svc *Service) PurgeLeftovers(ctx context.Context) (int, error) {
	titles, err := svc.repo.QueryPurgeable(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "querying purgeable threads")
	}
	for i, title := range titles {
		if err := svc.repo.PurgeThread(ctx, title); err != nil {
			return i, errors.Wrapf(err, "purging %q", title)
		}
	}

	orphans, err := svc.repo.PurgeOrphans(ctx)
	if err != nil {
		return len(titles), errors.Wrap(err, "purging orphaned messages")
	}
	if orphans > 0 {
		svc.logger.Warn("removed orphaned messages", map[string]interface{}{"count": orphans})
	}
	if len(titles) > 0 || orphans > 0 {
		svc.invalidate(ctx)
	}
	return len(titles), nil
}

// ImportLegacy stores threads rebuilt from legacy rows. Titles that already exist are skipped.
func (svc *Service) ImportLegacy(ctx context.Context, records []LegacyRecord) (ImportReport, error) {
	var report ImportReport

	threads, err := ConvertLegacy(records)
	if err != nil {
		return report, err
	}
	for _, lt := range threads {
		if len(lt.Messages) == 0 {
			continue
		}
		for i := range lt.Messages {
			lt.Messages[i].ID = uuid.NewString()
			img := lt.Messages[i].Image
			lt.Messages[i].Image, lt.Messages[i].HasImage = nil, false
			svc.attachImage(&lt.Messages[i], img)
		}

		if err := svc.repo.CreateThread(ctx, lt.Thread, lt.Messages[0]); err != nil {
			if errors.Cause(err) == ErrTitleExists {
				report.Skipped = append(report.Skipped, lt.Thread.Title)
				continue
			}
			return report, errors.Wrapf(err, "creating thread %q", lt.Thread.Title)
		}
		for _, msg := range lt.Messages[1:] {
			if err := svc.repo.AddMessage(ctx, msg); err != nil {
				return report, errors.Wrapf(err, "adding message to %q", lt.Thread.Title)
			}
		}
		report.Threads++
		report.Messages += len(lt.Messages)
	}
	if report.Threads > 0 {
		svc.invalidate(ctx)
	}
	return report, nil
}

func (svc *Service) visibleThread(ctx context.Context, actor Actor, title string) (Thread, error) {
	th, err := svc.repo.GetThread(ctx, title)
	if err != nil {
		if errors.Cause(err) == ErrThreadNotFound {
			return Thread{}, ErrThreadNotFound
		}
		return Thread{}, errors.Wrap(err, "getting thread")
	}
	if th.Status.HiddenFrom(actor.Role) {
		return Thread{}, ErrThreadNotFound
	}
	return th, nil
}

func (svc *Service) liveMessage(ctx context.Context, actor Actor, id string) (Message, error) {
	if !actor.Role.Valid() {
		return Message{}, ErrForbidden
	}
	msg, err := svc.repo.GetMessage(ctx, id)
	if err != nil {
		if errors.Cause(err) == ErrMessageNotFound {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, errors.Wrap(err, "getting message")
	}
	if msg.Deleted {
		return Message{}, ErrMessageNotFound
	}
	if _, err := svc.visibleThread(ctx, actor, msg.Title); err != nil {
		if err == ErrThreadNotFound {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, err
	}
	return msg, nil
}

// attachImage normalizes data onto msg. An image that cannot be normalized is dropped with a warning.
func (svc *Service) attachImage(msg *Message, data []byte) {
	if len(data) == 0 {
		return
	}
	img, err := attachment.Normalize(data, svc.imageOpts)
	if err != nil {
		msg.Warning = "image dropped: " + err.Error()
		svc.logger.Warn("dropping attachment", err, map[string]interface{}{"title": msg.Title, "size": len(data)})
		return
	}
	msg.Image = img
	msg.HasImage = true
}

func (svc *Service) notifyTeacher(msg Message) {
	if svc.teacherEmail == "" || svc.mailSvc == nil {
		return
	}
	email := &core.EmailMessage{
		To:           []mail.Address{{Name: "Teacher", Address: svc.teacherEmail}},
		Subject:      "New question: " + core.Truncate(msg.Title, 60),
		TemplateName: "new_question",
		TemplateData: map[string]interface{}{
			"AppName": svc.appName,
			"Title":   msg.Title,
			"Poster":  msg.Sender(),
			"Body":    msg.Body,
		},
	}
	if msg.HasImage {
		if err := email.Attach(bytes.NewReader(msg.Image), "question.jpg", "image/jpeg"); err != nil {
			svc.logger.Warn("attaching image to notification", err)
		}
	}
	svc.mailSvc.SendMessages(email)
}

func (svc *Service) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	if svc.cache == nil {
		return false
	}
	ok, err := svc.cache.Get(ctx, key, dest)
	if err != nil {
		svc.logger.Warn("reading cache", err, map[string]interface{}{"key": key})
		return false
	}
	return ok
}

func (svc *Service) cacheSet(ctx context.Context, key string, value interface{}) {
	if svc.cache == nil {
		return
	}
	if err := svc.cache.Set(ctx, key, value); err != nil {
		svc.logger.Warn("writing cache", err, map[string]interface{}{"key": key})
	}
}

func (svc *Service) invalidate(ctx context.Context) {
	if svc.cache == nil {
		return
	}
	if err := svc.cache.Invalidate(ctx); err != nil {
		svc.logger.Warn("invalidating cache", err)
	}
}

func cacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}

func orderingsKey(ords []core.DBOrdering) string {
	ss := make([]string, 0, len(ords))
	for _, o := range ords {
		ss = append(ss, o.String())
	}
	return strings.Join(ss, ",")
}

var summaryCompare = map[string]func(a, b ThreadSummary) int{
	"title": func(a, b ThreadSummary) int {
		return strings.Compare(a.Title, b.Title)
	},
	"created_at": func(a, b ThreadSummary) int {
		return compareInt64(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	},
	"last_message_at": func(a, b ThreadSummary) int {
		return compareInt64(a.LastMessageAt.UnixNano(), b.LastMessageAt.UnixNano())
	},
	"message_count": func(a, b ThreadSummary) int {
		return compareInt64(int64(a.MessageCount), int64(b.MessageCount))
	},
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// sortSummaries orders by the given fields; unknown fields are ignored. Defaults to most recent activity first.
func sortSummaries(list []ThreadSummary, ords []core.DBOrdering) {
	valid := make([]core.DBOrdering, 0, len(ords)+1)
	for _, o := range ords {
		if _, ok := summaryCompare[o.Field]; ok {
			valid = append(valid, o)
		}
	}
	if len(valid) == 0 {
		valid = append(valid, core.DBOrdering{Field: "last_message_at"})
	}
	valid = append(valid, core.DBOrdering{Field: "title", Ascending: true})

	sort.SliceStable(list, func(i, j int) bool {
		for _, o := range valid {
			c := summaryCompare[o.Field](list[i], list[j])
			if c == 0 {
				continue
			}
			if o.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}
