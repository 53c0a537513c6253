package forum

import (
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/syuukuriimu/student-forum/core"
)

// Message kinds
const (
	KindStudent Kind = "student"
	KindTeacher Kind = "teacher"
	KindSystem  Kind = "system"
)

// Roles
const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

const (
	// DefaultPoster is shown for students who did not give a name.
	DefaultPoster = "anonymous"

	// TimestampLayout is how timestamps are persisted. It sorts lexicographically.
	TimestampLayout = "2006-01-02 15:04:05.000000"
)

type (
	Kind string
	Role string

	// Actor is the caller of a service operation.
	Actor struct {
		Role Role   `json:"role"`
		Name string `json:"name"`
	}

	Thread struct {
		Title         string    `json:"title"`
		Poster        string    `json:"poster"`
		AccessKeyHash []byte    `json:"-"`
		Status        Status    `json:"status"`
		CreatedAt     time.Time `json:"created_at"` // UTC
		UpdatedAt     time.Time `json:"updated_at"` // UTC
	}

	Message struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Body      string    `json:"body"`
		Kind      Kind      `json:"kind"`
		Image     []byte    `json:"-"`
		HasImage  bool      `json:"has_image"`
		Poster    string    `json:"poster"`
		Deleted   bool      `json:"deleted"`
		CreatedAt time.Time `json:"created_at"` // UTC
		Warning   string    `json:"warning,omitempty"`
	}

	ThreadSummary struct {
		Title        string `json:"title"`
		Poster       string `json:"poster"`
		Status       Status `json:"status"`
		MessageCount int    `json:"message_count"`
		HasAccessKey bool   `json:"has_access_key"`
		// Answered is set once the thread holds a live teacher message.
		Answered      bool      `json:"answered"`
		CreatedAt     time.Time `json:"created_at"`
		LastMessageAt time.Time `json:"last_message_at"`
	}

	Transcript struct {
		Thread   Thread    `json:"thread"`
		Messages []Message `json:"messages"`
	}

	// QueryFilter.Search does a case-insensitive match on the title or any live message body.
	// QueryFilter.Unanswered keeps only the threads without a live teacher message.
	QueryFilter struct {
		Search     string `query:"search"`
		Unanswered bool   `query:"unanswered"`
		Orderings  []core.DBOrdering
	}
)

func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTeacher
}

// Kind returns the kind of the messages written by this role.
func (r Role) Kind() Kind {
	if r == RoleTeacher {
		return KindTeacher
	}
	return KindStudent
}

func (a Actor) poster() string {
	if a.Role == RoleTeacher {
		if a.Name == "" {
			return string(RoleTeacher)
		}
		return a.Name
	}
	if a.Name == "" {
		return DefaultPoster
	}
	return a.Name
}

// Sender tells who wrote the message: "teacher", "system" or the student's poster name.
func (m Message) Sender() string {
	switch m.Kind {
	case KindTeacher:
		return string(KindTeacher)
	case KindSystem:
		return string(KindSystem)
	}
	if m.Poster == "" {
		return DefaultPoster
	}
	return m.Poster
}

func (th *Thread) SetAccessKey(key string) error {
	if key == "" {
		th.AccessKeyHash = nil
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	th.AccessKeyHash = hash
	return nil
}

// CheckAccessKey succeeds when the thread has no key or `key` matches it.
func (th Thread) CheckAccessKey(key string) error {
	if len(th.AccessKeyHash) == 0 {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(th.AccessKeyHash, []byte(key)); err != nil {
		return ErrAccessDenied
	}
	return nil
}

func (th Thread) HasAccessKey() bool {
	return len(th.AccessKeyHash) > 0
}

// FormatTimestamp renders t the way it is persisted.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reads a persisted timestamp. Second-precision values are accepted too.
func ParseTimestamp(s string) (time.Time, error) {
	layout := TimestampLayout
	if !strings.Contains(s, ".") {
		layout = "2006-01-02 15:04:05"
	}
	return time.ParseInLocation(layout, s, time.UTC)
}

var (
	nowFunc = time.Now // mockable

	clockMu sync.Mutex
	lastNow time.Time
)

// now returns strictly increasing UTC timestamps, truncated to what the stores keep.
func now() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()

	t := nowFunc().UTC().Truncate(time.Microsecond)
	if !t.After(lastNow) {
		t = lastNow.Add(time.Microsecond)
	}
	lastNow = t
	return t
}

// NewQuestion contains information needed to open a new thread.
type NewQuestion struct {
	Title     string `json:"title" form:"title" validate:"required,notblank,max=200,excludesall=<>"`
	Body      string `json:"body" form:"body" validate:"required,notblank,max=10000,nosentinel"`
	Poster    string `json:"poster" form:"poster" validate:"max=50"`
	AccessKey string `json:"access_key" form:"access_key" validate:"max=100"`
	Image     []byte `json:"-" form:"-"`
}

func (nq *NewQuestion) Validate(validate *validator.Validate) error {
	nq.Title = core.CleanString(nq.Title)
	nq.Body = core.CleanString(nq.Body)
	nq.Poster = core.CleanString(nq.Poster)
	nq.AccessKey = core.CleanString(nq.AccessKey)
	return validate.Struct(nq)
}

// NewReply contains information needed to add a message to a thread.
type NewReply struct {
	Body      string `json:"body" form:"body" validate:"required,notblank,max=10000"`
	AccessKey string `json:"access_key" form:"access_key"`
	Image     []byte `json:"-" form:"-"`
}

func (nr *NewReply) Validate(validate *validator.Validate, by Role) error {
	nr.Body = core.CleanString(nr.Body)
	nr.AccessKey = core.CleanString(nr.AccessKey)
	if by == RoleTeacher {
		// teachers used to type the tag themselves
		if kind, body := ParseLegacy(nr.Body); kind == KindTeacher {
			nr.Body = body
		}
	}
	if err := validate.Struct(nr); err != nil {
		return err
	}
	if by == RoleStudent && hasLegacyPrefix(nr.Body) {
		return core.NewValidationError(nil, core.FieldError{Field: "body", Error: nosentinelText})
	}
	return nil
}
