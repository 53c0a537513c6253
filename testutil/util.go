package testutil

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
	"github.com/syuukuriimu/student-forum/storage/database"
)

var (
	Student = forum.Actor{Role: forum.RoleStudent, Name: "hana"}
	Teacher = forum.Actor{Role: forum.RoleTeacher, Name: "sensei"}
)

// Logger records what was logged so tests can assert on it.
type Logger struct {
	mu      sync.Mutex
	t       testing.TB
	Entries []string
}

var _ core.Logger = (*Logger)(nil)

func NewLogger(t testing.TB) *Logger {
	return &Logger{t: t}
}

func (l *Logger) log(level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := fmt.Sprintf("%s: %s %v", level, msg, args)
	l.Entries = append(l.Entries, entry)
	l.t.Log(entry)
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("DEBUG", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("INFO", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("WARN", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("ERROR", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) { l.log("FATAL", msg, args) }

func NewTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

// NewValidator returns a validator with every custom tag registered.
func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := NewTranslator()
	core.InitValidators(validate, translator)
	forum.InitValidators(validate, translator)
	return validate, translator
}

// NewForumService wires a forum service for tests. `cache` and `mailSvc` may be nil.
func NewForumService(t testing.TB, repo forum.Repository, cache core.Cache, mailSvc core.EmailService) *forum.Service {
	validate, _ := NewValidator()
	return forum.NewService(core.NewTestConfig(), repo, cache, mailSvc, NewLogger(t), validate)
}

// PostQuestion opens a thread as Student.
func PostQuestion(t testing.TB, svc *forum.Service, title, body, accessKey string, image ...[]byte) forum.Message {
	t.Helper()
	nq := forum.NewQuestion{Title: title, Body: body, Poster: Student.Name, AccessKey: accessKey}
	if len(image) > 0 {
		nq.Image = image[0]
	}
	msg, err := svc.PostQuestion(context.Background(), Student, nq)
	if err != nil {
		t.Fatalf("PostQuestion() failed: %v", err)
	}
	return msg
}

// Reply adds a message to a thread.
func Reply(t testing.TB, svc *forum.Service, actor forum.Actor, title, body, accessKey string) forum.Message {
	t.Helper()
	msg, err := svc.Reply(context.Background(), actor, title, forum.NewReply{Body: body, AccessKey: accessKey})
	if err != nil {
		t.Fatalf("Reply() failed: %v", err)
	}
	return msg
}

// PNG returns a flat-colored PNG of the given size.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() failed: %v", err)
	}
	return buf.Bytes()
}

// PrepareDB opens a migrated in-memory SQLite database, closed at the end of the test.
func PrepareDB(t testing.TB) *sqlx.DB {
	t.Helper()
	conf := core.NewTestConfig()
	db, err := database.Open(conf)
	if err != nil {
		t.Fatalf("database.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(db, conf.Database.Engine); err != nil {
		t.Fatalf("database.Migrate() failed: %v", err)
	}
	return db
}
