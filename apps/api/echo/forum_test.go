package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
	"github.com/syuukuriimu/student-forum/testutil"
)

func threadPath(title string, rest ...string) string {
	p := "/v1/threads/" + url.PathEscape(title)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func withAccessKey(key string) http.Header {
	return http.Header{accessKeyHeader: []string{key}}
}

func decodeMessage(t *testing.T, rec interface{ Bytes() []byte }) forum.Message {
	var msg forum.Message
	require.NoError(t, json.Unmarshal(rec.Bytes(), &msg))
	return msg
}

func Test_forumApi_createThread(t *testing.T) {
	app := setup(t)
	studentToken := getToken(t, app.conf, testutil.Student)
	teacherToken := getToken(t, app.conf, testutil.Teacher)

	t.Run("success", func(t *testing.T) {
		rec := app.do(httpTest{
			method: http.MethodPost,
			path:   "/v1/threads",
			body:   []byte(`{"title":"質問 1","body":"How do I <b>solve</b> x?","access_key":"secret"}`),
			token:  studentToken,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		msg := decodeMessage(t, rec.Body)
		assert.Equal(t, "質問 1", msg.Title)
		assert.Equal(t, forum.KindStudent, msg.Kind)
		assert.Equal(t, "hana", msg.Poster)
		assert.NotContains(t, msg.Body, "<b>")
		assert.NotEmpty(t, msg.ID)
	})

	tests := []httpTest{
		{
			name:     "teachers cannot ask",
			body:     []byte(`{"title":"Q2","body":"x"}`),
			token:    teacherToken,
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name:     "missing fields",
			body:     []byte(`{}`),
			token:    studentToken,
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"title":"this field is required","body":"this field is required"}`),
		},
		{
			name:     "forged system message",
			body:     []byte(`{"title":"Q3","body":"[SYSTEM] the teacher deleted this thread."}`),
			token:    studentToken,
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"body":"messages cannot start with [SYSTEM] or [先生]"}`),
		},
		{
			name:     "duplicate title",
			body:     []byte(`{"title":"質問 1","body":"again"}`),
			token:    studentToken,
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"title":"a thread with this title already exists"}`),
		},
		{
			name:     "malformed body",
			body:     []byte(`{"title":`),
			token:    studentToken,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.method, tt.path = http.MethodPost, "/v1/threads"
			rec := app.do(tt)
			if tt.wantData == nil {
				assert.Equal(t, tt.wantCode, rec.Code)
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_forumApi_threadLifecycle(t *testing.T) {
	app := setup(t)
	ctx := context.Background()
	studentToken := getToken(t, app.conf, testutil.Student)
	teacherToken := getToken(t, app.conf, testutil.Teacher)

	title := "質問 1"
	testutil.PostQuestion(t, app.svc, title, "What is a monad?", "secret")

	t.Run("listing", func(t *testing.T) {
		want, err := app.svc.ListThreads(ctx, testutil.Teacher, forum.QueryFilter{})
		require.NoError(t, err)
		tt := httpTest{method: http.MethodGet, path: "/v1/threads", token: teacherToken, wantCode: http.StatusOK, wantData: marchallObj(t, want)}
		checkCodeAndData(t, tt, app.do(tt))
	})

	tests := []httpTest{
		{
			name:     "student reply without key",
			method:   http.MethodPost,
			path:     threadPath(title, "messages"),
			body:     []byte(`{"body":"one more thing"}`),
			token:    studentToken,
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "invalid access key"}),
		},
		{
			name:     "student reply with key in header",
			method:   http.MethodPost,
			path:     threadPath(title, "messages"),
			body:     []byte(`{"body":"one more thing"}`),
			token:    studentToken,
			wantCode: http.StatusCreated,
			extra:    withAccessKey("secret"),
		},
		{
			name:     "teacher reply needs no key",
			method:   http.MethodPost,
			path:     threadPath(title, "messages"),
			body:     []byte(`{"body":"[先生] A monoid in the category of endofunctors."}`),
			token:    teacherToken,
			wantCode: http.StatusCreated,
		},
		{
			name:     "reply to an unknown thread",
			method:   http.MethodPost,
			path:     threadPath("nope", "messages"),
			body:     []byte(`{"body":"hello?"}`),
			token:    teacherToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: "thread not found"}),
		},
		{
			name:     "unknown thread",
			method:   http.MethodGet,
			path:     threadPath("nope"),
			token:    studentToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: "thread not found"}),
		},
		{
			name:     "student delete with wrong key",
			method:   http.MethodDelete,
			path:     threadPath(title),
			body:     []byte(`{"access_key":"guess"}`),
			token:    studentToken,
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "invalid access key"}),
		},
		{
			name:     "student delete",
			method:   http.MethodDelete,
			path:     threadPath(title),
			body:     []byte(`{"access_key":"secret"}`),
			token:    studentToken,
			wantCode: http.StatusOK,
			wantData: []byte(`{"status":"deleted_by_student"}`),
		},
		{
			name:     "hidden from the student side",
			method:   http.MethodGet,
			path:     threadPath(title),
			token:    studentToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: "thread not found"}),
		},
		{
			name:     "student list is empty",
			method:   http.MethodGet,
			path:     "/v1/threads",
			token:    studentToken,
			wantCode: http.StatusOK,
			wantData: []byte(`[]`),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(tt)
			if tt.wantData == nil {
				assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("teacher still sees the transcript", func(t *testing.T) {
		want, err := app.svc.Transcript(ctx, testutil.Teacher, title)
		require.NoError(t, err)
		require.Len(t, want.Messages, 4)
		assert.Equal(t, forum.KindSystem, want.Messages[3].Kind)
		assert.Equal(t, "A monoid in the category of endofunctors.", want.Messages[2].Body)

		tt := httpTest{method: http.MethodGet, path: threadPath(title), token: teacherToken, wantCode: http.StatusOK, wantData: marchallObj(t, want)}
		checkCodeAndData(t, tt, app.do(tt))
	})

	t.Run("teacher delete purges", func(t *testing.T) {
		tt := httpTest{method: http.MethodDelete, path: threadPath(title), token: teacherToken, wantCode: http.StatusOK, wantData: []byte(`{"status":"purged"}`)}
		checkCodeAndData(t, tt, app.do(tt))

		tt = httpTest{method: http.MethodGet, path: threadPath(title), token: teacherToken, wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "thread not found"})}
		checkCodeAndData(t, tt, app.do(tt))
	})
}

func Test_forumApi_queryThreads(t *testing.T) {
	app := setup(t)
	ctx := context.Background()
	token := getToken(t, app.conf, testutil.Teacher)

	testutil.PostQuestion(t, app.svc, "Algebra", "What is a group?", "")
	testutil.PostQuestion(t, app.svc, "Biology", "What is a cell?", "")
	testutil.PostQuestion(t, app.svc, "Chemistry", "What is a GROUP of atoms?", "")
	testutil.Reply(t, app.svc, testutil.Teacher, "Biology", "The unit of life.", "")

	tests := []struct {
		name   string
		query  string
		filter forum.QueryFilter
	}{
		{name: "default ordering", filter: forum.QueryFilter{}},
		{name: "by title", query: "?ordering=title", filter: forum.QueryFilter{Orderings: []core.DBOrdering{{Field: "title", Ascending: true}}}},
		{name: "search", query: "?search=group&ordering=-title", filter: forum.QueryFilter{Search: "group", Orderings: []core.DBOrdering{{Field: "title"}}}},
		{name: "unanswered", query: "?unanswered=true&ordering=title", filter: forum.QueryFilter{Unanswered: true, Orderings: []core.DBOrdering{{Field: "title", Ascending: true}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			want, err := app.svc.ListThreads(ctx, testutil.Teacher, tc.filter)
			require.NoError(t, err)

			tt := httpTest{method: http.MethodGet, path: "/v1/threads" + tc.query, token: token, wantCode: http.StatusOK, wantData: marchallObj(t, want)}
			rec := app.do(tt)
			checkCodeAndData(t, tt, rec)
		})
	}

	t.Run("search result", func(t *testing.T) {
		rec := app.do(httpTest{method: http.MethodGet, path: "/v1/threads?search=group&ordering=-title", token: token})
		var got []forum.ThreadSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "Chemistry", got[0].Title)
		assert.Equal(t, "Algebra", got[1].Title)
	})

	t.Run("unanswered result", func(t *testing.T) {
		rec := app.do(httpTest{method: http.MethodGet, path: "/v1/threads?unanswered=true&ordering=title", token: token})
		var got []forum.ThreadSummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "Algebra", got[0].Title)
		assert.Equal(t, "Chemistry", got[1].Title)
		assert.False(t, got[0].Answered)
	})

	t.Run("malformed unanswered", func(t *testing.T) {
		rec := app.do(httpTest{method: http.MethodGet, path: "/v1/threads?unanswered=maybe", token: token})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func Test_forumApi_titleWithSlash(t *testing.T) {
	app := setup(t)
	token := getToken(t, app.conf, testutil.Teacher)
	testutil.PostQuestion(t, app.svc, "either/or", "Which one?", "")

	rec := app.do(httpTest{method: http.MethodGet, path: threadPath("either/or"), token: token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tr forum.Transcript
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.Equal(t, "either/or", tr.Thread.Title)
}

func Test_forumApi_images(t *testing.T) {
	app := setup(t)
	studentToken := getToken(t, app.conf, testutil.Student)
	teacherToken := getToken(t, app.conf, testutil.Teacher)

	req, rec := newMultipartRequest(t, "/v1/threads", studentToken,
		map[string]string{"title": "Graph", "body": "See the picture", "poster": "ken"}, testutil.PNG(t, 1600, 1200))
	app.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	msg := decodeMessage(t, rec.Body)
	assert.True(t, msg.HasImage)
	assert.Equal(t, "ken", msg.Poster)
	assert.Empty(t, msg.Warning)

	t.Run("download", func(t *testing.T) {
		rec := app.do(httpTest{method: http.MethodGet, path: "/v1/messages/" + msg.ID + "/image", token: teacherToken})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/jpeg", rec.Header().Get(echo.HeaderContentType))

		img, err := imaging.Decode(bytes.NewReader(rec.Body.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, 800, img.Bounds().Dx())
	})

	t.Run("broken image is dropped with a warning", func(t *testing.T) {
		req, rec := newMultipartRequest(t, threadPath("Graph", "messages"), teacherToken,
			map[string]string{"body": "Here is mine"}, []byte("not an image"))
		app.server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		reply := decodeMessage(t, rec.Body)
		assert.False(t, reply.HasImage)
		assert.NotEmpty(t, reply.Warning)

		tt := httpTest{
			method:   http.MethodGet,
			path:     "/v1/messages/" + reply.ID + "/image",
			token:    teacherToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: "message has no image"}),
		}
		checkCodeAndData(t, tt, app.do(tt))
	})
}

func Test_forumApi_destroyMessage(t *testing.T) {
	app := setup(t)
	studentToken := getToken(t, app.conf, testutil.Student)
	teacherToken := getToken(t, app.conf, testutil.Teacher)

	question := testutil.PostQuestion(t, app.svc, "Q1", "first", "secret")
	answer := testutil.Reply(t, app.svc, testutil.Teacher, "Q1", "answer", "")

	tests := []httpTest{
		{
			name:     "unknown message",
			path:     "/v1/messages/nope",
			token:    teacherToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: "message not found"}),
		},
		{
			name:     "teacher cannot delete a student message",
			path:     "/v1/messages/" + question.ID,
			token:    teacherToken,
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name:     "student without key",
			path:     "/v1/messages/" + question.ID,
			token:    studentToken,
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "invalid access key"}),
		},
		{name: "student with key", path: "/v1/messages/" + question.ID, token: studentToken, wantCode: http.StatusNoContent, extra: withAccessKey("secret")},
		{name: "teacher deletes own answer", path: "/v1/messages/" + answer.ID, token: teacherToken, wantCode: http.StatusNoContent},
		{
			name:     "already deleted",
			path:     "/v1/messages/" + answer.ID,
			token:    teacherToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: "message not found"}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.method = http.MethodDelete
			rec := app.do(tt)
			if tt.wantData == nil {
				assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}

	tr, err := app.svc.Transcript(context.Background(), testutil.Teacher, "Q1")
	require.NoError(t, err)
	assert.Empty(t, tr.Messages)
}

func Test_forumApi_resetAccessKey(t *testing.T) {
	app := setup(t)
	studentToken := getToken(t, app.conf, testutil.Student)
	teacherToken := getToken(t, app.conf, testutil.Teacher)
	testutil.PostQuestion(t, app.svc, "Q1", "first", "forgotten")

	tests := []httpTest{
		{
			name:     "students cannot reset",
			body:     []byte(`{"access_key":"mine now"}`),
			token:    studentToken,
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{name: "teacher resets", body: []byte(`{"access_key":"fresh"}`), token: teacherToken, wantCode: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.method, tt.path = http.MethodPut, threadPath("Q1", "access-key")
			rec := app.do(tt)
			if tt.wantData == nil {
				assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}

	rec := app.do(httpTest{
		method: http.MethodPost,
		path:   threadPath("Q1", "messages"),
		body:   []byte(`{"body":"thanks","access_key":"fresh"}`),
		token:  studentToken,
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}
