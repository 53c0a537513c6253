package echoapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/syuukuriimu/student-forum/core"
)

func TestOrdering_Bind(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []core.DBOrdering
	}{
		{name: "none", query: ""},
		{name: "empty", query: "?ordering="},
		{name: "single", query: "?ordering=title", want: []core.DBOrdering{{Field: "title", Ascending: true}}},
		{
			name:  "mixed",
			query: "?ordering=-last_message_at,%20title",
			want:  []core.DBOrdering{{Field: "last_message_at"}, {Field: "title", Ascending: true}},
		},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			ctx := e.NewContext(req, httptest.NewRecorder())

			var ord Ordering
			ord.Bind(ctx)
			assert.Equal(t, tt.want, ord.Orderings)
		})
	}
}

func Test_accessKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	assert.Equal(t, "from body", accessKey(ctx, "from body"))

	req.Header.Set(accessKeyHeader, "from header")
	assert.Equal(t, "from header", accessKey(ctx, "from body"))
}

func Test_boolQuery(t *testing.T) {
	tests := []struct {
		query   string
		want    bool
		wantErr bool
	}{
		{query: ""},
		{query: "?unanswered="},
		{query: "?unanswered=true", want: true},
		{query: "?unanswered=1", want: true},
		{query: "?unanswered=false"},
		{query: "?unanswered=maybe", wantErr: true},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			ctx := e.NewContext(req, httptest.NewRecorder())

			got, err := boolQuery(ctx, "unanswered")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
