package logsvc

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuukuriimu/student-forum/core"
)

func TestRollbarLogger(t *testing.T) {
	conf := core.NewTestConfig()
	conf.Debug = false // plain JSON lines

	var buf bytes.Buffer
	logger := NewRollbarLogger(&buf, "API", conf)
	logger.Enable(false)

	tests := []struct {
		name      string
		log       func(msg string, args ...interface{})
		args      []interface{}
		wantLevel string
		wantKeys  []string
	}{
		{name: "info", log: logger.Info, wantLevel: "info"},
		{name: "warn with error", log: logger.Warn, args: []interface{}{errors.New("boom")}, wantLevel: "warn", wantKeys: []string{"error"}},
		{
			name: "error with fields and person", log: logger.Error,
			args:      []interface{}{map[string]interface{}{"title": "Q1"}, core.Person{ID: "student", Name: "hana"}},
			wantLevel: "error", wantKeys: []string{"title", "person_id", "person"},
		},
		{name: "debug with extra", log: logger.Debug, args: []interface{}{42}, wantLevel: "debug", wantKeys: []string{"extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log("something happened", tt.args...)

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "something happened", entry["message"])
			assert.Equal(t, "API", entry["component"])
			for _, k := range tt.wantKeys {
				assert.Contains(t, entry, k)
			}
		})
	}
}
