package dig_container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/syuukuriimu/student-forum/apps/api/echo"
	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
	"github.com/syuukuriimu/student-forum/storage"
)

func TestNew(t *testing.T) {
	t.Setenv("ENV", "TEST")
	t.Setenv("TEST_DATABASE_ENGINE", core.EngineMemory)
	t.Setenv("TEST_SERVER_ADDRESS", "127.0.0.1:0")

	c := New()
	err := c.Invoke(func(conf *core.Config, store *storage.Store, svc *forum.Service, server *echoapi.Server) {
		assert.Equal(t, core.EngineMemory, conf.Database.Engine)
		assert.False(t, store.IsRelational())
		assert.NotNil(t, svc)
		assert.NotNil(t, server)
	})
	require.NoError(t, err)
}
