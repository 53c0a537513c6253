package cachesvc

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/core"
)

type memoryCache struct {
	store *gocache.Cache
}

var _ core.Cache = (*memoryCache)(nil)

// NewMemoryCache keeps JSON-encoded entries in process memory for ttl.
func NewMemoryCache(ttl time.Duration) core.Cache {
	return &memoryCache{store: gocache.New(ttl, 2*ttl)}
}

func (c *memoryCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return false, nil
	}
	data, ok := v.([]byte)
	if !ok {
		return false, errors.Errorf("unexpected cache entry %T", v)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, errors.Wrap(err, "decoding cache entry")
	}
	return true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encoding cache entry")
	}
	c.store.SetDefault(key, data)
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context) error {
	c.store.Flush()
	return nil
}
