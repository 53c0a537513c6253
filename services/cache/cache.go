package cachesvc

import (
	"github.com/syuukuriimu/student-forum/core"
)

// New returns the cache backend selected by the configuration.
func New(conf *core.Config) core.Cache {
	if conf.Cache.Backend == core.CacheRedis {
		return NewRedisCache(NewRedisClient(conf), conf.AppName+":cache", conf.Cache.TTL)
	}
	return NewMemoryCache(conf.Cache.TTL)
}
