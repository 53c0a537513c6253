package echoapi

import (
	"net"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/syuukuriimu/student-forum/core/forum"
)

// roleMiddleware lets through only the given roles.
func roleMiddleware(roles ...forum.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			for _, r := range roles {
				if claims.Role == r {
					return next(ctx)
				}
			}
			return errHttpForbidden
		}
	}
}

// ipRateLimiter keeps one token bucket per client IP. Idle buckets expire.
type ipRateLimiter struct {
	mu         sync.Mutex
	buckets    *gocache.Cache
	limit      rate.Limit
	burst      int
	trustProxy bool
}

func newIPRateLimiter(perSecond float64, burst int, trustProxy bool) *ipRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipRateLimiter{
		buckets:    gocache.New(10*time.Minute, 20*time.Minute),
		limit:      rate.Limit(perSecond),
		burst:      burst,
		trustProxy: trustProxy,
	}
}

// clientIP is the peer address unless forwarding headers are trusted, since clients can forge them.
func (l *ipRateLimiter) clientIP(ctx echo.Context) string {
	if l.trustProxy {
		return ctx.RealIP()
	}
	addr := ctx.Request().RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lim *rate.Limiter
	if v, ok := l.buckets.Get(ip); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	l.buckets.SetDefault(ip, lim) // refresh expiration
	return lim.Allow()
}

func rateLimitMiddleware(l *ipRateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if !l.allow(l.clientIP(ctx)) {
				return errTooManyRequests
			}
			return next(ctx)
		}
	}
}
