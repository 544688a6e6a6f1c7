package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"rillchat/pkg/config"
	apperrors "rillchat/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const clientIdleTimeout = 5 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per client address. Buckets idle
// longer than clientIdleTimeout are swept on access.
type clientLimiters struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newClientLimiters(limit rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		clients: make(map[string]*clientLimiter),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

func (s *clientLimiters) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > clientIdleTimeout {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) > clientIdleTimeout {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (s *clientLimiters) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// clientIP prefers the first X-Forwarded-For entry, then the remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits requests per client address and caps
// concurrent requests. Websocket upgrades count against the per-client
// bucket but not the concurrency cap, since a bound signaling connection
// holds its request open for its whole lifetime.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	limiters := newClientLimiters(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var inflight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inflight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		ip := clientIP(c.Request)
		limiter := limiters.get(ip)
		if !limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter(limiter).Seconds())+1))
			_ = c.Error(apperrors.NewRateLimitError().WithContext("client_ip", ip))
			c.Abort()
			return
		}

		if inflight != nil && !websocket.IsWebSocketUpgrade(c.Request) {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				_ = c.Error(apperrors.NewServiceUnavailableError("too many concurrent requests"))
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// retryAfter estimates how long until the limiter admits one more event.
func retryAfter(l *rate.Limiter) time.Duration {
	r := l.Reserve()
	defer r.Cancel()
	return r.Delay()
}
