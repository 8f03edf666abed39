package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	logx "chatrelay/pkg/logx"
)

// corsHandler allows the configured widget origins. With no origins
// configured, no CORS headers are emitted and browsers enforce same-origin.
func corsHandler(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				// Credentials only for explicitly listed origins. Pairing
				// Allow-Credentials with a wildcard-echoed origin enables
				// CSRF.
				for _, o := range allowedOrigins {
					if o != "*" && o == origin {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
						break
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipLimiter keeps a token bucket per client IP.
type ipLimiter struct {
	mu     sync.Mutex
	perMin int
	seen   map[string]*ipEntry
}

type ipEntry struct {
	lim  *rate.Limiter
	last time.Time
}

const (
	ipLimiterMaxEntries = 1024
	ipLimiterIdle       = 10 * time.Minute
)

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{perMin: perMinute, seen: map[string]*ipEntry{}}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.seen[ip]
	if !ok {
		burst := l.perMin / 4
		if burst < 1 {
			burst = 1
		}
		e = &ipEntry{lim: rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), burst)}
		// Prune idle entries when the map grows past its cap.
		if len(l.seen) >= ipLimiterMaxEntries {
			for k, v := range l.seen {
				if now.Sub(v.last) > ipLimiterIdle {
					delete(l.seen, k)
				}
			}
		}
		l.seen[ip] = e
	}
	e.last = now
	return e.lim.Allow()
}

func rateLimit(l *ipLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// RealIP has already folded X-Forwarded-For into RemoteAddr.
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if !l.allow(ip) {
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", chimw.GetReqID(r.Context())))
		})
	}
}
