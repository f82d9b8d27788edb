package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"client-engine/internal/logging"
	"client-engine/internal/telemetry"
)

// withCaller stores the caller identity: X-Caller-ID, else the remote host.
func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-Caller-ID")
		if caller == "" {
			caller = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				caller = host
			}
		}
		next.ServeHTTP(w, r.WithContext(logging.WithCaller(r.Context(), caller)))
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context(), s.log).Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// throttle gates op per caller with the configured fixed window. Limiter
// errors let the request through.
func (s *Server) throttle(op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			caller := logging.CallerFromContext(r.Context())
			res, err := s.limiter.Check(r.Context(), op+":"+caller, s.cfg.RateLimitMax, s.cfg.RateLimitWindow)
			if err != nil {
				logging.FromContext(r.Context(), s.log).Warn("rate limiter unavailable", zap.String("operation", op), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.OK {
				telemetry.RateLimitRejects.WithLabelValues(op).Inc()
				secs := int(math.Ceil(res.RetryAfter(s.now()).Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
