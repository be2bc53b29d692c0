package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"retailforecast/monitoring"
)

// ContextKey namespaces values stored in the request context.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	StartTimeKey ContextKey = "start_time"
)

const (
	HeaderRequestID   = "X-Request-ID"
	HeaderProcessTime = "X-Process-Time"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// RequestCounter hands out the per-process request sequence.
type RequestCounter interface {
	NextRequest() uint64
}

// RequestTracker numbers every request as "{start_millis}-{counter}", stamps
// X-Request-ID and X-Process-Time on the response and logs both ends of the
// exchange. The headers are set when the response header is first written so
// they survive error responses.
func RequestTracker(counter RequestCounter, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := fmt.Sprintf("%d-%d", start.UnixMilli(), counter.NextRequest())

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, StartTimeKey, start)
			r = r.WithContext(ctx)

			logger.Info("request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				beforeWrite: func(h http.Header) {
					h.Set(HeaderProcessTime, strconv.FormatFloat(time.Since(start).Seconds(), 'f', -1, 64))
					h.Set(HeaderRequestID, requestID)
				},
			}
			next.ServeHTTP(wrapped, r)
			if !wrapped.written {
				wrapped.WriteHeader(http.StatusOK)
			}

			logger.Info("response",
				zap.String("request_id", requestID),
				zap.Int("status", wrapped.statusCode),
				zap.Float64("process_time", time.Since(start).Seconds()))
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response. A response
// that was already started is left as is.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error("panic recovered",
						zap.String("request_id", GetRequestID(r.Context())),
						zap.Any("panic", err),
						zap.Bool("response_started", wrapped.written),
						zap.ByteString("stack", buf[:n]))
					if !wrapped.written {
						writeError(wrapped, http.StatusInternalServerError, "internal server error")
					}
				}
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}

// CORSMiddleware allows cross-origin calls from origins and answers
// preflight requests with 200. "*" allows any origin.
func CORSMiddleware(origins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, allowedOrigin := range origins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Expose-Headers", HeaderRequestID+", "+HeaderProcessTime)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts and latency per route pattern. It
// must wrap the mux directly so the matched pattern is visible afterwards.
func MetricsMiddleware(metrics *monitoring.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveRequest(route, r.Method, wrapped.statusCode, time.Since(start))
		})
	}
}

// responseWriter captures the status code and runs beforeWrite once, right
// before the header is sent.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	written     bool
	beforeWrite func(http.Header)
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.written = true
	rw.statusCode = code
	if rw.beforeWrite != nil {
		rw.beforeWrite(rw.Header())
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades through the middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, brw, err := h.Hijack()
	if err == nil {
		rw.written = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// GetRequestID returns the id RequestTracker stored in ctx, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
