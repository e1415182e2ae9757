package handlers

import (
	"bufio"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/default/service"
	"github.com/antinvestor/service-realtime/internal"
)

// statusRecorder remembers the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the raw connection to the websocket upgrader, which asserts
// http.Hijacker directly instead of going through Unwrap.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// AuthMiddleware verifies the bearer token and stores the user id on the request context.
func (cs *ChatServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token, err := internal.BearerToken(r)
		if err != nil {
			util.Log(ctx).Debug("AuthMiddleware -- request carries no bearer token")
			writeError(ctx, w, err)
			return
		}

		userID, err := cs.auth.Verify(ctx, token)
		if err != nil {
			util.Log(ctx).WithError(err).Debug("AuthMiddleware -- could not authenticate token")
			writeError(ctx, w, service.ErrAuthRejected)
			return
		}

		next.ServeHTTP(w, r.WithContext(internal.WithAuthenticatedUser(ctx, userID)))
	})
}

// LoggingMiddleware records method, path, status and latency of every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		util.Log(r.Context()).WithFields(map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.status,
			"latency_ms": time.Since(start).Milliseconds(),
		}).Debug("request served")
	})
}

// RecoveryMiddleware turns a handler panic into a 500 instead of killing the connection.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				util.Log(r.Context()).WithFields(map[string]any{
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("handler panicked")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
