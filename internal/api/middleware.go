package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
)

const requestIdHeader = "X-Request-Id"

func (s *GoChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error("panic", "error", panicError, "path", r.URL.Path)
				w.Header().Set("Connection", "close")
				s.writeError(w, NewInternalServerError(panicError))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requestId tags every request with an id, reusing the caller's when it is
// a valid UUID.
func requestId(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIdHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			r = r.Clone(r.Context())
			r.Header.Set(requestIdHeader, id)
		}

		w.Header().Set(requestIdHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *GoChatApp) logRequest(_ io.Writer, params handlers.LogFormatterParams) {
	s.log.Info("request",
		"method", params.Request.Method,
		"path", params.URL.Path,
		"status", params.StatusCode,
		"size", params.Size,
		"request_id", params.Request.Header.Get(requestIdHeader),
		"remote_addr", params.Request.RemoteAddr,
	)
}
