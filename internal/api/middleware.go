package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/auth"
	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
)

// Authenticate enforces the process bearer token on every route it wraps.
// The token normally arrives as "Authorization: Bearer <token>"; the token
// query parameter is accepted as a fallback for the WebSocket endpoint,
// where browser clients cannot set headers.
func Authenticate(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if token := r.URL.Query().Get("token"); token != "" {
					if !svc.Verify(token) {
						writeErr(w, errcode.New(errcode.CodeUnauthorized, "Invalid token"), "")
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				writeErr(w, errcode.New(errcode.CodeUnauthorized, "Missing Authorization header"), "")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || !svc.Verify(parts[1]) {
				writeErr(w, errcode.New(errcode.CodeUnauthorized, "Invalid token"), "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger emits one structured line per request once the handler
// finishes.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
