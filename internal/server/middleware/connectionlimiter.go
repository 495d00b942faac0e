package middleware

import (
	"log/slog"
	"net/http"
)

type UserConnectionCounter func(userID int64) int

// NewConnectionLimiter rejects upgrade requests from users already holding
// the device cap. The registry re-checks under its own lock at register
// time; this layer just refuses the handshake early with a proper HTTP
// status instead of an accepted-then-closed socket.
func NewConnectionLimiter(logger *slog.Logger, counter UserConnectionCounter, maxPerUser int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if reqMeta.UserID == 0 {
				logger.Warn("connection limiter could not determine userID from metadata; blocking request for safety.")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if count := counter(reqMeta.UserID); count >= maxPerUser {
				logger.Warn("user connection limit reached",
					slog.Int64("userID", reqMeta.UserID),
					slog.Int("count", count),
				)
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
