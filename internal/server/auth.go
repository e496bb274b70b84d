// Package server provides the HTTP API for blocks, proposals, enrichment,
// and sync status.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/recall-io/recall/internal/requestctx"
)

// AuthMiddleware validates X-Recall-Key or Authorization: Bearer <key> and
// sets the actor identity in the request context. apiKeys maps key → actor
// identity (the value used as commit author for direct edits and reviews).
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Recall-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			var actorID string
			for k, actor := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					actorID = actor
					break
				}
			}
			if actorID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			r = r.WithContext(requestctx.SetActorID(r.Context(), actorID))
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes a JSON error response. Defined here so AuthMiddleware
// can use it; handlers.go uses the same helper.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
