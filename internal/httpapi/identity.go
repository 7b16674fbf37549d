package httpapi

import (
	"context"
	"net/http"
	"strings"

	"botline/internal/domain"
)

const (
	// headerUserID is set by the upstream auth layer for signed-in users.
	headerUserID         = "X-User-ID"
	headerSessionToken   = "X-Session-Token"
	headerClientID       = "X-Client-ID"
	headerShareKey       = "X-Share-Key"
	headerIdempotencyKey = "Idempotency-Key"
)

type contextKey int

const identityKey contextKey = iota

func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := domain.Identity{
			UserID:       strings.TrimSpace(r.Header.Get(headerUserID)),
			SessionToken: strings.TrimSpace(r.Header.Get(headerSessionToken)),
			ClientID:     strings.TrimSpace(r.Header.Get(headerClientID)),
			ShareKey:     strings.TrimSpace(r.URL.Query().Get("share")),
		}
		if id.ShareKey == "" {
			id.ShareKey = strings.TrimSpace(r.Header.Get(headerShareKey))
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func identityFrom(ctx context.Context) domain.Identity {
	id, _ := ctx.Value(identityKey).(domain.Identity)
	return id
}
