package apikey

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/store"
)

type ctxKeyType struct{}

var ctxKey = ctxKeyType{}

// FromContext returns the authenticated key record for the request.
func FromContext(ctx context.Context) *store.ApiKey {
	k, _ := ctx.Value(ctxKey).(*store.ApiKey)
	return k
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware authenticates /v1 requests: 401 for a missing or unknown key,
// 403 for a disabled one. The key record is attached to the context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			gateway.WriteError(w, gateway.NewError(gateway.ErrTypeAuthentication,
				"missing API key; set the Authorization: Bearer header"))
			return
		}

		k, err := m.Authenticate(r.Context(), token)
		switch {
		case errors.Is(err, ErrUnknownKey):
			gateway.WriteError(w, gateway.NewError(gateway.ErrTypeAuthentication, "invalid API key"))
			return
		case errors.Is(err, ErrDisabledKey):
			gateway.WriteErrorStatus(w,
				gateway.NewError(gateway.ErrTypeAuthentication, "API key is disabled"),
				http.StatusForbidden)
			return
		case err != nil:
			gateway.WriteError(w, gateway.NewError(gateway.ErrTypeServerError, "authentication backend unavailable"))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey, k)))
	})
}
