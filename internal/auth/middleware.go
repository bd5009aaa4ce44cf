package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/db"
)

type contextKey struct{}

// FromContext returns the token the request was authenticated with.
func FromContext(ctx context.Context) (*db.APIToken, bool) {
	t, ok := ctx.Value(contextKey{}).(*db.APIToken)
	return t, ok
}

// WithToken attaches an authenticated token to ctx.
func WithToken(ctx context.Context, t *db.APIToken) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// CompanyID is the tenant of the authenticated request, 0 if none.
func CompanyID(ctx context.Context) int64 {
	if t, ok := FromContext(ctx); ok {
		return t.CompanyID
	}
	return 0
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Require authenticates the bearer token and checks it carries scope.
func (s *Service) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearer(r)
			if raw == "" {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			t, err := s.ValidateToken(r.Context(), raw, scope)
			if err != nil {
				s.logger.Error("token validation failed", zap.Error(err))
				writeProblem(w, http.StatusInternalServerError, "internal_error", "token validation failed")
				return
			}
			if t == nil {
				writeProblem(w, http.StatusUnauthorized, "unauthorized", ErrInvalidToken.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), t)))
		})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func writeProblem(w http.ResponseWriter, status int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="outpost"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problem{
		Type:   typ,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
