package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/outpost/internal/memstore"
)

func newService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return NewService(store, zap.NewNop()), store
}

func TestCreateToken(t *testing.T) {
	svc, _ := newService(t)

	raw, id, err := svc.CreateToken(context.Background(), 1, "ci", []string{ScopeEventsWrite})
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.True(t, strings.HasPrefix(raw, "otk_"))
	assert.Len(t, raw, len("otk_")+64)

	raw2, _, err := svc.CreateToken(context.Background(), 1, "ci", nil)
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestValidateToken(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	raw, id, err := svc.CreateToken(ctx, 7, "app", []string{ScopeEventsWrite})
	require.NoError(t, err)

	tok, err := svc.ValidateToken(ctx, raw, ScopeEventsWrite)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, id, tok.ID)
	assert.Equal(t, int64(7), tok.CompanyID)
	require.NotNil(t, tok.LastUsedAt)
	assert.Equal(t, now, *tok.LastUsedAt)

	tok, err = svc.ValidateToken(ctx, raw, "")
	require.NoError(t, err)
	assert.NotNil(t, tok, "empty scope skips the check")

	tok, err = svc.ValidateToken(ctx, raw, ScopeJobsRead)
	require.NoError(t, err)
	assert.Nil(t, tok, "missing scope")

	tok, err = svc.ValidateToken(ctx, "otk_unknown", "")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, svc.DeactivateToken(ctx, 7, id))
	tok, err = svc.ValidateToken(ctx, raw, ScopeEventsWrite)
	require.NoError(t, err)
	assert.Nil(t, tok, "inactive token")
}

func TestValidateToken_AdminCoversAllScopes(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	raw, _, err := svc.CreateToken(ctx, 1, "root", []string{ScopeAdmin})
	require.NoError(t, err)

	tok, err := svc.ValidateToken(ctx, raw, ScopeJobsWrite)
	require.NoError(t, err)
	assert.NotNil(t, tok)
}

func TestDeactivateToken_OtherCompany(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, id, err := svc.CreateToken(ctx, 1, "a", nil)
	require.NoError(t, err)
	assert.Error(t, svc.DeactivateToken(ctx, 2, id))
}

func TestCheckIdempotency(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.CheckIdempotency(ctx, 1, "key-1", HashRequest([]byte(`{}`)))
	require.NoError(t, err)
	assert.True(t, first)

	again, err := svc.CheckIdempotency(ctx, 1, "key-1", HashRequest([]byte(`{"other":1}`)))
	require.NoError(t, err)
	assert.False(t, again)

	otherCompany, err := svc.CheckIdempotency(ctx, 2, "key-1", "")
	require.NoError(t, err)
	assert.True(t, otherCompany)
}

func TestRequire(t *testing.T) {
	svc, _ := newService(t)
	raw, _, err := svc.CreateToken(context.Background(), 9, "api", []string{ScopeJobsRead})
	require.NoError(t, err)

	var seen int64
	h := svc.Require(ScopeJobsRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CompanyID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + raw, http.StatusOK},
		{"lowercase scheme", "bearer " + raw, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"basic", "Basic abc", http.StatusUnauthorized},
		{"unknown", "Bearer otk_nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			}
		})
	}
	assert.Equal(t, int64(9), seen)

	wrongScope := svc.Require(ScopeJobsWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	wrongScope.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
