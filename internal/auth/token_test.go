package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/consultation-orchestrator/internal/store"
)

func TestTokens_IssueAndVerify(t *testing.T) {
	tokens := NewTokens("top-secret", "tests")
	userID := uuid.New()

	raw, err := tokens.Issue(userID, store.RoleDoctor, time.Minute)
	require.NoError(t, err)

	id, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, userID, id.UserID)
	assert.Equal(t, store.RoleDoctor, id.Role)
}

func TestTokens_RejectsExpired(t *testing.T) {
	tokens := NewTokens("top-secret", "tests")
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	raw, err := tokens.Issue(uuid.New(), store.RolePatient, time.Minute)
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_RejectsWrongSecretAndIssuer(t *testing.T) {
	raw, err := NewTokens("other", "tests").Issue(uuid.New(), store.RolePatient, time.Minute)
	require.NoError(t, err)
	_, err = NewTokens("top-secret", "tests").Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	raw, err = NewTokens("top-secret", "elsewhere").Issue(uuid.New(), store.RolePatient, time.Minute)
	require.NoError(t, err)
	_, err = NewTokens("top-secret", "tests").Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_MissingToken(t *testing.T) {
	_, err := NewTokens("s", "i").Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?access_token=from-query", nil)
	assert.Equal(t, "from-query", BearerToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(r))
}

func TestMiddleware(t *testing.T) {
	tokens := NewTokens("top-secret", "tests")
	userID := uuid.New()

	var seen *Identity
	h := Middleware(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, seen)

	raw, err := tokens.Issue(userID, store.RolePatient, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, userID, seen.UserID)
}
