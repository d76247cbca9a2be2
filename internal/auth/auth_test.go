package auth

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

// --- Store ---

func TestStore_ValidateAPIKey(t *testing.T) {
	s := NewStore()
	key := GenerateAPIKey()
	s.AddKey("alex", key)

	ak := s.ValidateAPIKey(key)
	require.NotNil(t, ak)
	assert.Equal(t, "alex", ak.UserID)
}

func TestStore_ValidateAPIKey_Unknown(t *testing.T) {
	s := NewStore()
	s.AddKey("alex", GenerateAPIKey())

	assert.Nil(t, s.ValidateAPIKey(GenerateAPIKey()))
}

func TestStore_ValidateAPIKey_TooShort(t *testing.T) {
	s := NewStore()
	s.AddKey("alex", "fs_short")

	// Even a stored key below the minimum length is rejected at
	// validation time.
	assert.Nil(t, s.ValidateAPIKey("fs_short"))
}

func TestStore_Len(t *testing.T) {
	s := NewStore()
	assert.Equal(t, 0, s.Len())

	s.AddKey("alex", GenerateAPIKey())
	s.AddKey("sam", GenerateAPIKey())
	assert.Equal(t, 2, s.Len())
}

func TestGenerateAPIKey_Format(t *testing.T) {
	key := GenerateAPIKey()
	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))
	assert.Len(t, key, APIKeyMinLen)
}

func TestGenerateAPIKey_Unique(t *testing.T) {
	assert.NotEqual(t, GenerateAPIKey(), GenerateAPIKey())
}

func TestHashAPIKey_Deterministic(t *testing.T) {
	key := GenerateAPIKey()
	assert.Equal(t, HashAPIKey(key), HashAPIKey(key))
	assert.NotEqual(t, HashAPIKey(key), HashAPIKey(key+"x"))
}

// --- Middleware ---

func protectedHandler(t *testing.T, gotUser *string) http.Handler {
	t.Helper()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotUser = RequestUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_ValidKey(t *testing.T) {
	s := NewStore()
	key := GenerateAPIKey()
	s.AddKey("alex", key)

	var gotUser string
	handler := Middleware(s, testLogger())(protectedHandler(t, &gotUser))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alex", gotUser)
}

func TestMiddleware_NoToken(t *testing.T) {
	s := NewStore()

	handler := Middleware(s, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestMiddleware_InvalidKey(t *testing.T) {
	s := NewStore()
	s.AddKey("alex", GenerateAPIKey())

	handler := Middleware(s, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+GenerateAPIKey())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_NonBearerScheme(t *testing.T) {
	s := NewStore()

	handler := Middleware(s, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestUserID_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", RequestUserID(req.Context()))
}
