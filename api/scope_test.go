package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/till-engine/till"
)

const testSecret = "test-secret"

func bearer(t *testing.T, tenant, user string, role Role) string {
	t.Helper()
	token, err := IssueToken([]byte(testSecret), tenant, user, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestParseToken(t *testing.T) {
	token, err := IssueToken([]byte(testSecret), "acme", "alice", RoleManager, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, []byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "manager", claims.Role)

	_, err = ParseToken(token, []byte("other-secret"))
	assert.Error(t, err, "wrong secret")

	expired, err := IssueToken([]byte(testSecret), "acme", "alice", RoleCashier, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, []byte(testSecret))
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	noTenant, err := IssueToken([]byte(testSecret), "", "alice", RoleCashier, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(noTenant, []byte(testSecret))
	assert.ErrorIs(t, err, errMissingTenant)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidClaims)

	noSubject, err := IssueToken([]byte(testSecret), "acme", "", RoleCashier, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(noSubject, []byte(testSecret))
	assert.ErrorIs(t, err, errMissingSubject)

	badRole, err := IssueToken([]byte(testSecret), "acme", "alice", Role("owner"), time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(badRole, []byte(testSecret))
	assert.ErrorIs(t, err, errInvalidRole)
}

func TestParseToken_RequiresExpiry(t *testing.T) {
	// GIVEN: a correctly signed HS256 token with no exp claim
	claims := Claims{
		TenantID:         "acme",
		Role:             "cashier",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	// WHEN: it is parsed
	_, err = ParseToken(token, []byte(testSecret))

	// THEN: it is rejected as missing a required claim
	assert.ErrorIs(t, err, jwt.ErrTokenRequiredClaimMissing)
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{
		TenantID: "acme",
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ParseToken(token, []byte(testSecret))
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestRoleAllows(t *testing.T) {
	assert.True(t, RoleAdmin.Allows(RoleManager))
	assert.True(t, RoleManager.Allows(RoleManager))
	assert.False(t, RoleCashier.Allows(RoleManager))
	assert.False(t, Role("").Allows(RoleCashier))

	r, ok := NormalizeRole(" Manager ")
	assert.True(t, ok)
	assert.Equal(t, RoleManager, r)
}

func TestAuthenticator_Bearer(t *testing.T) {
	var got till.Scope
	h := Authenticator{Secret: []byte(testSecret)}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ScopeFromRequest(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	// GIVEN: a valid token and a terminal header
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearer(t, "acme", "alice", RoleCashier))
	req.Header.Set(HeaderTerminalID, "T1")
	// Dev headers are ignored once a secret is configured.
	req.Header.Set(HeaderTenantID, "globex")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// THEN: the scope comes from the token
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, till.Scope{TenantID: "acme", TerminalID: "T1", UserID: "alice"}, got)

	for name, header := range map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"garbage":    "Bearer not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthenticator_DevHeaders(t *testing.T) {
	var id Identity
	h := Authenticator{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set(HeaderUserID, "alice")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, Identity{TenantID: "acme", UserID: "alice", Role: RoleCashier}, id)

	req.Header.Set(HeaderRole, "superuser")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_WithJWT(t *testing.T) {
	ts := newTestServer(t, testSecret)

	// Without a token the API is closed.
	rec := ts.do(cashier, http.MethodGet, "/api/terminals", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A manager token registers, a cashier token opens.
	rec = ts.do(identity{}, http.MethodPost, "/api/terminals", RegisterTerminalRequest{ID: "T1", Name: "Front"},
		"Authorization", bearer(t, "acme", "bob", RoleManager))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(identity{terminal: "T1"}, http.MethodPost, "/api/tills", map[string]any{"opening_float": "25.00"},
		"Authorization", bearer(t, "acme", "alice", RoleCashier))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decode[TillDTO](t, rec)
	assert.Equal(t, "alice", opened.OpenedByUserID)
	assert.Equal(t, "acme", opened.TenantID)

	// Health stays public.
	rec = ts.do(identity{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
