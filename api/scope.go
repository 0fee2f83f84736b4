/*
scope.go - Request identity and till scope

PURPOSE:
  Turns request headers into the explicit till.Scope every service call takes.
  The scope is built once per request at this boundary; handlers never read
  tenant or user from anywhere else.

HEADER CONTRACT:
  Authorization: Bearer <JWT>   HS256, claims: tenant_id, sub (user), role
  X-Terminal-ID: <terminal>     the register the request acts on
  Idempotency-Key: <key>        optional, dedupes a movement

DEV MODE:
  With no JWT secret configured, X-Tenant-ID, X-User-ID and X-Role are
  trusted as-is. Never run without a secret outside development.

ROLES:
  cashier  open, record, close, read
  manager  cashier + terminal registration
  admin    everything
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/till-engine/till"
)

const (
	HeaderTerminalID     = "X-Terminal-ID"
	HeaderTenantID       = "X-Tenant-ID"
	HeaderUserID         = "X-User-ID"
	HeaderRole           = "X-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Role is the caller's permission level.
type Role string

const (
	RoleCashier Role = "cashier"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

var roleRank = map[Role]int{RoleCashier: 1, RoleManager: 2, RoleAdmin: 3}

// NormalizeRole lower-cases and validates a role name.
func NormalizeRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := roleRank[r]
	return r, ok
}

// Allows reports whether r is at least required.
func (r Role) Allows(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Claims represents JWT claims accepted by this service.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

var (
	errMissingTenant  = errors.New("auth: missing tenant_id")
	errMissingSubject = errors.New("auth: missing sub")
	errInvalidRole    = errors.New("auth: invalid role")
)

// Validate is called by the jwt parser after the registered claims pass.
func (c Claims) Validate() error {
	switch {
	case c.TenantID == "":
		return errMissingTenant
	case c.Subject == "":
		return errMissingSubject
	}
	if _, ok := NormalizeRole(c.Role); !ok {
		return errInvalidRole
	}
	return nil
}

// tokenParser accepts only HS256 tokens that carry an expiry.
var tokenParser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithExpirationRequired(),
)

// ParseToken verifies an HS256 JWT against secret and returns its claims.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	var claims Claims
	if _, err := tokenParser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &claims, nil
}

// IssueToken signs an HS256 token. Used by tests and local tooling.
func IssueToken(secret []byte, tenantID, userID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// =============================================================================
// IDENTITY CONTEXT
// =============================================================================

// Identity is the authenticated caller.
type Identity struct {
	TenantID till.TenantID
	UserID   till.UserID
	Role     Role
}

type contextKey string

const contextKeyIdentity contextKey = "api.identity"

// WithIdentity stores the caller identity in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, id)
}

// IdentityFromContext extracts the caller identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity).(Identity)
	return id, ok
}

// ScopeFromRequest builds the till scope from the request identity and the
// X-Terminal-ID header.
func ScopeFromRequest(r *http.Request) till.Scope {
	id, _ := IdentityFromContext(r.Context())
	return till.Scope{
		TenantID:   id.TenantID,
		TerminalID: till.TerminalID(strings.TrimSpace(r.Header.Get(HeaderTerminalID))),
		UserID:     id.UserID,
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// Authenticator resolves the caller identity for every request.
type Authenticator struct {
	Secret []byte
}

// Middleware rejects requests without a valid identity with 401.
func (a Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.identify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (a Authenticator) identify(r *http.Request) (Identity, error) {
	if len(a.Secret) == 0 {
		role := RoleCashier
		if raw := r.Header.Get(HeaderRole); raw != "" {
			var ok bool
			if role, ok = NormalizeRole(raw); !ok {
				return Identity{}, errors.New("auth: invalid role")
			}
		}
		return Identity{
			TenantID: till.TenantID(strings.TrimSpace(r.Header.Get(HeaderTenantID))),
			UserID:   till.UserID(strings.TrimSpace(r.Header.Get(HeaderUserID))),
			Role:     role,
		}, nil
	}

	token, ok := extractBearer(r.Header.Get("Authorization"))
	if !ok {
		return Identity{}, errors.New("auth: missing bearer token")
	}
	claims, err := ParseToken(token, a.Secret)
	if err != nil {
		return Identity{}, err
	}
	role, _ := NormalizeRole(claims.Role)
	return Identity{
		TenantID: till.TenantID(claims.TenantID),
		UserID:   till.UserID(claims.Subject),
		Role:     role,
	}, nil
}

func extractBearer(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// RequireRole rejects callers below the required role with 403.
func RequireRole(required Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := IdentityFromContext(r.Context())
			if !id.Role.Allows(required) {
				writeError(w, http.StatusForbidden, till.CodeScope, "role "+string(required)+" required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
