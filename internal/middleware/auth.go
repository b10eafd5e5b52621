// Package middleware provides HTTP middleware for the catalog service.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jobforge/appcatalog/internal/errors"
	"github.com/jobforge/appcatalog/internal/httputil"
	"github.com/jobforge/appcatalog/internal/logging"
)

// Claims represents the JWT claims issued by the platform token service.
type Claims struct {
	Tenant   string `json:"tenant_id"`
	Username string `json:"username"`
	Account  string `json:"account_type,omitempty"`
	jwt.RegisteredClaims
}

// Headers carrying the delegated on-behalf-of identity set by the gateway.
const (
	HeaderOboTenant = "X-Catalog-Tenant"
	HeaderOboUser   = "X-Catalog-User"
)

type identityKey string

// Context keys for the four identity strings every request carries.
const (
	JWTTenantKey identityKey = "jwt_tenant"
	JWTUserKey   identityKey = "jwt_user"
	OboTenantKey identityKey = "obo_tenant"
	OboUserKey   identityKey = "obo_user"
)

// AuthMiddleware validates caller JWTs and resolves request identity.
type AuthMiddleware struct {
	publicKey interface{}
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(publicKey interface{}, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{publicKey: publicKey, logger: logger, skipPaths: skip}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, errors.Unauthorized("invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("token validation failed")
			m.respondError(w, r, err)
			return
		}

		// The on-behalf-of identity defaults to the raw JWT identity when the
		// gateway did not set delegation headers.
		oboTenant := r.Header.Get(HeaderOboTenant)
		if oboTenant == "" {
			oboTenant = claims.Tenant
		}
		oboUser := r.Header.Get(HeaderOboUser)
		if oboUser == "" {
			oboUser = claims.Username
		}

		ctx := context.WithValue(r.Context(), JWTTenantKey, claims.Tenant)
		ctx = context.WithValue(ctx, JWTUserKey, claims.Username)
		ctx = context.WithValue(ctx, OboTenantKey, oboTenant)
		ctx = context.WithValue(ctx, OboUserKey, oboUser)
		ctx = context.WithValue(ctx, logging.TenantKey, oboTenant)
		ctx = context.WithValue(ctx, logging.UserIDKey, oboUser)

		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"jwt_user":   claims.Username,
			"jwt_tenant": claims.Tenant,
		}).Debug("authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken parses and verifies a JWT, returning its claims.
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.Unauthorized("unexpected signing method").WithDetails("alg", token.Header["alg"])
		}
		return m.publicKey, nil
	})
	if err != nil {
		return nil, errors.Unauthorized("invalid token").WithDetails("cause", err.Error())
	}
	if !token.Valid {
		return nil, errors.Unauthorized("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.Unauthorized("invalid claims type")
	}
	if claims.Tenant == "" || claims.Username == "" {
		return nil, errors.Unauthorized("token missing tenant or username claim")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, err)
	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("authentication failed")
}

// Identity bundles the four identity strings resolved for a request.
type Identity struct {
	Tenant    string
	User      string
	JWTTenant string
	JWTUser   string
}

// GetIdentity extracts the resolved request identity from context.
func GetIdentity(ctx context.Context) Identity {
	get := func(key identityKey) string {
		v, _ := ctx.Value(key).(string)
		return v
	}
	return Identity{
		Tenant:    get(OboTenantKey),
		User:      get(OboUserKey),
		JWTTenant: get(JWTTenantKey),
		JWTUser:   get(JWTUserKey),
	}
}

// GetUserID extracts the on-behalf-of user from context.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(OboUserKey).(string)
	return v
}

// RequireIdentity ensures a resolved tenant and user are present.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r.Context())
		if id.Tenant == "" || id.User == "" {
			httputil.Unauthorized(w, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
