package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"

	"github.com/fairyhunter13/ai-request-router/internal/config"
	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// Scopes guarding the API surface.
const (
	ScopeSearchRead      = "search:read"
	ScopeHealthRead      = "health:read"
	ScopeStatusRead      = "status:read"
	ScopeIndexWrite      = "index:write"
	ScopeEmbedWrite      = "embed:write"
	ScopeInferenceWrite  = "inference:write"
	ScopeAdminManage     = "admin:manage"
	ScopeAdminRevoke     = "admin:revoke"
	ScopeAdminConfig     = "admin:config"
	ScopeServiceInternal = "service:internal"
)

// Claims is the verified JWT payload attached to admitted requests.
type Claims struct {
	TenantID   string   `json:"tenant_id"`
	Scopes     []string `json:"scopes"`
	Tier       string   `json:"tier,omitempty"`
	TokenType  string   `json:"token_type,omitempty"`
	KeyVersion int      `json:"key_version,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token carries the named scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator verifies HS256 bearer tokens and tracks revoked token ids.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string

	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewAuthenticator builds an authenticator from the security config.
func NewAuthenticator(cfg config.Config) *Authenticator {
	return &Authenticator{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		revoked:  make(map[string]struct{}),
	}
}

// Verify parses and validates a compact token, returning its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.Ef(domain.CodeSignatureInvalid, "unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !parsed.Valid {
		return nil, domain.E(domain.CodeTokenInvalid, "token is not valid")
	}
	if claims.TenantID == "" {
		return nil, domain.E(domain.CodeClaimMissing, "tenant_id claim is required")
	}
	if a.Revoked(claims.ID) {
		return nil, domain.E(domain.CodeTokenRevoked, "token has been revoked")
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.E(domain.CodeTokenExpired, "token has expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return domain.E(domain.CodeSignatureInvalid, "token signature does not verify")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return domain.E(domain.CodeClaimInvalid, "issuer or audience claim does not match")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return domain.E(domain.CodeClaimMissing, "required claim is missing")
	}
	return domain.WrapCode(domain.CodeTokenInvalid, "token is not valid", err)
}

// Mint issues a token for the given subject. Used by provisioning tooling
// and tests; the service itself only verifies.
func (a *Authenticator) Mint(subject, tenantID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID:  tenantID,
		Scopes:    scopes,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{a.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        newReqID(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Revoke adds a token id (jti) to the deny set.
func (a *Authenticator) Revoke(jti string) {
	if jti == "" {
		return
	}
	a.mu.Lock()
	a.revoked[jti] = struct{}{}
	a.mu.Unlock()
}

// Revoked reports whether the token id has been revoked.
func (a *Authenticator) Revoked(jti string) bool {
	if jti == "" {
		return false
	}
	a.mu.RLock()
	_, ok := a.revoked[jti]
	a.mu.RUnlock()
	return ok
}

// Middleware authenticates the bearer token and attaches its claims.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		claims, err := a.Verify(token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := context.WithValue(r.Context(), claimsCtxKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", domain.E(domain.CodeTokenMissing, "authorization header is required")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) || len(h) == len(prefix) {
		return "", domain.E(domain.CodeTokenInvalid, "authorization header must be a bearer token")
	}
	return h[len(prefix):], nil
}

// RequireScope rejects requests whose token lacks the named scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil || !claims.HasScope(scope) {
				writeError(w, r, domain.Ef(domain.CodeScopeInsufficient, "scope %s is required", scope), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of the password.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword verifies a password against its Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(password), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}

// AdminAuth admits either a bearer token carrying the given scope or HTTP
// basic credentials checked against the configured argon2id hash.
func AdminAuth(a *Authenticator, cfg config.Config, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, pass, ok := r.BasicAuth(); ok && cfg.AdminEnabled() {
				userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.AdminUsername)) == 1
				if userOK && VerifyPassword(pass, cfg.AdminPasswordHash) {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, r, domain.E(domain.CodeTokenInvalid, "invalid admin credentials"), nil)
				return
			}

			token, err := bearerToken(r)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			claims, err := a.Verify(token)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			if !claims.HasScope(scope) {
				writeError(w, r, domain.Ef(domain.CodeScopeInsufficient, "scope %s is required", scope), nil)
				return
			}
			ctx := context.WithValue(r.Context(), claimsCtxKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
