package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/sigmapilot/lens/internal/config"
)

// Scope is a named capability attached to an authenticated principal.
type Scope string

const (
	ScopeSubmit Scope = "lens:submit"
	ScopeRead   Scope = "lens:read"
	ScopeAdmin  Scope = "lens:admin"
)

// AuthContext carries the authenticated principal's scopes through the
// request context.
type AuthContext struct {
	Authenticated bool
	Scopes        map[Scope]bool
	TokenType     string // psk or jwt
	Subject       string
}

// HasScope checks a scope, honoring the hierarchy: admin implies everything.
func (a *AuthContext) HasScope(scope Scope) bool {
	if a.Scopes[ScopeAdmin] {
		return true
	}
	return a.Scopes[scope]
}

type authContextKey struct{}

// authFromContext returns the request's auth context, or an unauthenticated
// zero value.
func authFromContext(ctx context.Context) *AuthContext {
	if auth, ok := ctx.Value(authContextKey{}).(*AuthContext); ok {
		return auth
	}
	return &AuthContext{}
}

// Authenticator resolves bearer tokens to auth contexts for the configured
// mode: none (development, all scopes), psk (three independent tokens), or
// jwt (RS256/ES256/HS256 via public key or JWKS URL).
type Authenticator struct {
	cfg  *config.Config
	jwks *keyfunc.JWKS
	log  zerolog.Logger
}

// NewAuthenticator creates the authenticator, fetching the JWKS when a URL
// is configured.
func NewAuthenticator(cfg *config.Config, log zerolog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		cfg: cfg,
		log: log.With().Str("component", "auth").Logger(),
	}
	if cfg.AuthMode == "jwt" && cfg.JWTJWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.JWTJWKSURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				a.log.Warn().Err(err).Msg("JWKS refresh failed")
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWTJWKSURL, err)
		}
		a.jwks = jwks
	}
	return a, nil
}

// ExtractBearer pulls the token from an Authorization header. The scheme is
// case-insensitive; any non-Bearer scheme yields no token.
func ExtractBearer(authorization string) string {
	parts := strings.Fields(authorization)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

// Resolve validates a token and returns its auth context, or nil when the
// token grants nothing.
func (a *Authenticator) Resolve(token string) *AuthContext {
	switch a.cfg.AuthMode {
	case "none":
		// Development mode grants every scope without a token.
		return &AuthContext{
			Authenticated: true,
			Scopes:        map[Scope]bool{ScopeAdmin: true, ScopeSubmit: true, ScopeRead: true},
			TokenType:     "none",
			Subject:       "dev",
		}
	case "psk":
		return a.resolvePSK(token)
	case "jwt":
		return a.resolveJWT(token)
	}
	return nil
}

func (a *Authenticator) resolvePSK(token string) *AuthContext {
	if token == "" {
		return nil
	}
	// Admin first: it grants all scopes.
	if a.cfg.AuthTokenAdmin != "" && token == a.cfg.AuthTokenAdmin {
		return &AuthContext{
			Authenticated: true,
			Scopes:        map[Scope]bool{ScopeAdmin: true},
			TokenType:     "psk",
			Subject:       "admin",
		}
	}
	if a.cfg.AuthTokenSubmit != "" && token == a.cfg.AuthTokenSubmit {
		return &AuthContext{
			Authenticated: true,
			Scopes:        map[Scope]bool{ScopeSubmit: true},
			TokenType:     "psk",
			Subject:       "submit",
		}
	}
	if a.cfg.AuthTokenRead != "" && token == a.cfg.AuthTokenRead {
		return &AuthContext{
			Authenticated: true,
			Scopes:        map[Scope]bool{ScopeRead: true},
			TokenType:     "psk",
			Subject:       "read",
		}
	}
	return nil
}

func (a *Authenticator) resolveJWT(token string) *AuthContext {
	if token == "" {
		return nil
	}

	var keyFunc jwt.Keyfunc
	if a.jwks != nil {
		keyFunc = a.jwks.Keyfunc
	} else {
		keyFunc = func(t *jwt.Token) (any, error) {
			switch t.Method.(type) {
			case *jwt.SigningMethodHMAC:
				return []byte(a.cfg.JWTPublicKey), nil
			case *jwt.SigningMethodRSA:
				return jwt.ParseRSAPublicKeyFromPEM([]byte(a.cfg.JWTPublicKey))
			case *jwt.SigningMethodECDSA:
				return jwt.ParseECPublicKeyFromPEM([]byte(a.cfg.JWTPublicKey))
			}
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256", "HS256"}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.JWTIssuer))
	}
	if a.cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.JWTAudience))
	}

	parsed, err := jwt.Parse(token, keyFunc, opts...)
	if err != nil || !parsed.Valid {
		a.log.Warn().Err(err).Msg("JWT validation failed")
		return nil
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}

	scopes := extractScopes(claims, a.cfg.JWTScopeClaim)
	if len(scopes) == 0 {
		a.log.Warn().Msg("JWT carried no recognized scopes")
		return nil
	}

	subject, _ := claims.GetSubject()
	return &AuthContext{
		Authenticated: true,
		Scopes:        scopes,
		TokenType:     "jwt",
		Subject:       subject,
	}
}

// extractScopes reads the configured claim, accepting either a
// space-separated string or a list. Unknown scope names are ignored.
func extractScopes(claims jwt.MapClaims, claimName string) map[Scope]bool {
	scopes := make(map[Scope]bool)
	raw, ok := claims[claimName]
	if !ok {
		return scopes
	}

	var names []string
	switch v := raw.(type) {
	case string:
		names = strings.Fields(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
	}

	for _, name := range names {
		switch Scope(name) {
		case ScopeSubmit, ScopeRead, ScopeAdmin:
			scopes[Scope(name)] = true
		}
	}
	return scopes
}

// RequireScope is the per-route authorization middleware.
func (a *Authenticator) RequireScope(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearer(r.Header.Get("Authorization"))
			auth := a.Resolve(token)
			if auth == nil || !auth.Authenticated {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED",
					"missing or invalid credentials", nil)
				return
			}
			if !auth.HasScope(scope) {
				writeError(w, http.StatusForbidden, "FORBIDDEN",
					fmt.Sprintf("scope %s required", scope), nil)
				return
			}
			ctx := context.WithValue(r.Context(), authContextKey{}, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResolveWebSocket authenticates a WebSocket upgrade request, where the
// token arrives via the "bearer,<token>" pair in the subprotocol header.
func (a *Authenticator) ResolveWebSocket(r *http.Request) *AuthContext {
	header := r.Header.Get("Sec-WebSocket-Protocol")
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.EqualFold(part, "bearer") {
			continue
		}
		if auth := a.Resolve(part); auth != nil {
			return auth
		}
	}
	// Mode none needs no token at all.
	if a.cfg.AuthMode == "none" {
		return a.Resolve("")
	}
	return nil
}
