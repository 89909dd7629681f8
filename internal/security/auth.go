package security

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/ctxkeys"
	proxyerrors "github.com/vijaygopalbalasa/AgentKernel-sub005/internal/errors"
)

// Identity modes.
const (
	ModeHeader = "header"
	ModeJWT    = "jwt"
)

// CapabilityTokenHeader carries the caller's capability token.
const CapabilityTokenHeader = "X-Capability-Token"

// AuthConfig holds identity configuration.
type AuthConfig struct {
	Mode           string // "header" or "jwt"
	Header         string // identity header for header mode
	AllowAnonymous bool
	AnonymousID    string

	// JWT fields. Exactly one of Secret or JWKSFile is used.
	Secret    string
	JWKSFile  string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// HeaderFunc looks up a request header or gRPC metadata value.
type HeaderFunc func(key string) string

// AuthMiddleware establishes the agent identity of every request.
type AuthMiddleware struct {
	cfg     AuthConfig
	keyOpts []jwt.ParseOption
}

// NewAuthMiddleware creates an AuthMiddleware. In jwt mode the signing key
// (HS256 secret or JWKS file) is loaded once here.
func NewAuthMiddleware(cfg AuthConfig) (*AuthMiddleware, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeHeader
	}
	if cfg.Header == "" {
		cfg.Header = "X-Agent-ID"
	}
	if cfg.AnonymousID == "" {
		cfg.AnonymousID = "anonymous"
	}
	a := &AuthMiddleware{cfg: cfg}

	switch cfg.Mode {
	case ModeHeader:
	case ModeJWT:
		switch {
		case cfg.Secret != "":
			a.keyOpts = append(a.keyOpts, jwt.WithKey(jwa.HS256, []byte(cfg.Secret)))
		case cfg.JWKSFile != "":
			set, err := jwk.ReadFile(cfg.JWKSFile)
			if err != nil {
				return nil, fmt.Errorf("reading jwks file: %w", err)
			}
			a.keyOpts = append(a.keyOpts, jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)))
		default:
			return nil, fmt.Errorf("jwt mode requires a secret or a jwks file")
		}
		a.keyOpts = append(a.keyOpts, jwt.WithValidate(true), jwt.WithAcceptableSkew(cfg.ClockSkew))
		if cfg.Issuer != "" {
			a.keyOpts = append(a.keyOpts, jwt.WithIssuer(cfg.Issuer))
		}
		if cfg.Audience != "" {
			a.keyOpts = append(a.keyOpts, jwt.WithAudience(cfg.Audience))
		}
	default:
		return nil, fmt.Errorf("unknown identity mode %q", cfg.Mode)
	}
	return a, nil
}

// Process returns an http.Handler that stores ctxkeys.AgentInfo on the
// request context or rejects the request with 401.
func (a *AuthMiddleware) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, perr := a.Identify(r.Header.Get)
		if perr != nil {
			proxyerrors.WriteHTTPError(w, perr)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithAgentInfo(r.Context(), info)))
	})
}

// Name returns the middleware name.
func (a *AuthMiddleware) Name() string {
	return "auth"
}

// Mode returns the configured identity mode.
func (a *AuthMiddleware) Mode() string { return a.cfg.Mode }

// Identify resolves the agent behind a request from its headers. The same
// logic serves HTTP headers and gRPC metadata.
func (a *AuthMiddleware) Identify(get HeaderFunc) (ctxkeys.AgentInfo, *proxyerrors.ProxyError) {
	info := ctxkeys.AgentInfo{
		Mode:            a.cfg.Mode,
		CapabilityToken: strings.TrimSpace(get(CapabilityTokenHeader)),
	}

	switch a.cfg.Mode {
	case ModeJWT:
		authHeader := get("Authorization")
		if authHeader == "" {
			return a.anonymous(info)
		}
		sub, err := a.verify(authHeader)
		if err != nil {
			return ctxkeys.AgentInfo{}, proxyerrors.ErrAuthInvalid
		}
		info.AgentID = sub
		info.Verified = true
		return info, nil
	default:
		id := strings.TrimSpace(get(a.cfg.Header))
		if id == "" {
			return a.anonymous(info)
		}
		info.AgentID = id
		return info, nil
	}
}

// Subject verifies a bearer header and returns its sub claim. It fails
// outside jwt mode.
func (a *AuthMiddleware) Subject(authHeader string) (string, error) {
	if a.cfg.Mode != ModeJWT {
		return "", fmt.Errorf("jwt verification disabled")
	}
	return a.verify(authHeader)
}

func (a *AuthMiddleware) anonymous(info ctxkeys.AgentInfo) (ctxkeys.AgentInfo, *proxyerrors.ProxyError) {
	if !a.cfg.AllowAnonymous {
		return ctxkeys.AgentInfo{}, proxyerrors.ErrAuthRequired
	}
	info.AgentID = a.cfg.AnonymousID
	return info, nil
}

func (a *AuthMiddleware) verify(authHeader string) (string, error) {
	scheme, tokenStr := parseAuthHeader(authHeader)
	if scheme != "bearer" || tokenStr == "" {
		return "", fmt.Errorf("expected bearer token")
	}
	token, err := jwt.Parse([]byte(tokenStr), a.keyOpts...)
	if err != nil {
		return "", err
	}
	if token.Subject() == "" {
		return "", fmt.Errorf("token has no sub claim")
	}
	return token.Subject(), nil
}

// parseAuthHeader splits "Scheme Token" into its parts.
func parseAuthHeader(header string) (scheme, token string) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) == 2 {
		return strings.ToLower(parts[0]), strings.TrimSpace(parts[1])
	}
	return "", header
}

// AdminGuard protects the admin API with a static bearer token or, in jwt
// mode, a verified token whose subject is listed.
type AdminGuard struct {
	token    string
	subjects []string
	auth     *AuthMiddleware
}

// NewAdminGuard creates an AdminGuard. auth may be nil when only the
// static token is used.
func NewAdminGuard(token string, subjects []string, auth *AuthMiddleware) *AdminGuard {
	return &AdminGuard{token: token, subjects: subjects, auth: auth}
}

// Process returns an http.Handler that admits only operators.
func (g *AdminGuard) Process(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allowed(r.Header.Get("Authorization")) {
			proxyerrors.WriteHTTPError(w, proxyerrors.ErrAuthRequired.WithMessage("Admin credentials required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Name returns the middleware name.
func (g *AdminGuard) Name() string {
	return "admin_auth"
}

// Allowed reports whether authHeader grants admin access.
func (g *AdminGuard) Allowed(authHeader string) bool {
	scheme, tok := parseAuthHeader(authHeader)
	if scheme != "bearer" || tok == "" {
		return false
	}
	if g.token != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(g.token)) == 1 {
		return true
	}
	if g.auth == nil || len(g.subjects) == 0 {
		return false
	}
	sub, err := g.auth.Subject(authHeader)
	if err != nil {
		return false
	}
	return slices.Contains(g.subjects, sub)
}
