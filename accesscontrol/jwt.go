package accesscontrol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned by BearerAuthenticator.Authenticate when the
// presented token is missing, malformed, or fails signature/claim
// validation.
var ErrUnauthorized = errors.New("accesscontrol: unauthorized")

// RoleClaim identifies a caller's role from a validated JWT, returning ""
// if the token carries no recognizable role.
type RoleClaim func(claims map[string]any) string

// DefaultRoleClaim reads the role from a "role" claim, falling back to the
// first space-delimited scope prefixed "role:" in the "scope" claim.
func DefaultRoleClaim(claims map[string]any) string {
	if role, ok := claims["role"].(string); ok && role != "" {
		return role
	}
	if scopeStr, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scopeStr) {
			if r, found := strings.CutPrefix(s, "role:"); found {
				return r
			}
		}
	}
	return ""
}

// BearerAuthenticator validates RFC 9068 access tokens discovered via OIDC
// and resolves the caller's role from the validated claims, so devices that
// front their MCP endpoint with an identity provider can drive
// AccessControl from JWT bearer tokens instead of opaque static API keys.
type BearerAuthenticator struct {
	issuer      string
	audience    string
	leeway      time.Duration
	allowedAlgs []string
	roleClaim   RoleClaim
	keyfunc     jwt.Keyfunc
}

// BearerOption configures a BearerAuthenticator.
type BearerOption func(*BearerAuthenticator)

// WithLeeway sets clock-skew tolerance for exp/nbf/iat checks. Default 60s.
func WithLeeway(d time.Duration) BearerOption {
	return func(a *BearerAuthenticator) { a.leeway = d }
}

// WithAllowedAlgs restricts acceptable JWS algorithms. Default ["RS256"].
func WithAllowedAlgs(algs ...string) BearerOption {
	return func(a *BearerAuthenticator) { a.allowedAlgs = algs }
}

// WithRoleClaim overrides how the caller's role is extracted from validated
// claims. Default is DefaultRoleClaim.
func WithRoleClaim(fn RoleClaim) BearerOption {
	return func(a *BearerAuthenticator) { a.roleClaim = fn }
}

// NewBearerAuthenticator performs OIDC discovery against issuer to obtain
// its JWKS endpoint and builds a BearerAuthenticator that validates tokens
// asserting audience. JWKS keys are refreshed automatically in the
// background for the lifetime of ctx.
func NewBearerAuthenticator(ctx context.Context, issuer, audience string, opts ...BearerOption) (*BearerAuthenticator, error) {
	if issuer == "" {
		return nil, errors.New("accesscontrol: issuer is required")
	}
	if audience == "" {
		return nil, errors.New("accesscontrol: audience is required")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: oidc discovery: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("accesscontrol: discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("accesscontrol: discovery response missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: jwks init: %w", err)
	}

	a := &BearerAuthenticator{
		issuer:      issuer,
		audience:    audience,
		leeway:      60 * time.Second,
		allowedAlgs: []string{"RS256"},
		roleClaim:   DefaultRoleClaim,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.keyfunc = func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, allowed := range a.allowedAlgs {
			if alg == allowed {
				return kf.Keyfunc(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
	return a, nil
}

// Authenticate validates tok and returns the API-key-equivalent subject and
// resolved role. Callers typically feed the subject into
// AccessControl.MapKeyToRole once, then use it as the apiKey argument to
// CanAccess on every subsequent call bearing the same token's subject.
func (a *BearerAuthenticator) Authenticate(tok string) (subject, role string, err error) {
	if tok == "" {
		return "", "", ErrUnauthorized
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithLeeway(a.leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", fmt.Errorf("%w: missing sub claim", ErrUnauthorized)
	}
	return sub, a.roleClaim(claims), nil
}

// Sync authenticates tok and, on success, maps its subject to its resolved
// role in ac so CanAccess(tool, subject) reflects the token's role.
// Returns the subject for use as the apiKey on the current and subsequent
// calls.
func (a *BearerAuthenticator) Sync(ac *AccessControl, tok string) (subject string, err error) {
	sub, role, err := a.Authenticate(tok)
	if err != nil {
		return "", err
	}
	if role != "" {
		ac.MapKeyToRole(sub, role)
	}
	return sub, nil
}
