package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/pkg/contracts"
)

// ErrInvalidToken is returned for a bearer JWT that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// NewJWKS fetches the key set once and keeps it fresh in the background:
// on the refresh interval and whenever a token names an unknown kid. The
// caller owns the returned client and must call EndBackground on shutdown.
func NewJWKS(ctx context.Context, url string, refresh time.Duration) (*keyfunc.JWKS, error) {
	if refresh <= 0 {
		refresh = time.Hour
	}
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   refresh,
		RefreshRateLimit:  time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Error().Err(err).Str("url", url).Msg("JWKS refresh failed")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS %s: %w", url, err)
	}
	return jwks, nil
}

// JWTProvider authenticates customers with bearer JWTs. The key function
// is injected so the JWKS client lifecycle stays with the caller.
type JWTProvider struct {
	keyFunc jwt.Keyfunc
	issuer  string
	methods []string
}

// NewJWTProvider creates a provider. methods defaults to the RSA family.
func NewJWTProvider(keyFunc jwt.Keyfunc, issuer string, methods ...string) *JWTProvider {
	if len(methods) == 0 {
		methods = []string{"RS256", "RS384", "RS512"}
	}
	return &JWTProvider{keyFunc: keyFunc, issuer: strings.TrimSpace(issuer), methods: methods}
}

func (p *JWTProvider) Name() string { return "jwt" }

func (p *JWTProvider) Enabled() bool { return p.keyFunc != nil }

// Claims are the token fields supportdesk reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticate returns (nil, nil) when no bearer JWT is present.
func (p *JWTProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" || strings.Count(raw, ".") != 2 {
		return nil, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(p.methods), jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, p.keyFunc, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := contracts.RoleCustomer
	if claims.Role == contracts.RoleAgent || claims.Role == contracts.RoleAdmin {
		role = claims.Role
	}
	id := &contracts.Identity{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Provider: "jwt",
		Role:     role,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
