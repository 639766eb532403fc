package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleCertsURL serves the keys Pub/Sub signs push tokens with.
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// PushClaims is what a verified push token asserts about its sender.
type PushClaims struct {
	Subject string
	Email   string
}

// PushVerifierConfig selects the keys and expected claims of push tokens.
type PushVerifierConfig struct {
	JWKSURL  string
	Audience string
	// Email, if set, must match the token's email claim (the push
	// subscription's service account).
	Email      string
	RefreshTTL time.Duration
}

// PushVerifier checks the OIDC bearer token Pub/Sub attaches to push
// requests, using a JWKS cache that refreshes in the background.
type PushVerifier struct {
	cfg    PushVerifierConfig
	keySet jwk.Set
}

// NewPushVerifier registers the JWKS URL and warms the cache. The cache's
// refresh goroutine lives until ctx is cancelled.
func NewPushVerifier(ctx context.Context, cfg PushVerifierConfig) (*PushVerifier, error) {
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = GoogleCertsURL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 5 * time.Minute
	}
	if cfg.Audience == "" {
		return nil, errors.New("push verifier: audience is required")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &PushVerifier{cfg: cfg, keySet: jwk.NewCachedSet(cache, cfg.JWKSURL)}, nil
}

// Verify validates the Authorization bearer token of r.
func (v *PushVerifier) Verify(r *http.Request) (*PushClaims, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if !validIssuer(token.Issuer()) {
		return nil, fmt.Errorf("unexpected token issuer %q", token.Issuer())
	}

	claims := &PushClaims{Subject: token.Subject()}
	if emailClaim, ok := token.Get("email"); ok {
		claims.Email, _ = emailClaim.(string)
	}
	if v.cfg.Email != "" {
		if claims.Email != v.cfg.Email {
			return nil, fmt.Errorf("token email %q not allowed", claims.Email)
		}
		if verified, ok := token.Get("email_verified"); ok && verified != true {
			return nil, errors.New("token email not verified")
		}
	}
	return claims, nil
}

func validIssuer(iss string) bool {
	for _, want := range googleIssuers {
		if iss == want {
			return true
		}
	}
	return false
}
