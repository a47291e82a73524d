// Package auth validates the bearer tokens workers and operators present.
// Tokens are RS256 JWTs issued by the configured identity provider; keys come
// from its JWKS document and are cached between requests.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Package-level errors for the authentication flow.
var (
	ErrMissingToken = errors.New("expected authorization header with bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

const keyCacheTTL = 15 * time.Minute

// Claims is the validated identity presented by a caller. Subject becomes the
// actor stamped onto scan transitions.
type Claims struct {
	Subject string
	Issuer  string
}

// Config holds the identity provider settings.
type Config struct {
	// Domain is the identity provider's domain, e.g. "tenant.auth0.com".
	Domain string
	// Audience is the API identifier tokens must carry.
	Audience string
}

// Validator checks bearer tokens against the identity provider.
type Validator struct {
	issuer   string
	audience string
	jwksURL  string

	httpClient *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewValidator creates a token validator for the given provider.
func NewValidator(cfg Config) *Validator {
	return &Validator{
		issuer:     fmt.Sprintf("https://%s/", cfg.Domain),
		audience:   cfg.Audience,
		jwksURL:    fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       map[string]*rsa.PublicKey{},
	}
}

// ValidateToken parses and verifies a raw bearer token, returning the caller
// identity.
func (v *Validator) ValidateToken(ctx context.Context, raw string) (Claims, error) {
	token, err := jwt.Parse(raw,
		func(token *jwt.Token) (any, error) { return v.keyFor(ctx, token) },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Claims{Subject: subject, Issuer: v.issuer}, nil
}

// BearerToken extracts the bearer token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if header == "" || !strings.HasPrefix(header, prefix) {
		return "", ErrMissingToken
	}
	return strings.TrimPrefix(header, prefix), nil
}

func (v *Validator) keyFor(ctx context.Context, token *jwt.Token) (*rsa.PublicKey, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token missing kid header")
	}

	v.mu.RLock()
	key, found := v.keys[kid]
	fresh := time.Since(v.fetchedAt) < keyCacheTTL
	v.mu.RUnlock()

	if found && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		// A cached key is still better than nothing if the JWKS endpoint is
		// briefly unreachable.
		if found {
			return key, nil
		}
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, found = v.keys[kid]
	if !found {
		return nil, fmt.Errorf("no signing key with kid %q", kid)
	}
	return key, nil
}

func (v *Validator) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("creating jwks request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching jwks: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		key, err := rsaKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("parsing jwks key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = key
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()

	return nil
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
