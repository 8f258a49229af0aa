package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TenantClaim is the JWT claim carrying the tenant identifier in
// dashboard-issued access tokens.
const TenantClaim = "tid"

// HMACConfig controls validation of dashboard-issued HS256 tokens.
type HMACConfig struct {
	// Secret is the shared signing key. Required.
	Secret []byte
	// Issuer, when non-empty, is enforced against the iss claim.
	Issuer string
	// Audience, when non-empty, is enforced against the aud claim.
	Audience string
	// Leeway tolerated on time-based claims. Default 60s.
	Leeway time.Duration
}

type hmacAuthenticator struct {
	cfg    HMACConfig
	parser *jwt.Parser
}

var _ Authenticator = (*hmacAuthenticator)(nil)

// NewHMACAuthenticator validates tokens minted by the dashboard with a
// shared HMAC secret. Signature, algorithm, expiry, and (when
// configured) issuer and audience are all enforced; a token without a
// subject or tenant claim is rejected.
func NewHMACAuthenticator(cfg HMACConfig) (Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("hmac secret is required")
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 60 * time.Second
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &hmacAuthenticator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

func (a *hmacAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthorized)
	}
	tid, _ := claims[TenantClaim].(string)
	if tid == "" {
		return nil, fmt.Errorf("%w: token missing tenant claim", ErrUnauthorized)
	}

	return &userInfo{sub: sub, tid: tid, claims: claims}, nil
}

// userInfo is the concrete claims carrier for validated tokens.
type userInfo struct {
	sub    string
	tid    string
	claims map[string]any
}

func (u *userInfo) UserID() string   { return u.sub }
func (u *userInfo) TenantID() string { return u.tid }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
