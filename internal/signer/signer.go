// Package signer wraps the Key Store to sign and verify the server's
// JWTs under HS256 or RS256, selecting the algorithm per call and
// dispatching verification by the token header's algorithm, never a
// caller-supplied hint.
package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/uitsmijter/uitsmijter/internal/keystore"
)

func secondsToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// Algorithm names accepted for tenant/process JWT algorithm selection.
const (
	HS256 = "HS256"
	RS256 = "RS256"
)

// Payload is the token payload: standard registered claims
// plus the server's private claims.
type Payload struct {
	Issuer         string         `json:"iss"`
	Subject        string         `json:"sub"`
	Audience       string         `json:"aud"`
	ExpiresAt      int64          `json:"exp"`
	IssuedAt       int64          `json:"iat"`
	AuthTime       int64          `json:"auth_time"`
	Tenant         string         `json:"tenant"`
	Responsibility string         `json:"responsibility"`
	Role           string         `json:"role"`
	User           string         `json:"user"`
	Scope          string         `json:"scope"`
	Profile        map[string]any `json:"profile,omitempty"`
}

// claims adapts Payload to jwt.Claims without forcing Payload itself to
// depend on the jwt package's types.
type claims struct {
	Payload
}

func (c claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(secondsToTime(c.ExpiresAt)), nil
}
func (c claims) GetIssuedAt() (*jwt.NumericDate, error) { return jwt.NewNumericDate(secondsToTime(c.IssuedAt)), nil }
func (c claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c claims) GetIssuer() (string, error)              { return c.Issuer, nil }
func (c claims) GetSubject() (string, error)              { return c.Subject, nil }
func (c claims) GetAudience() (jwt.ClaimStrings, error)   { return jwt.ClaimStrings{c.Audience}, nil }

// Signer signs and verifies JWTs backed by a keystore.Store.
type Signer struct {
	keys *keystore.Store

	// defaultAlgorithm is the process-wide fallback used when a tenant
	// does not override its algorithm; spec default is HS256.
	defaultAlgorithm string
}

// New returns a Signer. defaultAlgorithm is normally config.JWTAlgorithm
// ("" defaults to HS256).
func New(keys *keystore.Store, defaultAlgorithm string) *Signer {
	if defaultAlgorithm == "" {
		defaultAlgorithm = HS256
	}
	return &Signer{keys: keys, defaultAlgorithm: defaultAlgorithm}
}

// AlgorithmFor resolves the effective algorithm for a tenant: the
// tenant's own override takes precedence over the process default.
func (s *Signer) AlgorithmFor(tenantAlgorithm string) string {
	if tenantAlgorithm != "" {
		return tenantAlgorithm
	}
	return s.defaultAlgorithm
}

// Sign produces a compact JWT for payload using algorithm.
func (s *Signer) Sign(payload Payload, algorithm string) (string, error) {
	switch algorithm {
	case RS256:
		pemBytes, kid, err := s.keys.ActiveSigningPEM()
		if err != nil {
			return "", fmt.Errorf("signer: no active RSA key: %w", err)
		}
		priv, err := parseRSAPrivateKey(pemBytes)
		if err != nil {
			return "", fmt.Errorf("signer: parse active key: %w", err)
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims{payload})
		tok.Header["kid"] = kid
		return tok.SignedString(priv)
	case HS256, "":
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{payload})
		return tok.SignedString(s.keys.Secret())
	default:
		return "", fmt.Errorf("signer: unknown algorithm %q", algorithm)
	}
}

// Verify parses and cryptographically verifies tokenString, dispatching
// the verification key by the token header's alg and kid. It does NOT
// check expiration; callers must inspect Payload.ExpiresAt themselves so
// the "expired" flag can be surfaced separately from "invalid signature".
func (s *Signer) Verify(tokenString string) (Payload, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, s.keyFunc, jwt.WithoutClaimsValidation())
	if err != nil {
		return Payload{}, fmt.Errorf("signer: verify: %w", err)
	}
	return c.Payload, nil
}

func (s *Signer) keyFunc(tok *jwt.Token) (any, error) {
	switch tok.Method.Alg() {
	case "HS256":
		return s.keys.Secret(), nil
	case "RS256":
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("signer: RS256 token missing kid")
		}
		pub, ok := s.keys.PublicKeyByKid(kid)
		if !ok {
			return nil, fmt.Errorf("signer: unknown kid %q", kid)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("signer: unsupported alg %q", tok.Method.Alg())
	}
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
