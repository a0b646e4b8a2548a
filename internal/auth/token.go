// Package auth mints and verifies the bearer tokens that bind a connection
// to its bucket.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSecret is the placeholder used when TOKEN_SECRET is unset. It is
// insecure; the server warns loudly when it is in effect.
const DefaultSecret = "refsync-insecure-dev-secret"

const tokenTTL = 30 * 24 * time.Hour

// ErrAccessDenied is the only failure a caller ever sees from verification.
// Malformed tokens, bad signatures, and missing claims are indistinguishable.
var ErrAccessDenied = errors.New("access denied")

// Verifier checks token signatures against the process-wide secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Bucket extracts the bucket claim from a verified token. Any verification
// failure yields ErrAccessDenied.
func (v *Verifier) Bucket(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", ErrAccessDenied
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrAccessDenied
	}
	bucket, ok := claims["bucket"].(string)
	if !ok || bucket == "" {
		return "", ErrAccessDenied
	}
	return bucket, nil
}

// Mint signs a fresh token carrying the bucket claim.
func Mint(secret, bucket string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"bucket": bucket,
		"iat":    now.Unix(),
		"exp":    now.Add(tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
