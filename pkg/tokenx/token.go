// Package tokenx signs and verifies the compact handoff tokens that are
// rendered as QR codes. Tokens are HS256 JWTs binding a session id, a
// random challenge and an expiry; a separate secret-keyed hash of the full
// token is used as the storage lookup key so the raw token is never
// persisted.
package tokenx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Purpose tags every handoff token so a token minted for another flow
// (e.g. an access token signed with the same algorithm) can never be
// replayed against this protocol.
const Purpose = "qr-handoff"

// MinKeyBytes is the minimum secret size. 32 bytes gives the full 256-bit
// HMAC-SHA256 security level.
const MinKeyBytes = 32

var (
	ErrInvalidFormat    = errors.New("tokenx: invalid token format")
	ErrInvalidSignature = errors.New("tokenx: invalid signature")
	ErrInvalidPurpose   = errors.New("tokenx: invalid purpose")
	ErrTokenExpired     = errors.New("tokenx: token expired")
)

// Payload is the verified content of a handoff token.
type Payload struct {
	SessionID string
	Challenge string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type handoffClaims struct {
	jwt.RegisteredClaims

	Challenge string `json:"chl"`
	Purpose   string `json:"purpose"`
}

// Codec signs, verifies and fingerprints handoff tokens. It is stateless
// and safe for concurrent use.
type Codec struct {
	signingKey []byte
	hashKey    []byte
	parser     *jwt.Parser
}

// NewCodec builds a codec from the signing secret. hashKey may be nil, in
// which case the signing key doubles as the storage-hash key; passing a
// distinct hashKey gives key separation between the two roles. Keys shorter
// than MinKeyBytes are rejected, this is a deployment configuration error.
func NewCodec(signingKey, hashKey []byte) (*Codec, error) {
	if len(signingKey) < MinKeyBytes {
		return nil, fmt.Errorf("tokenx: signing key must be at least %d bytes, got %d", MinKeyBytes, len(signingKey))
	}
	if hashKey == nil {
		hashKey = signingKey
	}
	if len(hashKey) < MinKeyBytes {
		return nil, fmt.Errorf("tokenx: hash key must be at least %d bytes, got %d", MinKeyBytes, len(hashKey))
	}

	return &Codec{
		signingKey: signingKey,
		hashKey:    hashKey,
		// Expiry is checked by Verify itself so callers can still read the
		// payload of an expired token.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Sign produces a compact three-segment token over (sessionID, challenge,
// expiresAt). The output is URL-safe and suitable for QR encoding.
func (c *Codec) Sign(sessionID, challenge string, expiresAt time.Time) (string, error) {
	if sessionID == "" || challenge == "" {
		return "", fmt.Errorf("tokenx: session id and challenge are required")
	}

	claims := handoffClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Challenge: challenge,
		Purpose:   Purpose,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
}

// Verify checks the token signature, purpose and embedded expiry.
//
// On ErrTokenExpired the decoded payload is returned alongside the error:
// the session's authoritative deadline lives server-side, so callers (the
// poll path in particular) may still want to look the session up and report
// a precise status. Every other error returns a zero Payload.
func (c *Codec) Verify(token string) (Payload, error) {
	if strings.Count(token, ".") != 2 {
		return Payload{}, ErrInvalidFormat
	}

	var claims handoffClaims
	_, err := c.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return c.signingKey, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Payload{}, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenUnverifiable):
			return Payload{}, ErrInvalidSignature
		default:
			return Payload{}, ErrInvalidFormat
		}
	}

	if claims.Purpose != Purpose {
		return Payload{}, ErrInvalidPurpose
	}
	if claims.Subject == "" || claims.Challenge == "" || claims.ExpiresAt == nil {
		return Payload{}, ErrInvalidFormat
	}

	payload := Payload{
		SessionID: claims.Subject,
		Challenge: claims.Challenge,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		payload.IssuedAt = claims.IssuedAt.Time
	}

	if !claims.ExpiresAt.Time.After(time.Now()) {
		return payload, ErrTokenExpired
	}

	return payload, nil
}

// HashForStorage returns a deterministic secret-keyed fingerprint of the
// full token, base64url-encoded. The hash is what gets persisted; matching
// on it detects token substitution without ever storing the raw token.
func (c *Codec) HashForStorage(token string) string {
	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
