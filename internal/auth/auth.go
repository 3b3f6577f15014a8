// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoSecret      = errors.New("secret key is required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidServer = errors.New("server id must be non-empty and must not contain '|'")
)

// TokenConfig holds the signing secret and token lifetime
type TokenConfig struct {
	Secret     []byte
	Expiration time.Duration
	now        func() time.Time
}

// NewTokenConfig builds a TokenConfig from a configured secret string
func NewTokenConfig(secret string, expiration time.Duration) *TokenConfig {
	return &TokenConfig{Secret: []byte(secret), Expiration: expiration}
}

func (c *TokenConfig) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Token identifies the game server calling the bridge
type Token struct {
	ServerID  string `json:"server_id"`
	ExpiresAt int64  `json:"expires_at"`
	IssuedAt  int64  `json:"issued_at"`
}

// GenerateToken mints a signed token for serverID.
// Format: base64(serverID|exp|iat) "." base64(hmac-sha256).
func GenerateToken(serverID string, config *TokenConfig) (string, error) {
	if len(config.Secret) == 0 {
		return "", ErrNoSecret
	}
	if serverID == "" || strings.Contains(serverID, "|") {
		return "", ErrInvalidServer
	}

	now := config.clock()
	payload := fmt.Sprintf("%s|%d|%d", serverID, now.Add(config.Expiration).Unix(), now.Unix())

	encodedPayload := base64.URLEncoding.EncodeToString([]byte(payload))
	encodedSignature := base64.URLEncoding.EncodeToString(sign(config.Secret, []byte(payload)))

	return encodedPayload + "." + encodedSignature, nil
}

// ParseToken verifies the signature and expiry of tokenString
func ParseToken(tokenString string, config *TokenConfig) (*Token, error) {
	if len(config.Secret) == 0 {
		return nil, ErrNoSecret
	}

	encodedPayload, encodedSignature, ok := strings.Cut(tokenString, ".")
	if !ok || strings.Contains(encodedSignature, ".") {
		return nil, fmt.Errorf("%w: format", ErrInvalidToken)
	}

	payloadBytes, err := base64.URLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	signatureBytes, err := base64.URLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}
	if !hmac.Equal(signatureBytes, sign(config.Secret, payloadBytes)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	parts := strings.Split(string(payloadBytes), "|")
	if len(parts) != 3 || parts[0] == "" {
		return nil, fmt.Errorf("%w: payload format", ErrInvalidToken)
	}
	expiresAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: expiry: %v", ErrInvalidToken, err)
	}
	issuedAt, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: issued at: %v", ErrInvalidToken, err)
	}

	if config.clock().Unix() > expiresAt {
		return nil, ErrExpiredToken
	}

	return &Token{ServerID: parts[0], ExpiresAt: expiresAt, IssuedAt: issuedAt}, nil
}

func sign(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// GenerateSecureKey returns a random hex secret of length bytes (32 when <= 0)
func GenerateSecureKey(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
