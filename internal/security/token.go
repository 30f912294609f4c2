package security

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// NodeClaims are the claims carried by a peer auth token.
type NodeClaims struct {
	jwt.RegisteredClaims
	NodeID string `json:"node_id"`
}

// TokenManager issues and validates peer auth tokens. Tokens are signed with
// the current registration key, so rotating the key invalidates every
// outstanding token without any per-token bookkeeping.
type TokenManager struct {
	mu            sync.RWMutex
	secretKey     []byte
	issuer        string
	tokenDuration time.Duration
}

// NewTokenManager creates a token manager signing with the registration key.
func NewTokenManager(registrationKey string, issuer string, tokenDuration time.Duration) *TokenManager {
	return &TokenManager{
		secretKey:     []byte(registrationKey),
		issuer:        issuer,
		tokenDuration: tokenDuration,
	}
}

// Generate creates a new signed token for the node. tokenID travels as the
// jti claim so the stored token record can be looked up on redemption.
func (m *TokenManager) Generate(nodeID, tokenID string, now time.Time) (string, time.Time, error) {
	m.mu.RLock()
	secret := m.secretKey
	m.mu.RUnlock()

	expiresAt := now.Add(m.tokenDuration)
	claims := NodeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   nodeID,
		},
		NodeID: nodeID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "failed to sign token")
	}
	return signed, expiresAt, nil
}

// Validate checks the token against the current key and returns its claims.
// Tokens signed under a rotated-out key fail here.
func (m *TokenManager) Validate(tokenString string) (*NodeClaims, error) {
	m.mu.RLock()
	secret := m.secretKey
	m.mu.RUnlock()

	token, err := jwt.ParseWithClaims(tokenString, &NodeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}

	claims, ok := token.Claims.(*NodeClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// Rotate swaps in a new signing key. Open security sessions keep their own
// symmetric keys and are not affected.
func (m *TokenManager) Rotate(newKey string) {
	m.mu.Lock()
	m.secretKey = []byte(newKey)
	m.mu.Unlock()
}

// CurrentKey returns the key currently accepted for authentication.
func (m *TokenManager) CurrentKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secretKey
}
