package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anvaya/chatrelay/internal/normalize"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultKid names the key created by NewJWTManager.
const DefaultKid = "default"

var (
	// ErrUnauthenticated is returned when a bearer token is missing or invalid.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// JWTManager signs and validates the HMAC tokens minted by the identity
// provider. Several keys may be configured at once; the token's kid header
// selects the verification key so previously issued tokens keep working after
// a rotation.
type JWTManager struct {
	keys      map[string][]byte // kid -> secret
	activeKid string            // kid used for new tokens
	duration  time.Duration     // validity of newly issued tokens
}

// Claims is the JWT payload. UserID is the opaque marketplace identity.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// NewJWTManager returns a manager with a single signing key.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return NewJWTManagerFromKeys(map[string]string{DefaultKid: secretKey}, DefaultKid, duration)
}

// NewJWTManagerFromKeys returns a manager that verifies with any of keys and
// signs with activeKid.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	m := &JWTManager{
		keys:      make(map[string][]byte, len(keys)),
		activeKid: activeKid,
		duration:  duration,
	}
	for kid, secret := range keys {
		m.keys[kid] = []byte(secret)
	}
	return m
}

// ParseKeys parses "kid:secret,kid2:secret2".
func ParseKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, secret, ok := strings.Cut(part, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid key entry %q, want kid:secret", part)
		}
		keys[kid] = secret
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys in key list")
	}
	return keys, nil
}

// Kids returns the configured key ids in sorted order.
func (m *JWTManager) Kids() []string {
	out := make([]string, 0, len(m.keys))
	for kid := range m.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

// GenerateToken issues a signed token for userID using the active key.
func (m *JWTManager) GenerateToken(userID string) (string, time.Time, error) {
	secret, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, fmt.Errorf("active key %q not configured", m.activeKid)
	}

	now := time.Now()
	expiresAt := now.Add(m.duration)
	claims := &Claims{
		UserID: normalize.UserID(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   normalize.UserID(userID),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = m.activeKid

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// only HMAC; rejects alg=none and asymmetric confusion
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = m.activeKid
		}
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims.UserID = normalize.UserID(claims.UserID)
	if claims.UserID == "" {
		claims.UserID = normalize.UserID(claims.Subject)
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}

// Authenticate verifies an Authorization header value ("Bearer <jwt>") and
// returns the caller's user id.
func (m *JWTManager) Authenticate(authorization string) (string, error) {
	token := BearerToken(authorization)
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	claims, err := m.VerifyToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return claims.UserID, nil
}

// BearerToken strips the Bearer scheme from an Authorization header value.
func BearerToken(authorization string) string {
	v := strings.TrimSpace(authorization)
	if len(v) >= 6 && strings.EqualFold(v[:6], "bearer") {
		v = v[6:]
	}
	return strings.TrimSpace(v)
}
