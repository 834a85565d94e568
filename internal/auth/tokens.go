package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "lostfound-auth"
)

// Claims is the access token payload.
type Claims struct {
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Kind     Kind   `json:"principal_kind"`
	Role     string `json:"role,omitempty"`
	RoleID   string `json:"role_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies signed access tokens.
type TokenManager struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager) error

// WithHMACSecret signs tokens with HS256.
func WithHMACSecret(secret string) TokenOption {
	return func(m *TokenManager) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("auth: token secret is empty")
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = []byte(secret)
		m.verifyKey = []byte(secret)
		return nil
	}
}

// WithRSAKeys signs tokens with RS256 using PEM encoded keys.
func WithRSAKeys(privatePEM, publicPEM string) TokenOption {
	return func(m *TokenManager) error {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(strings.TrimSpace(privatePEM)))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		var pub *rsa.PublicKey
		if strings.TrimSpace(publicPEM) == "" {
			pub = &priv.PublicKey
		} else if pub, err = jwt.ParseRSAPublicKeyFromPEM([]byte(strings.TrimSpace(publicPEM))); err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		m.method = jwt.SigningMethodRS256
		m.signKey = priv
		m.verifyKey = pub
		return nil
	}
}

// WithTokenIssuer overrides the iss claim.
func WithTokenIssuer(issuer string) TokenOption {
	return func(m *TokenManager) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			m.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) error {
		if ttl > 0 {
			m.ttl = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(m *TokenManager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// NewTokenManager constructs a TokenManager. A signing key option is required.
func NewTokenManager(opts ...TokenOption) (*TokenManager, error) {
	m := &TokenManager{issuer: defaultIssuer, ttl: defaultAccessTTL, now: time.Now}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.method == nil {
		return nil, errors.New("auth: token signing key is not configured")
	}
	return m, nil
}

// AccessTTL returns the configured access token lifetime.
func (m *TokenManager) AccessTTL() time.Duration { return m.ttl }

// Issue signs an access token for u. role may be nil.
func (m *TokenManager) Issue(u *User, role *Role) (string, time.Time, error) {
	if u == nil || u.ID == "" {
		return "", time.Time{}, errors.New("auth: token subject is required")
	}
	now := m.now().UTC()
	exp := now.Add(m.ttl)
	claims := Claims{
		Email:    u.Email,
		Username: u.Username,
		Kind:     u.Kind,
		RoleID:   u.RoleID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if role != nil {
		claims.Role = role.Name
	}
	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses token and validates signature, issuer and expiry.
// Failures wrap ErrTokenExpired, ErrTokenMalformed or ErrTokenSubject.
func (m *TokenManager) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.verifyKey, nil
	},
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if claims.Subject == "" {
		return nil, ErrTokenSubject
	}
	return claims, nil
}

// hashToken returns the hex sha256 digest stored in place of opaque tokens.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
