// Package auth issues and validates the bearer tokens protecting the
// minerwatch API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a login does not match
var ErrInvalidCredentials = errors.New("invalid credentials")

// Claims are the JWT claims carried by an API token
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates HS256 tokens
type TokenManager struct {
	secret  []byte
	issuer  string
	timeout time.Duration
	now     func() time.Time
}

// NewTokenManager creates a token manager. The secret must not be empty.
func NewTokenManager(secret, issuer string, timeout time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if timeout <= 0 {
		timeout = time.Hour
	}

	return &TokenManager{
		secret:  []byte(secret),
		issuer:  issuer,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

// Timeout returns how long issued tokens stay valid
func (m *TokenManager) Timeout() time.Duration {
	return m.timeout
}

// GenerateToken creates a signed token for username
func (m *TokenManager) GenerateToken(username string) (string, error) {
	now := m.now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.timeout)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// ValidateToken checks the signature, algorithm, issuer and expiry of a token
func (m *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// Credentials is the single operator account allowed to request tokens
type Credentials struct {
	username     string
	passwordHash []byte
}

// NewCredentials creates credentials from a username and a bcrypt hash
func NewCredentials(username, passwordHash string) (*Credentials, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, fmt.Errorf("invalid password hash: %w", err)
	}

	return &Credentials{username: username, passwordHash: []byte(passwordHash)}, nil
}

// HashPassword returns a bcrypt hash suitable for auth.passwordHash
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Check compares a login against the stored account
func (c *Credentials) Check(username, password string) error {
	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(c.username)) == 1
	passMatch := bcrypt.CompareHashAndPassword(c.passwordHash, []byte(password)) == nil
	if !userMatch || !passMatch {
		return ErrInvalidCredentials
	}
	return nil
}
