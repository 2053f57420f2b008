// Package auth issues and validates the bearer tokens the HTTP surface
// runs on. Password hashing is salted SHA-256 keyed by the server
// secret; the core only consumes the resulting identity.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Service signs tokens and verifies passwords.
type Service struct {
	secret []byte
	expiry time.Duration
}

// New builds an auth service with the given secret and token lifetime.
func New(secret string, expiry time.Duration) *Service {
	return &Service{secret: []byte(secret), expiry: expiry}
}

// Claims carried by issued tokens.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed HS256 token for the given user id.
func (s *Service) Generate(userID int64, username string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("auth: secret not configured")
	}
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a token and returns the user id it names.
func (s *Service) Validate(token string) (int64, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// HashPassword returns "salt$digest" with a fresh random salt, keyed by
// the server secret.
func (s *Service) HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt) + "$" + s.digest(salt, password), nil
}

// VerifyPassword checks a password against a stored "salt$digest" hash
// in constant time.
func (s *Service) VerifyPassword(password, stored string) error {
	saltHex, digest, ok := strings.Cut(stored, "$")
	if !ok {
		return ErrInvalidCredentials
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return ErrInvalidCredentials
	}
	if !hmac.Equal([]byte(s.digest(salt, password)), []byte(digest)) {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Service) digest(salt []byte, password string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(salt)
	mac.Write([]byte(password))
	return hex.EncodeToString(mac.Sum(nil))
}
