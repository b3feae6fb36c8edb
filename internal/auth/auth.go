package auth

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrDisabled           = errors.New("authentication is disabled")
)

const (
	tokenIssuer = "animetrack"
	tokenTTL    = 24 * time.Hour
	ownerName   = "owner"
)

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator guards the list with a single shared password.
// A nil or disabled Authenticator accepts every request.
type Authenticator struct {
	hash   string
	secret []byte
	ttl    time.Duration
}

// New creates an authenticator for password. An empty password disables
// authentication. An empty secret gets a random one, so tokens do not
// survive a restart.
func New(password, secret string) (*Authenticator, error) {
	if password == "" {
		return &Authenticator{}, nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		slog.Warn("No JWT secret configured, tokens will be invalidated on restart")
	}

	return &Authenticator{hash: hash, secret: key, ttl: tokenTTL}, nil
}

// Enabled reports whether a password is required
func (a *Authenticator) Enabled() bool {
	return a != nil && a.hash != ""
}

// Login checks password and issues a token
func (a *Authenticator) Login(password string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	if !CheckPassword(password, a.hash) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.GenerateToken(ownerName)
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword compares a password with a hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateToken creates a new JWT token and returns it with its expiry
func (a *Authenticator) GenerateToken(username string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ValidateToken validates a JWT token and returns the claims
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
