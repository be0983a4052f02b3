package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/postloom/backend/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Service authenticates the single operator of this deployment.
type Service interface {
	Login(ctx context.Context, username, password string) (string, error)
	// ValidateToken returns the operator name the token was issued to.
	ValidateToken(ctx context.Context, token string) (string, error)
}

type service struct {
	username string
	hash     []byte
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewService builds the operator service. Without a configured JWT secret a
// random one is drawn, so tokens do not survive a restart.
func NewService(cfg config.AuthConfig) (*service, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &service{
		username: cfg.OperatorUsername,
		hash:     []byte(cfg.OperatorPasswordHash),
		secret:   secret,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

const operatorRole = "operator"

func (s *service) Login(ctx context.Context, username, password string) (string, error) {
	if len(s.hash) == 0 {
		return "", ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(password)); err != nil || !userOK {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(username)
}

func (s *service) issueToken(subject string) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: operatorRole,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Role != operatorRole || c.Subject == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}
