package auth

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/deploygate/pkg/config"
	"github.com/splax/deploygate/pkg/crypto"
	jwtpkg "github.com/splax/deploygate/pkg/jwt"
)

var (
	// ErrInvalidCredentials is returned for a wrong admin password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUnauthorized is returned for a missing, invalid or under-privileged token.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrDisabled is returned when the admin API is not configured.
	ErrDisabled = errors.New("auth: admin api disabled")
)

const adminSubject = "admin"

// Service issues and checks admin bearer tokens.
type Service struct {
	passwordHash string
	jwtSecret    string
	ttl          time.Duration
	logger       *slog.Logger
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// New constructs a Service.
func New(logger *slog.Logger, cfg config.GatewayConfig) Service {
	ttl := cfg.AdminTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return Service{
		passwordHash: cfg.AdminPasswordHash,
		jwtSecret:    cfg.JWTSecret,
		ttl:          ttl,
		logger:       logger,
	}
}

// Enabled reports whether login is possible.
func (s Service) Enabled() bool {
	return s.passwordHash != "" && s.jwtSecret != ""
}

// Login exchanges the admin password for a token.
func (s Service) Login(password string) (Token, error) {
	if !s.Enabled() {
		return Token{}, ErrDisabled
	}
	if !crypto.PasswordMatches(s.passwordHash, password) {
		s.logger.Warn("admin login rejected")
		return Token{}, ErrInvalidCredentials
	}
	access, expires, err := jwtpkg.GenerateToken(adminSubject, jwtpkg.RoleAdmin, s.jwtSecret, s.ttl)
	if err != nil {
		return Token{}, err
	}
	s.logger.Info("admin token issued", "expires_at", expires)
	return Token{AccessToken: access, ExpiresAt: expires}, nil
}

// Authorize validates a bearer token and requires the admin role.
func (s Service) Authorize(token string) (*jwtpkg.Claims, error) {
	if s.jwtSecret == "" {
		return nil, ErrDisabled
	}
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.jwtSecret)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	if claims.Role != jwtpkg.RoleAdmin {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
