package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/pkg/config"
	"github.com/splax/deploygate/pkg/crypto"
)

var (
	// ErrInvalidSignature is returned when an HMAC signature does not match.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrInvalidToken is returned when a provider token does not match.
	ErrInvalidToken = errors.New("webhook: invalid token")
	// ErrSecretStorageDisabled is returned when no encryption key is configured.
	ErrSecretStorageDisabled = errors.New("webhook: secret storage requires SECRET_ENCRYPTION_KEY")
)

const signaturePrefix = "sha256="

// Service authenticates webhook deliveries and manages per-repository
// secrets. A stored repository secret takes precedence over the shared one.
type Service struct {
	secrets       repository.SecretRepository
	logger        *slog.Logger
	sharedSecret  string
	gitlabToken   string
	encryptionKey string
}

// New constructs a webhook service. secrets may be nil.
func New(secrets repository.SecretRepository, logger *slog.Logger, cfg config.GatewayConfig) Service {
	return Service{
		secrets:       secrets,
		logger:        logger,
		sharedSecret:  cfg.WebhookSecret,
		gitlabToken:   cfg.GitLabWebhookToken,
		encryptionKey: cfg.SecretEncryptionKey,
	}
}

// UpsertSecret stores an encrypted secret for repo.
func (s Service) UpsertSecret(ctx context.Context, repo, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return errors.New("secret is required")
	}
	if strings.TrimSpace(repo) == "" {
		return errors.New("repository is required")
	}
	if s.secrets == nil || s.encryptionKey == "" {
		return ErrSecretStorageDisabled
	}
	payload, err := crypto.Seal(s.encryptionKey, value)
	if err != nil {
		return err
	}
	if err := s.secrets.UpsertWebhookSecret(ctx, repo, payload); err != nil {
		return fmt.Errorf("store webhook secret: %w", err)
	}
	s.logger.Info("webhook secret stored", "repository", repo)
	return nil
}

// VerifySignature checks an X-Hub-Signature-256 header over payload. An empty
// signature fails whenever a secret applies; when none applies to repo the
// delivery is accepted unverified.
func (s Service) VerifySignature(ctx context.Context, repo string, payload []byte, provided string) error {
	secret := s.secretFor(ctx, repo, s.sharedSecret)
	if secret == "" {
		return nil
	}
	return ValidateSignature(payload, []byte(secret), provided)
}

// VerifyToken compares an X-Gitlab-Token header in constant time. An empty
// token fails whenever one is expected; when none applies to repo the
// delivery is accepted.
func (s Service) VerifyToken(ctx context.Context, repo, provided string) error {
	expected := s.secretFor(ctx, repo, s.gitlabToken)
	if expected == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// ValidateSignature checks a "sha256=<hex>" HMAC signature for payload.
func ValidateSignature(payload []byte, secret []byte, provided string) error {
	provided = strings.TrimSpace(provided)
	if !strings.HasPrefix(provided, signaturePrefix) {
		return ErrInvalidSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := signaturePrefix + hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature header value for payload, as a provider would
// compute it.
func Sign(payload []byte, secret string) string {
	hasher := hmac.New(sha256.New, []byte(secret))
	hasher.Write(payload)
	return signaturePrefix + hex.EncodeToString(hasher.Sum(nil))
}

func (s Service) secretFor(ctx context.Context, repo, fallback string) string {
	if s.secrets == nil || s.encryptionKey == "" || repo == "" {
		return fallback
	}
	sealed, err := s.secrets.GetWebhookSecret(ctx, repo)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("failed to load webhook secret, using shared secret", "repository", repo, "error", err)
		}
		return fallback
	}
	secret, err := crypto.Open(s.encryptionKey, sealed)
	if err != nil {
		s.logger.Warn("failed to decrypt webhook secret, using shared secret", "repository", repo, "error", err)
		return fallback
	}
	return secret
}
