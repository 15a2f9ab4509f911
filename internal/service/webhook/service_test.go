package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/splax/deploygate/internal/repository/memory"
	"github.com/splax/deploygate/pkg/config"
)

func newService(secret, token string) (Service, *memory.Secrets) {
	secrets := memory.NewSecrets()
	cfg := config.GatewayConfig{WebhookSecret: secret, GitLabWebhookToken: token, SecretEncryptionKey: "enc-key"}
	return New(secrets, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg), secrets
}

func TestVerifySignature(t *testing.T) {
	svc, _ := newService("shared", "")
	payload := []byte(`{"zen":"keep it simple"}`)
	ctx := context.Background()

	if err := svc.VerifySignature(ctx, "acme/web", payload, Sign(payload, "shared")); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := svc.VerifySignature(ctx, "acme/web", payload, Sign(payload, "other")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := svc.VerifySignature(ctx, "acme/web", payload, "deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("signature without prefix should be rejected, got %v", err)
	}
	if err := svc.VerifySignature(ctx, "acme/web", payload, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("missing signature should be rejected when a secret applies, got %v", err)
	}
	tokens, _ := newService("", "gl")
	if err := tokens.VerifyToken(ctx, "acme/web", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("missing token should be rejected when one is expected, got %v", err)
	}
}

func TestVerifySignatureWithoutSecretAccepts(t *testing.T) {
	svc, _ := newService("", "")
	if err := svc.VerifySignature(context.Background(), "acme/web", []byte("{}"), "sha256=00"); err != nil {
		t.Fatalf("expected no verification without secret, got %v", err)
	}
}

func TestRepositorySecretOverridesShared(t *testing.T) {
	svc, _ := newService("shared", "")
	ctx := context.Background()
	if err := svc.UpsertSecret(ctx, "acme/web", "repo-secret"); err != nil {
		t.Fatalf("UpsertSecret: %v", err)
	}
	payload := []byte(`{}`)
	if err := svc.VerifySignature(ctx, "acme/web", payload, Sign(payload, "repo-secret")); err != nil {
		t.Fatalf("repository secret should verify: %v", err)
	}
	if err := svc.VerifySignature(ctx, "acme/web", payload, Sign(payload, "shared")); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("shared secret should no longer verify for acme/web")
	}
	if err := svc.VerifySignature(ctx, "acme/api", payload, Sign(payload, "shared")); err != nil {
		t.Fatalf("other repositories keep the shared secret: %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	svc, _ := newService("", "gl-token")
	ctx := context.Background()
	if err := svc.VerifyToken(ctx, "group/app", "gl-token"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := svc.VerifyToken(ctx, "group/app", "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestUpsertSecretRequiresKey(t *testing.T) {
	svc := New(memory.NewSecrets(), slog.New(slog.NewTextHandler(io.Discard, nil)), config.GatewayConfig{})
	if err := svc.UpsertSecret(context.Background(), "acme/web", "s"); !errors.Is(err, ErrSecretStorageDisabled) {
		t.Fatalf("expected ErrSecretStorageDisabled, got %v", err)
	}
}
