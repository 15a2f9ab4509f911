package config

import (
	"testing"
	"time"
)

func TestLoadGatewayConfigDefaults(t *testing.T) {
	cfg := LoadGatewayConfig()
	if cfg.Addr != ":3000" {
		t.Fatalf("expected default addr :3000, got %q", cfg.Addr)
	}
	if cfg.MaxConcurrentDeployments != 3 {
		t.Fatalf("expected concurrency 3, got %d", cfg.MaxConcurrentDeployments)
	}
	if cfg.DuplicateWindow != 5*time.Minute {
		t.Fatalf("expected 5m duplicate window, got %s", cfg.DuplicateWindow)
	}
	if cfg.DeploymentTimeout != 30*time.Minute {
		t.Fatalf("expected 30m timeout, got %s", cfg.DeploymentTimeout)
	}
}

func TestLoadGatewayConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("MAX_CONCURRENT_DEPLOYMENTS", "7")
	t.Setenv("DEPLOYMENT_COOLDOWN_SECONDS", "5")
	t.Setenv("RATE_LIMIT_MAX", "not-a-number")

	cfg := LoadGatewayConfig()
	if cfg.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Addr)
	}
	if cfg.MaxConcurrentDeployments != 7 {
		t.Fatalf("expected 7, got %d", cfg.MaxConcurrentDeployments)
	}
	if cfg.DeploymentCooldown != 5*time.Second {
		t.Fatalf("expected 5s cooldown, got %s", cfg.DeploymentCooldown)
	}
	if cfg.RateLimitMax != 10 {
		t.Fatalf("invalid value should fall back to default, got %d", cfg.RateLimitMax)
	}
}

func TestGetList(t *testing.T) {
	t.Setenv("SOME_LIST", " main, ,feature/* ")
	got := GetList("SOME_LIST", nil)
	if len(got) != 2 || got[0] != "main" || got[1] != "feature/*" {
		t.Fatalf("unexpected list: %#v", got)
	}
	if fallback := GetList("UNSET_LIST_VALUE", []string{"x"}); len(fallback) != 1 {
		t.Fatalf("expected fallback, got %#v", fallback)
	}
}
