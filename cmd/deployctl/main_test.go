package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoginStoresTokenAndStatusUsesIt(t *testing.T) {
	t.Setenv("DEPLOYCTL_CONFIG", filepath.Join(t.TempDir(), "config.json"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/token":
			_, _ = w.Write([]byte(`{"accessToken":"tok","expiresAt":"2026-01-01T00:00:00Z"}`))
		case "/api/deployments":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"activeDeployments":{"0123456789abcdef":{"key":"0123456789abcdef","status":"running","source":"github","repository":"acme/web","prNumber":42,"environment":"preview","commitHash":"abc"}},"queue":[],"deploymentHistory":[],"metrics":{"totalDeployments":3,"errors":1}}`))
		}
	}))
	defer srv.Close()

	if _, err := runCLI(t, "login", "--api", srv.URL, "--password", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	cfg, err := loadConfig()
	if err != nil || cfg.AccessToken != "tok" || cfg.APIBaseURL != srv.URL {
		t.Fatalf("config not stored: %+v %v", cfg, err)
	}

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"active 1", "total 3", "errors 1", "0123456789ab", "acme/web#42"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusShowsSingleDeployment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("DEPLOYCTL_CONFIG", path)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/deployments/k1" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"deployment not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"key":"k1","status":"failed","source":"github","repository":"acme/web","prNumber":7,"environment":"preview","commitHash":"abc","error":"tests red"}`))
	}))
	defer srv.Close()
	if err := saveConfig(cliConfig{APIBaseURL: srv.URL, AccessToken: "tok"}); err != nil {
		t.Fatalf("save config: %v", err)
	}

	out, err := runCLI(t, "status", "k1")
	if err != nil {
		t.Fatalf("status k1: %v", err)
	}
	for _, want := range []string{"failed", "acme/web#7", "tests red"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := runCLI(t, "status", "missing"); err == nil || !strings.Contains(err.Error(), "deployment not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestStatusRequiresLogin(t *testing.T) {
	t.Setenv("DEPLOYCTL_CONFIG", filepath.Join(t.TempDir(), "config.json"))
	if _, err := runCLI(t, "status"); err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("expected login error, got %v", err)
	}
}

func TestCompleteRequiresCallbackToken(t *testing.T) {
	t.Setenv("DEPLOYCTL_CONFIG", filepath.Join(t.TempDir(), "config.json"))
	t.Setenv("DEPLOYGATE_CALLBACK_TOKEN", "")
	if _, err := runCLI(t, "complete", "abc"); err == nil {
		t.Fatal("expected missing token error")
	}
}
