// Package ci starts builds on CI providers and resolves pull requests for
// comment-triggered deployments.
package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/trigger"
)

var (
	// ErrDispatch wraps any failure to start a build.
	ErrDispatch = errors.New("ci: dispatch failed")
	// ErrNoProvider is returned when no client is configured for a source.
	ErrNoProvider = errors.New("ci: no provider configured")
)

// Dispatcher starts a build for a deployment and returns a run identifier.
type Dispatcher interface {
	Dispatch(ctx context.Context, d domain.Deployment) (string, error)
}

// Provider is a repository host that can both run builds and describe pull
// requests.
type Provider interface {
	Dispatcher
	PullRequest(ctx context.Context, repository string, number int) (trigger.PullRequest, error)
}

// Router selects the provider for a deployment's source. When Runner is set,
// builds go to it instead of the provider while pull request lookups still use
// the provider API.
type Router struct {
	GitHub Provider
	GitLab Provider
	Runner Dispatcher
}

// Dispatch implements scheduler.Dispatcher.
func (r Router) Dispatch(ctx context.Context, d domain.Deployment) (string, error) {
	if r.Runner != nil {
		return r.Runner.Dispatch(ctx, d)
	}
	provider, err := r.provider(d.Source)
	if err != nil {
		return "", err
	}
	return provider.Dispatch(ctx, d)
}

// ResolvePullRequest implements trigger.Resolver.
func (r Router) ResolvePullRequest(ctx context.Context, source domain.Source, repository string, number int) (trigger.PullRequest, error) {
	provider, err := r.provider(source)
	if err != nil {
		return trigger.PullRequest{}, err
	}
	return provider.PullRequest(ctx, repository, number)
}

func (r Router) provider(source domain.Source) (Provider, error) {
	var p Provider
	switch source {
	case domain.SourceGitHub:
		p = r.GitHub
	case domain.SourceGitLab:
		p = r.GitLab
	}
	if p == nil {
		return nil, fmt.Errorf("%w for %q", ErrNoProvider, source)
	}
	return p, nil
}

// apiError is a non-2xx answer from a provider API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned %d", e.Status)
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// doJSON sends body (when non-nil) as JSON and decodes a JSON answer into out
// (when non-nil).
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
