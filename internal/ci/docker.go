package ci

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/splax/deploygate/internal/deploykey"
	"github.com/splax/deploygate/internal/domain"
)

// DockerRunner runs each deployment as a one-shot container of a runner image
// on a local or remote Docker daemon.
type DockerRunner struct {
	inner *client.Client
	image string
}

// NewDockerRunner creates a Docker client using environment defaults, with
// host overriding DOCKER_HOST when set.
func NewDockerRunner(host, image string, opts ...client.Opt) (*DockerRunner, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("runner image cannot be empty")
	}
	base := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		base = append(base, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRunner{inner: inner, image: image}, nil
}

// Dispatch creates and starts the runner container and returns its id.
func (r *DockerRunner) Dispatch(ctx context.Context, d domain.Deployment) (string, error) {
	env := []string{
		"DEPLOY_KEY=" + d.Key,
		"DEPLOY_SOURCE=" + string(d.Source),
		"DEPLOY_REPOSITORY=" + d.Repository,
		"DEPLOY_REF=" + d.Ref(),
		"DEPLOY_COMMIT_SHA=" + d.CommitHash,
		"DEPLOY_ENVIRONMENT=" + d.Environment,
		"DEPLOY_SKIP_TESTS=" + strconv.FormatBool(d.SkipTests),
		"DEPLOY_FORCE=" + strconv.FormatBool(d.ForceDeploy),
	}
	if d.PRNumber != nil {
		env = append(env, "DEPLOY_PR_NUMBER="+strconv.Itoa(*d.PRNumber))
	}
	cfg := &container.Config{
		Image: r.image,
		Env:   env,
		Labels: map[string]string{
			"deploygate.key":         d.Key,
			"deploygate.environment": d.Environment,
		},
	}
	hostCfg := &container.HostConfig{AutoRemove: true}
	name := fmt.Sprintf("deploygate-%s-%d", deploykey.Short(d.Key), d.Attempts)

	created, err := r.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: container create: %w", ErrDispatch, err)
	}
	if err := r.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("%w: container start: %w", ErrDispatch, err)
	}
	return created.ID, nil
}

// Ping validates connectivity to the Docker daemon.
func (r *DockerRunner) Ping(ctx context.Context) error {
	ping, err := r.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (r *DockerRunner) Close() error {
	return r.inner.Close()
}
