package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"

	"github.com/quietfold/reportgate/internal/config"
)

// Status describes the scheduled report generator container. The gate only
// affects interactive HTTP access, so the generator should keep running on
// schedule regardless of gate changes; the verifier uses this to prove it.
type Status struct {
	Found      bool
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// LastRun is the most recent time the container was started or finished.
func (status Status) LastRun() time.Time {
	if status.FinishedAt.After(status.StartedAt) {
		return status.FinishedAt
	}
	return status.StartedAt
}

// Adapter provides read-only access to the Docker API.
type Adapter struct {
	client *client.Client
}

// NewAdapter creates a Docker adapter configured from environment variables.
func NewAdapter(cfg config.DockerConfig) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	return &Adapter{client: dockerClient}, nil
}

// InspectGenerator returns the state of the report generator container.
func (adapter *Adapter) InspectGenerator(ctx context.Context, name string) (Status, error) {
	inspect, err := adapter.client.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	status := Status{Found: true}
	if inspect.State == nil {
		return status, nil
	}
	status.Running = inspect.State.Running
	status.ExitCode = inspect.State.ExitCode
	status.StartedAt = parseDockerTime(inspect.State.StartedAt)
	status.FinishedAt = parseDockerTime(inspect.State.FinishedAt)
	return status, nil
}

func parseDockerTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
