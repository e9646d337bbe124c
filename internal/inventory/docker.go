package inventory

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerContainer is one entry of the extensions["docker"] list (spec §3,
// D.7): opaque to everything except the operator UI that renders it.
type DockerContainer struct {
	ID    string `json:"id"`
	Image string `json:"image"`
	State string `json:"state"`
}

// DockerExtension collects running containers from the local Docker
// daemon. It is entirely optional: agents without a reachable daemon
// socket simply omit the "docker" extension key.
type DockerExtension struct {
	cli *client.Client
}

// NewDockerExtension constructs an extension bound to the daemon
// reachable via the standard DOCKER_HOST / socket conventions. It does
// not verify reachability until the first Collect call.
func NewDockerExtension() (*DockerExtension, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("inventory: docker client: %w", err)
	}
	return &DockerExtension{cli: cli}, nil
}

// Name implements Extension.
func (d *DockerExtension) Name() string { return "docker" }

// Collect implements Extension, listing running containers.
func (d *DockerExtension) Collect(ctx context.Context) (any, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: false})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	out := make([]DockerContainer, 0, len(containers))
	for _, c := range containers {
		image := c.Image
		id := c.ID
		if len(id) > 12 {
			id = id[:12]
		}
		out = append(out, DockerContainer{
			ID:    id,
			Image: image,
			State: c.State,
		})
	}
	return out, nil
}
