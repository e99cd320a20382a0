package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// API defines the engine operations the control plane drives. Implemented by
// Client for production and by mocks for testing.
type API interface {
	ListContainers(ctx context.Context, all bool) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RestartContainer(ctx context.Context, id string) error
	PauseContainer(ctx context.Context, id string) error
	UnpauseContainer(ctx context.Context, id string) error
	RenameContainer(ctx context.Context, id, name string) error
	RemoveContainer(ctx context.Context, id string) error

	PullImage(ctx context.Context, refStr string, progress ProgressFunc) error
	ImageDigest(ctx context.Context, imageRef string) (string, error)
	ImageLabels(ctx context.Context, imageRef string) (map[string]string, error)
	DistributionDigest(ctx context.Context, imageRef string) (string, error)
	RemoveImage(ctx context.Context, id string) error

	ConnectNetwork(ctx context.Context, networkID, containerID string, endpoint *network.EndpointSettings) error
	DisconnectNetwork(ctx context.Context, networkID, containerID string) error
	CreateNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, id string) error
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error

	ContainerLogs(ctx context.Context, id string, lines int) (string, error)
	IsPodman(ctx context.Context) bool
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
