package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/moby/moby/api/types/container"
)

var (
	healthPollInterval = 2 * time.Second
	stabilityWindow    = 3 * time.Second
	maxUnhealthyGrace  = 30 * time.Second
)

// Inspecter is the slice of the engine API the health gate needs.
type Inspecter interface {
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
}

// WaitForHealthy blocks until a freshly started container proves itself.
//
// Containers with a healthcheck are polled until the check reports healthy.
// A container that stays continuously unhealthy for half the timeout (capped
// at 30s) fails early rather than burning the whole window. Containers
// without a healthcheck get a short stability window and must still be
// running afterwards.
func WaitForHealthy(ctx context.Context, api Inspecter, containerID string, timeout time.Duration) error {
	info, err := api.InspectContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", containerID, err)
	}

	hasHealthcheck := info.Config != nil && info.Config.Healthcheck != nil &&
		len(info.Config.Healthcheck.Test) > 0 && info.Config.Healthcheck.Test[0] != "NONE"

	if !hasHealthcheck {
		select {
		case <-time.After(stabilityWindow):
		case <-ctx.Done():
			return ctx.Err()
		}
		info, err := api.InspectContainer(ctx, containerID)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", containerID, err)
		}
		if info.State == nil || !info.State.Running {
			return fmt.Errorf("container %s exited during stability window", containerID)
		}
		return nil
	}

	unhealthyGrace := timeout / 2
	if unhealthyGrace > maxUnhealthyGrace {
		unhealthyGrace = maxUnhealthyGrace
	}

	deadline := time.Now().Add(timeout)
	var unhealthySince time.Time

	for {
		info, err := api.InspectContainer(ctx, containerID)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", containerID, err)
		}
		if info.State == nil || !info.State.Running {
			return fmt.Errorf("container %s exited while waiting for health", containerID)
		}

		status := ""
		if info.State.Health != nil {
			status = string(info.State.Health.Status)
		}
		switch status {
		case "healthy":
			return nil
		case "unhealthy":
			if unhealthySince.IsZero() {
				unhealthySince = time.Now()
			} else if time.Since(unhealthySince) >= unhealthyGrace {
				return fmt.Errorf("container %s unhealthy for %s", containerID, unhealthyGrace)
			}
		default:
			// starting, or health not reported yet
			unhealthySince = time.Time{}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("container %s not healthy after %s", containerID, timeout)
		}
		select {
		case <-time.After(healthPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
