package updates

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
)

// runDirect performs the engine-level update dance: pull, park the old
// container under a backup name, recreate from the captured config, and
// either finalize or restore the backup.
func (e *Executor) runDirect(ctx context.Context, api docker.API, req Request, progress ProgressFunc) Result {
	composite := CompositeID(req.HostID, req.ContainerID)
	scope := events.Scope{HostID: req.HostID, ContainerID: req.ContainerID, ContainerName: req.ContainerName}

	e.bus.Emit(ctx, events.Event{
		Type:    events.TypeUpdateStarted,
		Scope:   scope,
		Message: "updating to " + req.NewImage,
	})
	progress("inspect", 2, "inspecting "+req.ContainerName)

	inspect, err := api.InspectContainer(ctx, req.ContainerID)
	if err != nil {
		return e.directFailed(ctx, scope, fmt.Errorf("inspect %s: %w", req.ContainerName, err))
	}
	oldImage := inspect.Config.Image

	// The snapshot is the rollback source of truth; an update does not start
	// without it.
	if err := e.cache.PutSnapshot(composite, inspect); err != nil {
		return e.directFailed(ctx, scope, fmt.Errorf("save snapshot for %s: %w", req.ContainerName, err))
	}

	oldImageLabels, err := api.ImageLabels(ctx, oldImage)
	if err != nil {
		e.log.Warn("old image labels unavailable", "container", req.ContainerName, "image", oldImage, "error", err)
	}

	if err := api.PullImage(ctx, req.NewImage, func(p docker.Progress) {
		progress("pull", 5+p.Percent*0.35, p.Status)
	}); err != nil {
		return e.directFailed(ctx, scope, fmt.Errorf("pull %s: %w", req.NewImage, err))
	}
	e.bus.Emit(ctx, events.Event{Type: events.TypeUpdatePullCompleted, Scope: scope, Message: "pulled " + req.NewImage})

	newImageLabels, err := api.ImageLabels(ctx, req.NewImage)
	if err != nil {
		e.log.Warn("new image labels unavailable", "container", req.ContainerName, "image", req.NewImage, "error", err)
	}

	progress("backup", 45, "stopping "+req.ContainerName)
	if err := api.StopContainer(ctx, req.ContainerID, req.StopTimeout); err != nil {
		e.log.Warn("stop failed, renaming anyway", "container", req.ContainerName, "error", err)
	}
	backupName := req.ContainerName + backupSuffix
	if err := api.RenameContainer(ctx, req.ContainerID, backupName); err != nil {
		// The old container is intact under its own name. Restart it and
		// report the failure; there is nothing to roll back.
		if startErr := api.StartContainer(ctx, req.ContainerID); startErr != nil {
			e.log.Error("restart after failed rename", "container", req.ContainerName, "error", startErr)
		}
		return e.directFailed(ctx, scope, fmt.Errorf("rename %s to backup: %w", req.ContainerName, err))
	}
	e.bus.Emit(ctx, events.Event{Type: events.TypeBackupCreated, Scope: scope, Message: "backup " + backupName})

	cfg := cloneConfig(inspect.Config)
	cfg.Image = req.NewImage
	cfg.Labels = docker.UserLabels(inspect.Config.Labels, oldImageLabels, newImageLabels)

	hostCfg := inspect.HostConfig
	if api.IsPodman(ctx) {
		docker.ApplyPodmanFixes(hostCfg)
	}

	netNames, endpoints := orderedEndpoints(inspect.NetworkSettings)
	var createNet *network.NetworkingConfig
	if len(netNames) > 0 {
		createNet = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{netNames[0]: endpoints[netNames[0]]},
		}
	}

	progress("create", 55, "creating "+req.ContainerName)
	newID, err := api.CreateContainer(ctx, req.ContainerName, cfg, hostCfg, createNet)
	if err != nil {
		return e.rollbackDirect(ctx, api, req, "", scope, fmt.Errorf("create %s: %w", req.ContainerName, err))
	}

	// Remaining networks are attached one by one so aliases and IPAM config
	// survive the recreate.
	progress("network", 65, "connecting networks")
	for i, name := range netNames {
		if i == 0 {
			continue
		}
		if err := api.ConnectNetwork(ctx, name, newID, endpoints[name]); err != nil {
			return e.rollbackDirect(ctx, api, req, newID, scope, fmt.Errorf("connect network %s: %w", name, err))
		}
	}

	progress("start", 75, "starting "+req.ContainerName)
	if err := api.StartContainer(ctx, newID); err != nil {
		return e.rollbackDirect(ctx, api, req, newID, scope, fmt.Errorf("start %s: %w", req.ContainerName, err))
	}

	progress("health", 85, "waiting for health")
	if err := docker.WaitForHealthy(ctx, api, newID, req.HealthTimeout); err != nil {
		return e.rollbackDirect(ctx, api, req, newID, scope, fmt.Errorf("health gate for %s: %w", req.ContainerName, err))
	}

	if err := api.RemoveContainer(ctx, req.ContainerID); err != nil {
		e.log.Warn("backup removal failed", "container", backupName, "error", err)
	}
	digest, err := api.ImageDigest(ctx, req.NewImage)
	if err != nil {
		e.log.Warn("digest lookup after update failed", "image", req.NewImage, "error", err)
	}
	if err := e.store.SetCurrentImage(ctx, composite, req.NewImage, digest); err != nil {
		e.log.Warn("record current image failed", "container", composite, "error", err)
	}
	if err := e.cache.DeleteSnapshot(composite); err != nil {
		e.log.Warn("snapshot cleanup failed", "container", composite, "error", err)
	}

	e.bus.Emit(ctx, events.Event{
		Type:    events.TypeUpdateCompleted,
		Scope:   scope,
		Message: req.ContainerName + " updated to " + req.NewImage,
		Data:    map[string]any{"new_container_id": newID, "old_image": oldImage, "new_image": req.NewImage},
	})
	progress("done", 100, "update complete")
	e.log.Info("update complete", "container", req.ContainerName, "image", req.NewImage, "new_id", shortID(newID))
	return Result{Success: true, NewContainerID: newID}
}

// directFailed reports a failure that left the original container in place.
func (e *Executor) directFailed(ctx context.Context, scope events.Scope, cause error) Result {
	e.log.Error("update failed", "container", scope.ContainerName, "error", cause)
	e.bus.Emit(ctx, events.Event{Type: events.TypeUpdateFailed, Scope: scope, Message: cause.Error()})
	return Result{Error: cause.Error()}
}

// rollbackDirect restores the backup container after a failure past the
// rename point. newID is the partially created replacement, if any.
func (e *Executor) rollbackDirect(ctx context.Context, api docker.API, req Request, newID string, scope events.Scope, cause error) Result {
	e.log.Error("update failed, restoring backup", "container", req.ContainerName, "error", cause)
	e.bus.Emit(ctx, events.Event{Type: events.TypeUpdateFailed, Scope: scope, Message: cause.Error()})

	if newID != "" {
		if err := api.StopContainer(ctx, newID, 10); err != nil {
			e.log.Warn("stop of failed container", "id", shortID(newID), "error", err)
		}
		if err := api.RemoveContainer(ctx, newID); err != nil {
			e.log.Warn("removal of failed container", "id", shortID(newID), "error", err)
		}
	}

	restored := true
	if err := api.RenameContainer(ctx, req.ContainerID, req.ContainerName); err != nil {
		e.log.Error("backup rename-back failed", "container", req.ContainerName, "error", err)
		restored = false
	}
	if err := api.StartContainer(ctx, req.ContainerID); err != nil {
		e.log.Error("backup restart failed", "container", req.ContainerName, "error", err)
		restored = false
	}

	if restored {
		e.bus.Emit(ctx, events.Event{
			Type:    events.TypeRollbackCompleted,
			Scope:   scope,
			Message: req.ContainerName + " restored from backup",
		})
	}
	return Result{RolledBack: restored, Error: cause.Error()}
}

// cloneConfig shallow-copies the container config with its own label map.
func cloneConfig(cfg *container.Config) *container.Config {
	if cfg == nil {
		return &container.Config{}
	}
	clone := *cfg
	clone.Labels = maps.Clone(cfg.Labels)
	return &clone
}

// orderedEndpoints extracts attachable endpoint settings from an inspect
// response in deterministic name order. Only declarative fields survive,
// never operational ones like Gateway or IPAddress.
func orderedEndpoints(ns *container.NetworkSettings) ([]string, map[string]*network.EndpointSettings) {
	if ns == nil || len(ns.Networks) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(ns.Networks))
	endpoints := make(map[string]*network.EndpointSettings, len(ns.Networks))
	for name, ep := range ns.Networks {
		names = append(names, name)
		endpoints[name] = &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Aliases:    ep.Aliases,
			DriverOpts: ep.DriverOpts,
			NetworkID:  ep.NetworkID,
			MacAddress: ep.MacAddress,
		}
	}
	sort.Strings(names)
	return names, endpoints
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
