package sched

import (
	"context"
	"strings"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
)

// Resolver computes the update target and its registry digest for an image
// reference under a floating-tag mode.
type Resolver interface {
	Resolve(ctx context.Context, imageRef, mode string) (*registry.Resolution, error)
}

// Sweeper checks tracked containers for newer images and maintains their
// container_updates rows.
type Sweeper struct {
	st       *store.Store
	resolver Resolver
	bus      *events.Bus
	log      *logging.Logger
	clk      clock.Clock
}

// NewSweeper creates a Sweeper.
func NewSweeper(st *store.Store, resolver Resolver, bus *events.Bus, log *logging.Logger, clk clock.Clock) *Sweeper {
	return &Sweeper{st: st, resolver: resolver, bus: bus, log: log.With("component", "sweep"), clk: clk}
}

// SweepResult summarizes one pass over all tracked containers.
type SweepResult struct {
	Checked   int
	Available int
	Errors    int
}

// Sweep checks every tracked container once. Per-row failures are counted
// and logged, not fatal.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	start := s.clk.Now()
	defer func() {
		metrics.SweepsTotal.Inc()
		metrics.SweepDuration.Observe(s.clk.Since(start).Seconds())
	}()

	rows, err := s.st.ListContainerUpdates(ctx, "")
	if err != nil {
		s.log.Error("list container updates failed", "error", err)
		return SweepResult{Errors: 1}
	}

	var result SweepResult
	for _, u := range rows {
		if ctx.Err() != nil {
			return result
		}
		result.Checked++
		available, err := s.checkRow(ctx, u)
		if err != nil {
			result.Errors++
			s.log.Warn("update check failed", "container_id", u.ContainerID, "image", u.CurrentImage, "error", err)
			continue
		}
		if available {
			result.Available++
		}
	}
	metrics.UpdatesAvailable.Set(float64(result.Available))
	s.log.Info("update sweep complete", "checked", result.Checked, "available", result.Available, "errors", result.Errors)
	return result
}

// Check refreshes one container's update row and reports availability.
// Satisfies the batch manager's checker dependency.
func (s *Sweeper) Check(ctx context.Context, hostID, containerID string) (bool, error) {
	u, err := s.st.GetContainerUpdate(ctx, hostID+":"+containerID)
	if err != nil {
		return false, err
	}
	return s.checkRow(ctx, u)
}

func (s *Sweeper) checkRow(ctx context.Context, u *store.ContainerUpdate) (bool, error) {
	res, err := s.resolver.Resolve(ctx, u.CurrentImage, u.FloatingTagMode)
	if err != nil {
		return false, err
	}

	wasAvailable := u.UpdateAvailable
	u.LatestImage = res.TargetImage
	u.LatestDigest = res.TargetDigest
	u.UpdateAvailable = u.CurrentDigest != "" && !registry.DigestsMatch(u.CurrentDigest, res.TargetDigest)
	u.LastCheckedAt = s.clk.Now()

	if err := s.st.UpsertContainerUpdate(ctx, u); err != nil {
		return false, err
	}

	if u.UpdateAvailable && !wasAvailable {
		s.bus.Emit(ctx, events.Event{
			Type: events.TypeUpdateAvailable,
			Scope: events.Scope{
				HostID:      u.HostID,
				ContainerID: strings.TrimPrefix(u.ContainerID, u.HostID+":"),
			},
			Severity: "info",
			Title:    "Update available",
			Message:  u.CurrentImage + " -> " + res.TargetImage,
			Data: map[string]any{
				"current_image": u.CurrentImage,
				"latest_image":  res.TargetImage,
				"latest_digest": res.TargetDigest,
			},
		})
	}
	return u.UpdateAvailable, nil
}
