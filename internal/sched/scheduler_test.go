package sched

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
)

func newSchedulerHarness(t *testing.T, opts Options) (*Scheduler, *store.Store, *events.Bus) {
	t.Helper()
	log := logging.New(false)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.New(log, nil, nil, nil)
	resolver := &fakeResolver{resolutions: map[string]*registry.Resolution{}}
	sweeper := NewSweeper(st, resolver, bus, log, clock.Real{})
	return New(st, sweeper, bus, log, clock.Real{}, opts), st, bus
}

func TestRunFiresOverdueSweepImmediately(t *testing.T) {
	// Target one minute in the past, never run: due at startup.
	past := time.Now().UTC().Add(-time.Minute)
	s, st, _ := newSchedulerHarness(t, Options{
		UpdateCheckTime: past.Format("15:04"),
	})
	gs, err := st.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	gs.UpdateCheckTime = past.Format("15:04")
	if err := st.UpdateSettings(context.Background(), gs); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	swept := make(chan SweepResult, 1)
	s.sweepObserver = func(r SweepResult) { swept <- r }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue sweep did not fire")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestTargetPrefersStoredSettings(t *testing.T) {
	s, st, _ := newSchedulerHarness(t, Options{
		UpdateCheckTime: "04:00",
		TimezoneOffset:  0,
	})

	ctx := context.Background()
	gs, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	gs.UpdateCheckTime = "21:30"
	gs.TimezoneOffsetMinutes = 120
	if err := st.UpdateSettings(ctx, gs); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	targetMin, offset := s.target(ctx)
	if targetMin != 21*60+30 || offset != 120 {
		t.Errorf("target = %d, offset = %d", targetMin, offset)
	}
}

func TestAgentReleaseAnnouncedOncePerVersion(t *testing.T) {
	s, st, bus := newSchedulerHarness(t, Options{UpdateCheckTime: "04:00"})
	s.releases = func(context.Context, string, string) (*registry.AgentRelease, error) {
		return &registry.AgentRelease{Version: "2.1.0"}, nil
	}

	ctx := context.Background()
	if err := st.CreateHost(ctx, &store.Host{ID: "h1", Name: "edge", URL: "agent://x", ConnectionType: store.ConnAgent}); err != nil {
		t.Fatalf("create host: %v", err)
	}
	if _, err := st.UpsertAgent(ctx, &store.Agent{ID: "a1", HostID: "h1", EngineID: "eng-1", Version: "2.0.0"}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	var got []events.Event
	bus.Subscribe(events.TypeUpdateAvailable, func(evt events.Event) { got = append(got, evt) })

	s.checkAgentRelease(ctx)
	s.checkAgentRelease(ctx)

	if len(got) != 1 {
		t.Fatalf("announcements = %d, want 1", len(got))
	}
	if got[0].Data["release_version"] != "2.1.0" {
		t.Errorf("event data = %v", got[0].Data)
	}
}

func TestAgentReleaseNoOutdatedAgents(t *testing.T) {
	s, st, bus := newSchedulerHarness(t, Options{UpdateCheckTime: "04:00"})
	s.releases = func(context.Context, string, string) (*registry.AgentRelease, error) {
		return &registry.AgentRelease{Version: "2.0.0"}, nil
	}

	ctx := context.Background()
	if err := st.CreateHost(ctx, &store.Host{ID: "h1", Name: "edge", URL: "agent://x", ConnectionType: store.ConnAgent}); err != nil {
		t.Fatalf("create host: %v", err)
	}
	if _, err := st.UpsertAgent(ctx, &store.Agent{ID: "a1", HostID: "h1", EngineID: "eng-1", Version: "2.0.0"}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	var got []events.Event
	bus.Subscribe(events.TypeUpdateAvailable, func(evt events.Event) { got = append(got, evt) })

	s.checkAgentRelease(ctx)
	if len(got) != 0 {
		t.Errorf("announced with no outdated agents: %v", got)
	}
}
