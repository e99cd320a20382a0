package sched

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
)

// Cron expressions for the interval jobs. The wall-clock update sweep runs
// outside cron so the user-facing HH:MM target honors the stored timezone
// offset.
const (
	cronPurgeAlerts  = "15 3 * * *"
	cronPurgeEvents  = "45 3 * * *"
	cronAgentRelease = "@every 6h"
)

// Options carries the scheduler defaults from config. Stored settings
// override the target time and offset at each iteration.
type Options struct {
	UpdateCheckTime string
	TimezoneOffset  int
	MinSleep        time.Duration
	AlertRetainDays int
	EventRetainDays int
}

func (o *Options) applyDefaults() {
	if o.UpdateCheckTime == "" {
		o.UpdateCheckTime = "04:00"
	}
	if o.MinSleep <= 0 {
		o.MinSleep = time.Minute
	}
	if o.AlertRetainDays <= 0 {
		o.AlertRetainDays = 30
	}
	if o.EventRetainDays <= 0 {
		o.EventRetainDays = 14
	}
}

// Scheduler drives the periodic jobs: daily update sweep at the configured
// wall-clock target, agent release checks, and retention purges.
type Scheduler struct {
	st      *store.Store
	sweeper *Sweeper
	bus     *events.Bus
	log     *logging.Logger
	clk     clock.Clock
	opts    Options

	releases func(ctx context.Context, agentOS, agentArch string) (*registry.AgentRelease, error)

	mu            sync.Mutex
	lastSweep     time.Time
	announcedVer  string
	sweepObserver func(SweepResult)
}

// New creates a Scheduler.
func New(st *store.Store, sweeper *Sweeper, bus *events.Bus, log *logging.Logger, clk clock.Clock, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		st:       st,
		sweeper:  sweeper,
		bus:      bus,
		log:      log.With("component", "sched"),
		clk:      clk,
		opts:     opts,
		releases: registry.LatestAgentRelease,
	}
}

// Run blocks until ctx is cancelled, firing jobs as they come due.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(cronPurgeAlerts, func() { s.purgeAlerts(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(cronPurgeEvents, func() { s.purgeEvents(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(cronAgentRelease, func() { s.checkAgentRelease(ctx) }); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	for {
		targetMin, offset := s.target(ctx)
		now := s.clk.Now()

		s.mu.Lock()
		last := s.lastSweep
		s.mu.Unlock()

		next := NextOccurrence(targetMin, offset, last, now)
		if !next.After(now) {
			result := s.sweeper.Sweep(ctx)
			s.mu.Lock()
			s.lastSweep = next
			observer := s.sweepObserver
			s.mu.Unlock()
			if observer != nil {
				observer(result)
			}
			continue
		}

		select {
		case <-s.clk.After(SleepUntil(next, now, s.opts.MinSleep)):
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		}
	}
}

// TriggerSweep runs an immediate update sweep outside the daily schedule.
func (s *Scheduler) TriggerSweep(ctx context.Context) SweepResult {
	return s.sweeper.Sweep(ctx)
}

// target reads the sweep target from stored settings, falling back to the
// configured defaults when unset or unparsable.
func (s *Scheduler) target(ctx context.Context) (targetMinutes, offsetMinutes int) {
	targetMinutes, _ = config.ParseClockTime(s.opts.UpdateCheckTime)
	offsetMinutes = s.opts.TimezoneOffset

	gs, err := s.st.GetSettings(ctx)
	if err != nil {
		return targetMinutes, offsetMinutes
	}
	if gs.UpdateCheckTime != "" {
		if m, err := config.ParseClockTime(gs.UpdateCheckTime); err == nil {
			targetMinutes = m
		}
	}
	offsetMinutes = gs.TimezoneOffsetMinutes
	return targetMinutes, offsetMinutes
}

func (s *Scheduler) purgeAlerts(ctx context.Context) {
	days := s.opts.AlertRetainDays
	if gs, err := s.st.GetSettings(ctx); err == nil && gs.AlertRetentionDays > 0 {
		days = gs.AlertRetentionDays
	}
	cutoff := s.clk.Now().AddDate(0, 0, -days)

	alerts, err := s.st.PurgeResolvedAlertsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("alert purge failed", "error", err)
		return
	}
	evals, err := s.st.PurgeRuleEvaluationsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("evaluation purge failed", "error", err)
		return
	}
	s.log.Info("alert retention purge", "alerts", alerts, "evaluations", evals, "cutoff", cutoff)
}

func (s *Scheduler) purgeEvents(ctx context.Context) {
	days := s.opts.EventRetainDays
	if gs, err := s.st.GetSettings(ctx); err == nil && gs.EventRetentionDays > 0 {
		days = gs.EventRetentionDays
	}
	cutoff := s.clk.Now().AddDate(0, 0, -days)

	n, err := s.st.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("event purge failed", "error", err)
		return
	}
	s.log.Info("event retention purge", "events", n, "cutoff", cutoff)
}

// checkAgentRelease announces a newer agent binary at most once per version.
func (s *Scheduler) checkAgentRelease(ctx context.Context) {
	rel, err := s.releases(ctx, "linux", "amd64")
	if err != nil {
		s.log.Warn("agent release check failed", "error", err)
		return
	}

	s.mu.Lock()
	announced := s.announcedVer == rel.Version
	s.mu.Unlock()
	if announced {
		return
	}

	agents, err := s.st.ListAgents(ctx)
	if err != nil {
		s.log.Error("list agents failed", "error", err)
		return
	}

	var outdated []string
	for _, a := range agents {
		if a.Version != "" && a.Version != rel.Version {
			outdated = append(outdated, a.ID)
		}
	}
	if len(outdated) == 0 {
		return
	}

	s.mu.Lock()
	s.announcedVer = rel.Version
	s.mu.Unlock()

	s.bus.Emit(ctx, events.Event{
		Type:     events.TypeUpdateAvailable,
		Severity: "info",
		Title:    "Agent update available",
		Message:  "agent release " + rel.Version,
		Data: map[string]any{
			"release_version": rel.Version,
			"agents":          outdated,
		},
	})
}
