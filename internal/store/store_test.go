package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/logging"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logging.New(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHostCRUDAndMigration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := &Host{ID: "h-old", Name: "nas", URL: "tcp://10.0.0.2:2376", ConnectionType: ConnRemote, EngineID: "E1"}
	if err := s.CreateHost(ctx, old); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	if err := s.CreateHost(ctx, &Host{ID: "h-dup", Name: "nas", URL: "x", ConnectionType: ConnRemote}); !errors.Is(err, derr.ErrConflict) {
		t.Errorf("duplicate name: err = %v, want ErrConflict", err)
	}

	got, err := s.GetHostByEngineID(ctx, "E1")
	if err != nil {
		t.Fatalf("GetHostByEngineID: %v", err)
	}
	if got.ID != "h-old" {
		t.Errorf("engine lookup got %s, want h-old", got.ID)
	}

	// Container settings keyed on the old host must be re-keyed on migration.
	if err := s.UpsertContainerUpdate(ctx, &ContainerUpdate{
		ContainerID: "h-old:abc123", HostID: "h-old", CurrentImage: "nginx:1.25", LastCheckedAt: time.Now(),
	}); err != nil {
		t.Fatalf("UpsertContainerUpdate: %v", err)
	}

	nu := &Host{ID: "h-new", Name: "nas-agent", URL: "", ConnectionType: ConnAgent, EngineID: "E1"}
	// Old row is still live with E1, so insert new host first without conflict
	// (engine_id is unique among live hosts, enforced by migration ordering).
	if err := s.CreateHost(ctx, nu); err != nil {
		t.Fatalf("CreateHost new: %v", err)
	}
	if err := s.MigrateHost(ctx, "h-old", "h-new"); err != nil {
		t.Fatalf("MigrateHost: %v", err)
	}
	if err := s.MigrateHost(ctx, "h-old", "h-new"); !errors.Is(err, derr.ErrConflict) {
		t.Errorf("second migration: err = %v, want ErrConflict", err)
	}

	if _, err := s.GetContainerUpdate(ctx, "h-old:abc123"); !errors.Is(err, derr.ErrNotFound) {
		t.Errorf("old composite key still resolves after migration")
	}
	cu, err := s.GetContainerUpdate(ctx, "h-new:abc123")
	if err != nil {
		t.Fatalf("re-keyed setting not found: %v", err)
	}
	if cu.HostID != "h-new" {
		t.Errorf("re-keyed HostID = %s, want h-new", cu.HostID)
	}

	// Migrated-away hosts drop out of engine lookup and listings.
	live, err := s.GetHostByEngineID(ctx, "E1")
	if err != nil {
		t.Fatalf("GetHostByEngineID after migration: %v", err)
	}
	if live.ID != "h-new" {
		t.Errorf("live host for E1 = %s, want h-new", live.ID)
	}
	hosts, err := s.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].ID != "h-new" {
		t.Errorf("ListHosts = %d hosts, want only h-new", len(hosts))
	}
}

func TestRegistrationTokenSingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tok := &RegistrationToken{Token: "tok-1", CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute)}
	if err := s.CreateRegistrationToken(ctx, tok); err != nil {
		t.Fatalf("CreateRegistrationToken: %v", err)
	}

	if err := s.ConsumeRegistrationToken(ctx, "tok-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := s.ConsumeRegistrationToken(ctx, "tok-1", now.Add(2*time.Minute)); !errors.Is(err, derr.ErrConflict) {
		t.Errorf("second consume: err = %v, want ErrConflict", err)
	}
	if err := s.ConsumeRegistrationToken(ctx, "missing", now); !errors.Is(err, derr.ErrNotFound) {
		t.Errorf("unknown token: err = %v, want ErrNotFound", err)
	}

	expired := &RegistrationToken{Token: "tok-2", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-45 * time.Minute)}
	if err := s.CreateRegistrationToken(ctx, expired); err != nil {
		t.Fatalf("CreateRegistrationToken expired: %v", err)
	}
	if err := s.ConsumeRegistrationToken(ctx, "tok-2", now); !errors.Is(err, derr.ErrConflict) {
		t.Errorf("expired token: err = %v, want ErrConflict", err)
	}
}

func TestAlertDedupLookup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := &Alert{
		ID: "a1", DedupKey: "r1|cpu|container:h1:abc", RuleID: "r1", RuleVersion: 1,
		ScopeType: "container", ScopeID: "h1:abc", Kind: "cpu", Severity: SeverityWarning,
		State: AlertOpen, FirstSeen: now, LastSeen: now, Occurrences: 1,
	}
	if err := s.CreateAlert(ctx, a); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	got, err := s.GetActiveAlertByDedupKey(ctx, a.DedupKey)
	if err != nil {
		t.Fatalf("GetActiveAlertByDedupKey: %v", err)
	}
	if got.ID != "a1" {
		t.Errorf("dedup lookup got %s, want a1", got.ID)
	}

	resolvedAt := now.Add(time.Minute)
	got.State = AlertResolved
	got.ResolvedAt = &resolvedAt
	got.ResolvedReason = "condition cleared"
	if err := s.UpdateAlert(ctx, got); err != nil {
		t.Fatalf("UpdateAlert: %v", err)
	}
	if _, err := s.GetActiveAlertByDedupKey(ctx, a.DedupKey); !errors.Is(err, derr.ErrNotFound) {
		t.Errorf("resolved alert still active: err = %v", err)
	}

	n, err := s.PurgeResolvedAlertsBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeResolvedAlertsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d alerts, want 1", n)
	}
}

func TestDeploymentDeletionGating(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := &Deployment{ID: "h1:dep1", HostID: "h1", DeploymentType: "stack", Name: "web", Status: DeployExecuting}
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	if err := s.DeleteDeployment(ctx, "h1:dep1"); !errors.Is(err, derr.ErrConflict) {
		t.Errorf("delete while executing: err = %v, want ErrConflict", err)
	}

	if err := s.FinishDeployment(ctx, "h1:dep1", DeployCompleted, "", true, time.Now()); err != nil {
		t.Fatalf("FinishDeployment: %v", err)
	}
	got, err := s.GetDeployment(ctx, "h1:dep1")
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.ProgressPercent != 100 {
		t.Errorf("completed deployment progress = %d, want 100", got.ProgressPercent)
	}
	if err := s.DeleteDeployment(ctx, "h1:dep1"); err != nil {
		t.Errorf("delete completed: %v", err)
	}

	p := &Deployment{ID: "h1:dep2", HostID: "h1", DeploymentType: "container", Name: "db", Status: DeployPlanning}
	if err := s.CreateDeployment(ctx, p); err != nil {
		t.Fatalf("CreateDeployment planning: %v", err)
	}
	if err := s.DeleteDeployment(ctx, "h1:dep2"); err != nil {
		t.Errorf("delete in planning: %v", err)
	}
}

func TestAPIKeyRevokeIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	k := &APIKey{ID: "k1", Name: "ci", Prefix: "dockmon_AAAABBBBCCCC", Hash: "deadbeef", Groups: []string{"ops"}}
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	changed, err := s.RevokeAPIKey(ctx, "k1", time.Now())
	if err != nil || !changed {
		t.Fatalf("first revoke: changed=%v err=%v", changed, err)
	}
	changed, err = s.RevokeAPIKey(ctx, "k1", time.Now())
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if changed {
		t.Error("second revoke reported a state change")
	}
	if _, err := s.RevokeAPIKey(ctx, "nope", time.Now()); !errors.Is(err, derr.ErrNotFound) {
		t.Errorf("revoke unknown: err = %v, want ErrNotFound", err)
	}
}

func TestGroupCapabilityMerge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, g := range []Group{{ID: "g1", Name: "ops"}, {ID: "g2", Name: "restricted"}} {
		if err := s.CreateGroup(ctx, &g); err != nil {
			t.Fatalf("CreateGroup: %v", err)
		}
	}
	must := func(err error) {
		if err != nil {
			t.Fatalf("SetGroupPermission: %v", err)
		}
	}
	must(s.SetGroupPermission(ctx, "g1", "containers.update", true))
	must(s.SetGroupPermission(ctx, "g1", "hosts.delete", true))
	must(s.SetGroupPermission(ctx, "g2", "hosts.delete", false))

	caps, err := s.GroupCapabilities(ctx, []string{"g1", "g2"})
	if err != nil {
		t.Fatalf("GroupCapabilities: %v", err)
	}
	if !caps["containers.update"] {
		t.Error("containers.update not granted")
	}
	if caps["hosts.delete"] {
		t.Error("hosts.delete granted despite explicit deny")
	}
}

func TestSettingsSingleton(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	gs, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if gs.DefaultHealthTimeoutSecs != 60 {
		t.Errorf("default health timeout = %d, want 60", gs.DefaultHealthTimeoutSecs)
	}

	gs.TimezoneOffsetMinutes = -300
	gs.UpdateCheckTime = "02:30"
	if err := s.UpdateSettings(ctx, gs); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings after update: %v", err)
	}
	if got.TimezoneOffsetMinutes != -300 || got.UpdateCheckTime != "02:30" {
		t.Errorf("settings round trip = %+v", got)
	}
}
