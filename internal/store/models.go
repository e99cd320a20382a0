package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Host connection types.
const (
	ConnLocal  = "local"
	ConnRemote = "remote"
	ConnAgent  = "agent"
)

// Host is a Docker/Podman engine under management.
type Host struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	URL              string          `json:"url"`
	ConnectionType   string          `json:"connection_type"`
	EngineID         string          `json:"engine_id,omitempty"`
	ReplacedByHostID string          `json:"replaced_by_host_id,omitempty"`
	TLSMaterial      json.RawMessage `json:"tls_material,omitempty"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Agent lifecycle states.
const (
	AgentOnline   = "online"
	AgentOffline  = "offline"
	AgentDegraded = "degraded"
)

// Agent is a registered remote agent, keyed 1:1 to its host.
type Agent struct {
	ID           string    `json:"id"`
	HostID       string    `json:"host_id"`
	EngineID     string    `json:"engine_id"`
	Version      string    `json:"version"`
	ProtoVersion int       `json:"proto_version"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	OS           string    `json:"agent_os"`
	Arch         string    `json:"agent_arch"`
	CreatedAt    time.Time `json:"created_at"`
}

// RegistrationToken is a single-use agent enrollment token.
type RegistrationToken struct {
	Token     string     `json:"token"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// AlertRule severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AlertRule drives metric-window or event-driven alerting. A rule is
// metric-driven iff Metric is non-empty.
type AlertRule struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Scope             string            `json:"scope"` // host, container, group
	Kind              string            `json:"kind"`
	Severity          string            `json:"severity"`
	Enabled           bool              `json:"enabled"`
	Metric            string            `json:"metric,omitempty"`
	Operator          string            `json:"operator,omitempty"`
	Threshold         *float64          `json:"threshold,omitempty"`
	ClearThreshold    *float64          `json:"clear_threshold,omitempty"`
	DurationSeconds   int               `json:"duration_seconds"`
	ClearDurationSecs int               `json:"clear_duration_seconds"`
	Occurrences       int               `json:"occurrences"`
	GraceSeconds      int               `json:"grace_seconds"`
	CooldownSeconds   int               `json:"cooldown_seconds"`
	HostSelector      string            `json:"host_selector,omitempty"`
	ContainerSelector string            `json:"container_selector,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	NotifyChannels    []int64           `json:"notify_channels,omitempty"`
	DependsOn         []string          `json:"depends_on,omitempty"`
	Version           int               `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Alert states.
const (
	AlertOpen     = "open"
	AlertClearing = "clearing"
	AlertResolved = "resolved"
)

// Alert is a fired rule instance, deduplicated by DedupKey.
type Alert struct {
	ID             string          `json:"id"`
	DedupKey       string          `json:"dedup_key"`
	RuleID         string          `json:"rule_id"`
	RuleVersion    int             `json:"rule_version"`
	ScopeType      string          `json:"scope_type"`
	ScopeID        string          `json:"scope_id"`
	HostID         string          `json:"host_id,omitempty"`
	Kind           string          `json:"kind"`
	Severity       string          `json:"severity"`
	State          string          `json:"state"`
	FirstSeen      time.Time       `json:"first_seen"`
	LastSeen       time.Time       `json:"last_seen"`
	Occurrences    int             `json:"occurrences"`
	CurrentValue   *float64        `json:"current_value,omitempty"`
	Threshold      *float64        `json:"threshold,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedReason string          `json:"resolved_reason,omitempty"`
	RuleSnapshot   json.RawMessage `json:"rule_snapshot,omitempty"`
	LastNotifiedAt *time.Time      `json:"last_notified_at,omitempty"`
}

// RuleEvaluation is one persisted evaluation record.
type RuleEvaluation struct {
	RuleID   string    `json:"rule_id"`
	ScopeID  string    `json:"scope_id"`
	Value    float64   `json:"value"`
	Breached bool      `json:"breached"`
	At       time.Time `json:"at"`
}

// Floating tag modes.
const (
	TagExact  = "exact"
	TagMinor  = "minor"
	TagMajor  = "major"
	TagLatest = "latest"
)

// ContainerUpdate tracks update availability for one container. ContainerID
// is the composite {host_id}:{short_id}.
type ContainerUpdate struct {
	ContainerID     string    `json:"container_id"`
	HostID          string    `json:"host_id"`
	CurrentImage    string    `json:"current_image"`
	CurrentDigest   string    `json:"current_digest"`
	LatestImage     string    `json:"latest_image"`
	LatestDigest    string    `json:"latest_digest"`
	UpdateAvailable bool      `json:"update_available"`
	FloatingTagMode string    `json:"floating_tag_mode"`
	RegistryURL     string    `json:"registry_url,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	LastCheckedAt   time.Time `json:"last_checked_at"`
}

// Deployment statuses.
const (
	DeployPlanning         = "planning"
	DeployPending          = "pending"
	DeployPullingImage     = "pulling_image"
	DeployExecuting        = "executing"
	DeployWaitingForHealth = "waiting_for_health"
	DeployCompleted        = "completed"
	DeployFailed           = "failed"
	DeployRolledBack       = "rolled_back"
)

// DeletableDeploymentStatus reports whether a deployment in this status may
// be deleted. Terminal states plus planning (nothing executed yet).
func DeletableDeploymentStatus(status string) bool {
	switch status {
	case DeployCompleted, DeployFailed, DeployRolledBack, DeployPlanning:
		return true
	}
	return false
}

// Deployment is a container or stack rollout. ID is {host_id}:{short_id}.
type Deployment struct {
	ID                string          `json:"id"`
	HostID            string          `json:"host_id"`
	DeploymentType    string          `json:"deployment_type"` // container, stack
	Name              string          `json:"name"`
	Status            string          `json:"status"`
	Definition        json.RawMessage `json:"definition"`
	ProgressPercent   int             `json:"progress_percent"`
	CurrentStage      string          `json:"current_stage,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Committed         bool            `json:"committed"`
	RollbackOnFailure bool            `json:"rollback_on_failure"`
	CreatedAt         time.Time       `json:"created_at"`
}

// NotificationChannel holds a configured notification target. Config is the
// variant-specific settings document for Type.
type NotificationChannel struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Config  json.RawMessage `json:"config"`
	Enabled bool            `json:"enabled"`
}

// User is a local account. Password material is managed externally.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Groups       []string  `json:"groups"`
	CreatedAt    time.Time `json:"created_at"`
}

// Group is a named set of capability grants.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GroupPermission is one (capability, allowed) pair for a group.
type GroupPermission struct {
	GroupID    string `json:"group_id"`
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
}

// APIKey is a bearer credential. Only the 20-char prefix and the SHA-256
// hash of the full key are stored.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	Hash      string     `json:"-"`
	Groups    []string   `json:"groups"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// OIDCConfig is the singleton identity-provider configuration. The client
// secret is stored encrypted by the vault.
type OIDCConfig struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	Enabled      bool   `json:"enabled"`
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Who        string    `json:"who"`
	When       time.Time `json:"when"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// GlobalSettings is the singleton settings row (id=1).
type GlobalSettings struct {
	AppVersion               string `json:"app_version"`
	TimezoneOffsetMinutes    int    `json:"timezone_offset_minutes"`
	DefaultHealthTimeoutSecs int    `json:"default_health_timeout_seconds"`
	UpdateCheckTime          string `json:"update_check_time"`
	EventSuppressionPatterns string `json:"event_suppression_patterns,omitempty"`
	AlertRetentionDays       int    `json:"alert_retention_days"`
	EventRetentionDays       int    `json:"event_retention_days"`
}

// SuppressionPatterns splits the stored comma/newline-separated pattern list.
func (gs *GlobalSettings) SuppressionPatterns() []string {
	var out []string
	for _, p := range strings.FieldsFunc(gs.EventSuppressionPatterns, func(r rune) bool {
		return r == ',' || r == '\n'
	}) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EventRow is one persisted event-log record.
type EventRow struct {
	ID            int64     `json:"id"`
	Type          string    `json:"type"`
	HostID        string    `json:"host_id,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	ContainerName string    `json:"container_name,omitempty"`
	Severity      string    `json:"severity,omitempty"`
	Title         string    `json:"title,omitempty"`
	Message       string    `json:"message,omitempty"`
	Data          string    `json:"data,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
