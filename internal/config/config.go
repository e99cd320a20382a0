package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all DockMon configuration from environment variables.
type Config struct {
	// HTTP / WebSocket listeners
	ListenAddr   string
	ExternalURL  string // public base URL, used for OIDC redirects
	CookieSecure bool   // mark session/CSRF cookies Secure

	// Docker connection for the local engine
	DockerSock string

	// Storage
	DBPath    string // sqlite database
	CachePath string // bbolt blob cache (snapshots, rate limits)

	// Credential vault
	VaultKey string // passphrase for at-rest secret encryption

	// Agent coordination
	HeartbeatInterval time.Duration // expected agent ping cadence
	OfflineGrace      time.Duration // socket loss -> offline after this
	CommandTimeout    time.Duration // default execute_command timeout
	CommandMaxAge     time.Duration // sweeper hard limit for pending commands
	SelfUpdateWindow  time.Duration // reconnect deadline after self_update

	// Update / deployment execution
	StopTimeout    time.Duration // container stop grace
	HealthTimeout  time.Duration // default health gate per container
	StabilityWait  time.Duration // no-healthcheck stability window
	PerHostWorkers int           // batch job concurrency cap per host

	// Scheduler
	UpdateCheckTime  string // "HH:MM" wall-clock target for update sweeps
	TimezoneOffset   int    // minutes east of UTC for wall-clock targets
	MinSleep         time.Duration
	AlertRetainDays  int // purge resolved alerts older than this
	EventRetainDays  int // purge cached events older than this

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:        envStr("DOCKMON_LISTEN_ADDR", ":8080"),
		ExternalURL:       envStr("DOCKMON_EXTERNAL_URL", ""),
		CookieSecure:      envBool("DOCKMON_COOKIE_SECURE", true),
		DockerSock:        envStr("DOCKMON_DOCKER_SOCK", "/var/run/docker.sock"),
		DBPath:            envStr("DOCKMON_DB_PATH", "/data/dockmon.db"),
		CachePath:         envStr("DOCKMON_CACHE_PATH", "/data/dockmon-cache.db"),
		VaultKey:          envStr("DOCKMON_VAULT_KEY", ""),
		HeartbeatInterval: envDuration("DOCKMON_HEARTBEAT_INTERVAL", 30*time.Second),
		OfflineGrace:      envDuration("DOCKMON_OFFLINE_GRACE", 30*time.Second),
		CommandTimeout:    envDuration("DOCKMON_COMMAND_TIMEOUT", 60*time.Second),
		CommandMaxAge:     envDuration("DOCKMON_COMMAND_MAX_AGE", 10*time.Minute),
		SelfUpdateWindow:  envDuration("DOCKMON_SELF_UPDATE_WINDOW", 5*time.Minute),
		StopTimeout:       envDuration("DOCKMON_STOP_TIMEOUT", 30*time.Second),
		HealthTimeout:     envDuration("DOCKMON_HEALTH_TIMEOUT", 60*time.Second),
		StabilityWait:     envDuration("DOCKMON_STABILITY_WAIT", 3*time.Second),
		PerHostWorkers:    envInt("DOCKMON_PER_HOST_WORKERS", 5),
		UpdateCheckTime:   envStr("DOCKMON_UPDATE_CHECK_TIME", "04:00"),
		TimezoneOffset:    envInt("DOCKMON_TZ_OFFSET_MINUTES", 0),
		MinSleep:          envDuration("DOCKMON_SCHED_MIN_SLEEP", 60*time.Second),
		AlertRetainDays:   envInt("DOCKMON_ALERT_RETAIN_DAYS", 30),
		EventRetainDays:   envInt("DOCKMON_EVENT_RETAIN_DAYS", 14),
		LogJSON:           envBool("DOCKMON_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DOCKMON_COMMAND_TIMEOUT must be > 0, got %s", c.CommandTimeout))
	}
	if c.PerHostWorkers < 1 {
		errs = append(errs, fmt.Errorf("DOCKMON_PER_HOST_WORKERS must be >= 1, got %d", c.PerHostWorkers))
	}
	if _, err := ParseClockTime(c.UpdateCheckTime); err != nil {
		errs = append(errs, fmt.Errorf("DOCKMON_UPDATE_CHECK_TIME: %w", err))
	}
	if c.TimezoneOffset < -12*60 || c.TimezoneOffset > 14*60 {
		errs = append(errs, fmt.Errorf("DOCKMON_TZ_OFFSET_MINUTES out of range, got %d", c.TimezoneOffset))
	}
	return errors.Join(errs...)
}

// ParseClockTime parses an "HH:MM" wall-clock string into minutes after midnight.
func ParseClockTime(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
