package auth

// Capability names checked by the HTTP layer. Groups grant or deny these;
// the legacy roles below expand to fixed sets.
const (
	CapHostsView        = "hosts.view"
	CapHostsManage      = "hosts.manage"
	CapContainersView   = "containers.view"
	CapContainersManage = "containers.manage"
	CapUpdatesRun       = "updates.run"
	CapDeploymentsView  = "deployments.view"
	CapDeploymentsRun   = "deployments.run"
	CapBatchRun         = "batch.run"
	CapAlertsView       = "alerts.view"
	CapAlertsManage     = "alerts.manage"
	CapEventsView       = "events.view"
	CapSettingsManage   = "settings.manage"
	CapUsersManage      = "users.manage"
)

// Legacy role names. Roles survive only as shorthand for capability sets;
// real authorization is group-based.
const (
	RoleAdmin    = "admin"
	RoleUser     = "user"
	RoleReadonly = "readonly"
)

// AllCapabilities lists every defined capability.
func AllCapabilities() []string {
	return []string{
		CapHostsView, CapHostsManage,
		CapContainersView, CapContainersManage,
		CapUpdatesRun,
		CapDeploymentsView, CapDeploymentsRun,
		CapBatchRun,
		CapAlertsView, CapAlertsManage,
		CapEventsView,
		CapSettingsManage, CapUsersManage,
	}
}

var readonlyCaps = []string{
	CapHostsView, CapContainersView, CapDeploymentsView,
	CapAlertsView, CapEventsView,
}

var userCaps = append([]string{
	CapContainersManage, CapUpdatesRun, CapDeploymentsRun, CapBatchRun,
	CapAlertsManage,
}, readonlyCaps...)

// RoleCapabilities expands a legacy role into its capability set. Unknown
// roles grant nothing.
func RoleCapabilities(role string) map[string]bool {
	caps := make(map[string]bool)
	var names []string
	switch role {
	case RoleAdmin:
		names = AllCapabilities()
	case RoleUser:
		names = userCaps
	case RoleReadonly:
		names = readonlyCaps
	}
	for _, c := range names {
		caps[c] = true
	}
	return caps
}
