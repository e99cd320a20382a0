package events

// Type is a stable string identifier for a domain event.
type Type string

const (
	TypeUpdateAvailable         Type = "update_available"
	TypeUpdateStarted           Type = "update_started"
	TypeUpdatePullCompleted     Type = "update_pull_completed"
	TypeBackupCreated           Type = "backup_created"
	TypeUpdateCompleted         Type = "update_completed"
	TypeUpdateFailed            Type = "update_failed"
	TypeUpdateSkippedValidation Type = "update_skipped_validation"
	TypeRollbackCompleted       Type = "rollback_completed"
	TypeContainerStarted        Type = "container_started"
	TypeContainerStopped        Type = "container_stopped"
	TypeContainerRestarted      Type = "container_restarted"
	TypeContainerDied           Type = "container_died"
	TypeContainerDeleted        Type = "container_deleted"
	TypeContainerHealthChanged  Type = "container_health_changed"
	TypeHostConnected           Type = "host_connected"
	TypeHostDisconnected        Type = "host_disconnected"
	TypeHostMigrated            Type = "host_migrated"
	TypeSystemStartup           Type = "system_startup"
	TypeSystemShutdown          Type = "system_shutdown"
	TypeBatchJobStarted         Type = "batch_job_started"
	TypeBatchJobCompleted       Type = "batch_job_completed"
	TypeBatchJobFailed          Type = "batch_job_failed"
)

// Category is the coarse event kind the alert engine matches event-driven
// rules against.
type Category string

const (
	CategoryStateChange   Category = "state_change"
	CategoryActionTaken   Category = "action_taken"
	CategoryConnection    Category = "connection"
	CategoryDisconnection Category = "disconnection"
	CategoryError         Category = "error"
	CategoryInfo          Category = "info"
)

var categories = map[Type]Category{
	TypeUpdateAvailable:         CategoryInfo,
	TypeUpdateStarted:           CategoryActionTaken,
	TypeUpdatePullCompleted:     CategoryActionTaken,
	TypeBackupCreated:           CategoryActionTaken,
	TypeUpdateCompleted:         CategoryActionTaken,
	TypeUpdateFailed:            CategoryError,
	TypeUpdateSkippedValidation: CategoryInfo,
	TypeRollbackCompleted:       CategoryActionTaken,
	TypeContainerStarted:        CategoryStateChange,
	TypeContainerStopped:        CategoryStateChange,
	TypeContainerRestarted:      CategoryStateChange,
	TypeContainerDied:           CategoryError,
	TypeContainerDeleted:        CategoryStateChange,
	TypeContainerHealthChanged:  CategoryStateChange,
	TypeHostConnected:           CategoryConnection,
	TypeHostDisconnected:        CategoryDisconnection,
	TypeHostMigrated:            CategoryInfo,
	TypeSystemStartup:           CategoryInfo,
	TypeSystemShutdown:          CategoryInfo,
	TypeBatchJobStarted:         CategoryActionTaken,
	TypeBatchJobCompleted:       CategoryActionTaken,
	TypeBatchJobFailed:          CategoryError,
}

// AllTypes returns every known event type. Order is unspecified.
func AllTypes() []Type {
	out := make([]Type, 0, len(categories))
	for t := range categories {
		out = append(out, t)
	}
	return out
}

// Category maps the event type to its alert-matching category. Unknown types
// fall back to info.
func (t Type) Category() Category {
	if c, ok := categories[t]; ok {
		return c
	}
	return CategoryInfo
}
