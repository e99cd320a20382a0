package docker

// Debounced health states.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

const (
	defaultFailureThreshold = 3
	defaultSuccessThreshold = 2
)

// HealthDebouncer applies consecutive-count hysteresis to a stream of
// health probe results. A container flips to unhealthy only after
// failureThreshold consecutive failed probes, and back to healthy only
// after successThreshold consecutive successes, so a single flaky probe
// in either direction never flips the state.
type HealthDebouncer struct {
	failureThreshold int
	successThreshold int

	status               string
	consecutiveFailures  int
	consecutiveSuccesses int
}

// NewHealthDebouncer creates a debouncer starting in the healthy state.
// Thresholds below 1 fall back to the defaults (3 failures, 2 successes).
func NewHealthDebouncer(failureThreshold, successThreshold int) *HealthDebouncer {
	if failureThreshold < 1 {
		failureThreshold = defaultFailureThreshold
	}
	if successThreshold < 1 {
		successThreshold = defaultSuccessThreshold
	}
	return &HealthDebouncer{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		status:           HealthHealthy,
	}
}

// Observe records one probe result and returns the current status and
// whether this probe flipped it.
func (d *HealthDebouncer) Observe(success bool) (status string, changed bool) {
	if success {
		d.consecutiveFailures = 0
		d.consecutiveSuccesses++
		if d.status == HealthUnhealthy && d.consecutiveSuccesses >= d.successThreshold {
			d.status = HealthHealthy
			return d.status, true
		}
		return d.status, false
	}

	d.consecutiveSuccesses = 0
	d.consecutiveFailures++
	if d.status == HealthHealthy && d.consecutiveFailures >= d.failureThreshold {
		d.status = HealthUnhealthy
		return d.status, true
	}
	return d.status, false
}

// Status returns the current debounced state.
func (d *HealthDebouncer) Status() string { return d.status }

// ConsecutiveSuccesses returns the current success streak.
func (d *HealthDebouncer) ConsecutiveSuccesses() int { return d.consecutiveSuccesses }

// ConsecutiveFailures returns the current failure streak.
func (d *HealthDebouncer) ConsecutiveFailures() int { return d.consecutiveFailures }
