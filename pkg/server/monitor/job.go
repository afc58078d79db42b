package monitor

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// maxConsecutiveErrors is the failure streak after which a job is unhealthy
const maxConsecutiveErrors = 3

// JobMonitor tracks the health of one scheduled job (rollup or retention).
type JobMonitor struct {
	name       string
	staleAfter time.Duration
	clock      quartz.Clock

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastOutcome       string
	consecutiveErrors int
	lastError         string
}

// NewJobMonitor creates a monitor that turns unhealthy when the job has not
// succeeded within staleAfter. A nil clock uses the real clock.
func NewJobMonitor(name string, staleAfter time.Duration, clock quartz.Clock) *JobMonitor {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &JobMonitor{
		name:       name,
		staleAfter: staleAfter,
		clock:      clock,
	}
}

// Name returns the job name.
func (jm *JobMonitor) Name() string {
	return jm.name
}

// RecordSuccess records a successful run with its outcome label.
func (jm *JobMonitor) RecordSuccess(outcome string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	now := jm.clock.Now()
	jm.lastSuccess = now
	jm.lastAttempt = now
	jm.lastOutcome = outcome
	jm.consecutiveErrors = 0
	jm.lastError = ""
}

// RecordFailure records a failed run.
func (jm *JobMonitor) RecordFailure(err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.lastAttempt = jm.clock.Now()
	jm.lastOutcome = "failed"
	jm.consecutiveErrors++
	if err != nil {
		jm.lastError = err.Error()
	}
}

// IsHealthy returns true if the job is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded within staleAfter
//   - More than 3 consecutive failures
func (jm *JobMonitor) IsHealthy() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.healthyLocked()
}

func (jm *JobMonitor) healthyLocked() bool {
	if jm.lastSuccess.IsZero() {
		return false
	}
	if jm.staleAfter > 0 && jm.clock.Since(jm.lastSuccess) > jm.staleAfter {
		return false
	}
	return jm.consecutiveErrors <= maxConsecutiveErrors
}

// JobStatus is the health-check view of a JobMonitor.
type JobStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastOutcome       string `json:"last_outcome,omitempty"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current job status for health checks.
func (jm *JobMonitor) Status() JobStatus {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	status := JobStatus{
		Name:        jm.name,
		Healthy:     jm.healthyLocked(),
		LastOutcome: jm.lastOutcome,
	}

	if !jm.lastSuccess.IsZero() {
		status.LastSuccess = jm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = jm.clock.Since(jm.lastSuccess).String()
	}

	if !jm.lastAttempt.IsZero() {
		status.LastAttempt = jm.lastAttempt.Format(time.RFC3339)
	}

	if jm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = jm.consecutiveErrors
		status.LastError = jm.lastError
	}

	return status
}
