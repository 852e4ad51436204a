package monitor

import (
	"sync"
	"time"
)

// Status is the monitor's view of its own probe.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

var allStatuses = []string{string(StatusHealthy), string(StatusDegraded), string(StatusFailed)}

// probeHealth tracks consecutive failure counts for the host probe.
// A sample that fails outright counts against the probe; a sample where only
// some sensors fail counts against those sensors. Fields are protected by mu
// because the poll loop writes them while HTTP handlers read them.
type probeHealth struct {
	mu                sync.Mutex
	sampleFailures    int
	lastSampleErr     string
	lastSampleFail    time.Time
	sensorFailures    map[string]int
	lastSensorErr     string
	lastSensorFail    time.Time
	lastEmittedStatus Status
}

func newProbeHealth() *probeHealth {
	return &probeHealth{
		sensorFailures:    make(map[string]int),
		lastEmittedStatus: StatusHealthy,
	}
}

func (h *probeHealth) recordSampleSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sampleFailures = 0
	h.lastSampleErr = ""
}

func (h *probeHealth) recordSampleFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sampleFailures++
	h.lastSampleErr = err.Error()
	h.lastSampleFail = time.Now()
}

func (h *probeHealth) recordSensorSuccess(sensor string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sensorFailures, sensor)
}

func (h *probeHealth) recordSensorFailure(sensor string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sensorFailures[sensor]++
	h.lastSensorErr = sensor + ": " + err.Error()
	h.lastSensorFail = time.Now()
}

// snapshotAndEmit returns the current status and whether it changed since
// the last call that reported a change.
func (h *probeHealth) snapshotAndEmit(threshold int) (status Status, lastErr string, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status = h.statusLocked(threshold)
	changed = status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = status
	}
	return status, h.lastErrorLocked(), changed
}

func (h *probeHealth) status(threshold int) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(threshold)
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *probeHealth) statusLocked(threshold int) Status {
	if h.sampleFailures >= threshold {
		return StatusFailed
	}
	for _, failures := range h.sensorFailures {
		if failures >= threshold {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

func (h *probeHealth) lastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErrorLocked()
}

// lastErrorLocked prefers whichever failure happened more recently. Caller
// must hold h.mu.
func (h *probeHealth) lastErrorLocked() string {
	if h.lastSampleErr != "" && (h.lastSensorErr == "" || h.lastSampleFail.After(h.lastSensorFail)) {
		return h.lastSampleErr
	}
	return h.lastSensorErr
}
