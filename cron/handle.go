package cron

import (
	"sync"
	"time"
)

// ScheduleStatus reports the state of a scheduled job.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	// ScheduleStatusFailed marks the last run as failed; the job stays scheduled.
	ScheduleStatusFailed   ScheduleStatus = "failed"
	ScheduleStatusCanceled ScheduleStatus = "canceled"
	ScheduleStatusStopped  ScheduleStatus = "stopped"
)

func (s ScheduleStatus) terminal() bool {
	return s == ScheduleStatusCanceled || s == ScheduleStatusStopped
}

// Handle controls one scheduled job.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	// Err is the error of the last run, nil after a success.
	Err() error
	// Done is closed once the job is canceled or its scheduler stopped.
	Done() <-chan struct{}
	// Runs counts finished runs, successful or not.
	Runs() int
	LastRun() time.Time
}

type jobHandle struct {
	scheduler *Scheduler
	key       int64
	entryID   int
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	status  ScheduleStatus
	err     error
	runs    int
	lastRun time.Time
}

func (h *jobHandle) Cancel() {
	if h == nil {
		return
	}
	if h.scheduler != nil {
		h.scheduler.removeHandle(h.key)
	}
	h.finish(ScheduleStatusCanceled)
}

func (h *jobHandle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Done() <-chan struct{} {
	return h.done
}

func (h *jobHandle) Runs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *jobHandle) LastRun() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRun
}

// begin marks a run as started; it reports false once the job is terminal.
func (h *jobHandle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.terminal() {
		return false
	}
	h.status = ScheduleStatusRunning
	return true
}

// end records the outcome of a run without leaving a terminal state.
func (h *jobHandle) end(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	h.lastRun = at
	h.err = err
	if h.status.terminal() {
		return
	}
	if err != nil {
		h.status = ScheduleStatusFailed
		return
	}
	h.status = ScheduleStatusIdle
}

func (h *jobHandle) finish(status ScheduleStatus) {
	h.mu.Lock()
	if !h.status.terminal() {
		h.status = status
	}
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.done) })
}
