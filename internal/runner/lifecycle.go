package runner

import (
	"fmt"
	"strings"
	"time"
)

// EventType labels run lifecycle notifications emitted to audit/event
// surfaces, generalized from the job scheduler's own lifecycle event enum.
type EventType string

const (
	EventAssigned      EventType = "run.assigned"
	EventHeartbeat     EventType = "run.heartbeat"
	EventFinished      EventType = "run.finished"
	EventTimedOut      EventType = "run.timed_out"
	EventKilled        EventType = "run.killed"
	EventAlreadyFinished EventType = "run.already_finished"
)

// LifecycleEvent carries run correlation metadata for audit consumers.
type LifecycleEvent struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	LogID      string    `json:"log_id,omitempty"`
	Codebase   string    `json:"codebase,omitempty"`
	Campaign   string    `json:"campaign,omitempty"`
	Worker     string    `json:"worker,omitempty"`
	ResultCode string    `json:"result_code,omitempty"`
}

// Summary returns a human-readable lifecycle summary.
func (e LifecycleEvent) Summary() string {
	target := strings.TrimSpace(e.LogID)
	if target == "" {
		target = "unknown"
	}
	switch e.Type {
	case EventAssigned:
		return fmt.Sprintf("run assigned: %s -> %s", target, e.Worker)
	case EventHeartbeat:
		return fmt.Sprintf("run heartbeat: %s", target)
	case EventFinished:
		return fmt.Sprintf("run finished: %s (%s)", target, e.ResultCode)
	case EventTimedOut:
		return fmt.Sprintf("run timed out: %s", target)
	case EventKilled:
		return fmt.Sprintf("run killed: %s", target)
	case EventAlreadyFinished:
		return fmt.Sprintf("duplicate finish ignored: %s", target)
	default:
		return fmt.Sprintf("run event: %s", target)
	}
}

// LifecycleObserver receives lifecycle events as they occur.
type LifecycleObserver interface {
	ObserveRunLifecycleEvent(event LifecycleEvent)
}

// LifecycleObserverFunc adapts a function into a LifecycleObserver.
type LifecycleObserverFunc func(event LifecycleEvent)

// ObserveRunLifecycleEvent implements LifecycleObserver.
func (fn LifecycleObserverFunc) ObserveRunLifecycleEvent(event LifecycleEvent) {
	if fn != nil {
		fn(event)
	}
}

type noopLifecycleObserver struct{}

func (noopLifecycleObserver) ObserveRunLifecycleEvent(_ LifecycleEvent) {}
