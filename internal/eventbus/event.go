package eventbus

import (
	"encoding/json"
	"time"
)

// EventType is the runner's tagged-union discriminant. The set is closed —
// every emission site in internal/runner uses one of these constants.
type EventType string

const (
	EventTaskStarted     EventType = "task_started"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventTaskCancelled   EventType = "task_cancelled"
	EventPollComplete    EventType = "poll_complete"
	EventStateSaved      EventType = "state_saved"
	EventProjectPaused   EventType = "project_paused"
	EventProjectResumed  EventType = "project_resumed"
	EventAllPaused       EventType = "all_paused"
	EventAllResumed      EventType = "all_resumed"
	EventShutdown        EventType = "shutdown"
)

// RunnerEvent is the ephemeral notification fanned out to UI/logging
// collaborators. Data carries type-specific fields (task id, counts,
// reason); it is deliberately a loose map rather than N structs so new
// fields don't require a bus-wide schema change.
type RunnerEvent struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	ProjectID string                 `json:"project_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates a RunnerEvent stamped with the current time.
func NewEvent(eventType EventType, projectID, taskID string, data map[string]interface{}) *RunnerEvent {
	return &RunnerEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
		TaskID:    taskID,
		Data:      data,
	}
}

func (e *RunnerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (*RunnerEvent, error) {
	var event RunnerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
