package progress

import "github.com/kiranshivaraju/leadscout/pkg/models"

type EventType string

const (
	EventReady     EventType = "ready"
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is what subscribers receive. Every event carries the full snapshot.
type Event struct {
	Type     EventType       `json:"type"`
	Snapshot models.Snapshot `json:"snapshot"`
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventFailed, EventCancelled:
		return true
	}
	return false
}

func terminalEvent(status string) EventType {
	switch status {
	case models.JobStatusComplete:
		return EventComplete
	case models.JobStatusFailed:
		return EventFailed
	case models.JobStatusCancelled:
		return EventCancelled
	}
	return EventProgress
}
