package collab

import (
	"time"

	"collabnote/backend/internal/crdt"
)

const EventUpdateApplied = "UPDATE_APPLIED"

// DocUpdateEvent is published after a live update merges into a session's document.
type DocUpdateEvent struct {
	EventType   string           `json:"eventType"` // always "UPDATE_APPLIED"
	DocID       string           `json:"docId"`
	ClientID    string           `json:"clientId"`
	OpCount     int              `json:"opCount"`
	Version     uint64           `json:"version"`
	StateVector crdt.StateVector `json:"stateVector"`
	Update      crdt.Update      `json:"update"`
	AppliedAt   time.Time        `json:"appliedAt"`
}
