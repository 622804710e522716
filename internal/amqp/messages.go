package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names what happened to a cycle.
type EventType string

const (
	EventTotalsRefreshed  EventType = "cycle.totals_refreshed"
	EventReadyForShareOut EventType = "cycle.ready_for_shareout"
	EventCalculated       EventType = "cycle.calculated"
	EventApproved         EventType = "cycle.approved"
	EventPaidOut          EventType = "cycle.paid_out"
	EventCancelled        EventType = "cycle.cancelled"
	EventArchived         EventType = "cycle.archived"
)

// CycleEvent is a lightweight notification; consumers load the cycle itself
// from the database by id.
type CycleEvent struct {
	Type      EventType `json:"type"`
	CycleID   int64     `json:"cycle_id"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func NewCycleEvent(t EventType, cycleID int64, status string, version int64) *CycleEvent {
	return &CycleEvent{
		Type:      t,
		CycleID:   cycleID,
		Status:    status,
		Version:   version,
		Timestamp: time.Now(),
	}
}

func (m *CycleEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// CycleEventFromJSON decodes and sanity-checks a delivery body.
func CycleEventFromJSON(data []byte) (*CycleEvent, error) {
	var msg CycleEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" || msg.CycleID <= 0 {
		return nil, fmt.Errorf("incomplete cycle event: type=%q cycle_id=%d", msg.Type, msg.CycleID)
	}
	return &msg, nil
}
