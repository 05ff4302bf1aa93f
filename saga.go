package sagastream

import (
	"fmt"
)

// SagaState is the lifecycle state carried by every published saga.
type SagaState string

const (
	StateStart    SagaState = "START"
	StateJoin     SagaState = "JOIN"
	StateCommit   SagaState = "COMMIT"
	StateRollback SagaState = "ROLLBACK"
)

// States lists every saga state in lifecycle order.
var States = []SagaState{StateStart, StateJoin, StateCommit, StateRollback}

// String implements the fmt.Stringer interface for SagaState.
func (s SagaState) String() string {
	return string(s)
}

// Valid reports whether s is one of the known states.
func (s SagaState) Valid() bool {
	switch s {
	case StateStart, StateJoin, StateCommit, StateRollback:
		return true
	default:
		return false
	}
}

// Terminal reports whether no JOIN may follow s.
func (s SagaState) Terminal() bool {
	return s == StateCommit
}

// Saga is the unit of coordination published to the event log. A saga's ID
// never changes; every message for the same logical saga carries it.
type Saga struct {
	ID         string    `json:"id" msgpack:"id"`
	OriginNode string    `json:"origin_node" msgpack:"origin_node"`
	Group      string    `json:"group" msgpack:"group"`
	State      SagaState `json:"state" msgpack:"state"`
	// Cause is only set on ROLLBACK.
	Cause string `json:"cause,omitempty" msgpack:"cause,omitempty"`
	// Payload is the codec-encoded application event, empty when absent.
	Payload string `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// String implements the fmt.Stringer interface for Saga.
func (s Saga) String() string {
	if s.Cause != "" {
		return fmt.Sprintf("%s %s (%s)", s.ID, s.State, s.Cause)
	}
	return fmt.Sprintf("%s %s", s.ID, s.State)
}

// HasPayload reports whether the saga carries an application event.
func (s Saga) HasPayload() bool {
	return s.Payload != ""
}
