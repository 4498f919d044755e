package control

import (
	"time"

	"github.com/PelNet/pcl-dump/capture"
)

// Control actions a client may request.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStatus = "status"
	ActionQuit   = "quit"
)

// Request is a client control frame: {"action":"pause"|"resume"|"status"|"quit"}.
type Request struct {
	Action string `json:"action"`
}

// Server frame types.
const (
	MessageTypeStatus = "status"
	MessageTypeEvent  = "event"
	MessageTypeError  = "error"
)

// Message is one server frame. Exactly one of Status, Event or Error is set,
// matching Type.
type Message struct {
	Type   string          `json:"type"`
	Status *capture.Status `json:"status,omitempty"`
	Event  *Event          `json:"event,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event kinds.
const (
	EventKindState = "state"
	EventKindJob   = "job"
)

// Event is a state-change or job-completion notification. A bounded backlog
// of recent events is replayed to late joiners after the status snapshot.
type Event struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`

	// state events
	PrevState string `json:"prev_state,omitempty"`
	NewState  string `json:"new_state,omitempty"`

	// job events
	JobSeq  uint64   `json:"job_seq,omitempty"`
	JobSize int      `json:"job_size,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Error   string   `json:"error,omitempty"`
}
