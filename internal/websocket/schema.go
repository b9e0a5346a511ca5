package websocket

import (
	"github.com/stemsi/exstem-cbt/internal/engine"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionNavigate Action = "navigate"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// ClientMessage is every message a client may send. Fields not used by the
// action are ignored.
type ClientMessage struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id,omitempty"`
	Option     *int   `json:"option,omitempty"`
	Index      *int   `json:"index,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventOpened      Event = "opened"
	EventTick        Event = "tick"
	EventPersistence Event = "persistence"
	EventFinalized   Event = "finalized"
	EventAck         Event = "ack"
	EventError       Event = "error"
	EventPong        Event = "pong"
)

// OpenedResponse is the first message on a stream.
type OpenedResponse struct {
	Event   Event           `json:"event"`
	Session engine.View     `json:"session"`
	Paper   model.ExamPaper `json:"paper"`
}

// SessionResponse carries a snapshot for tick, persistence and ack events.
type SessionResponse struct {
	Event   Event       `json:"event"`
	Action  Action      `json:"action,omitempty"`
	Session engine.View `json:"session"`
}

// FinalizedResponse is the last message on a stream.
type FinalizedResponse struct {
	Event  Event             `json:"event"`
	Result *model.ExamResult `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// FromEngineEvent converts a pushed session event into its wire form.
func FromEngineEvent(ev engine.Event) any {
	switch ev.Type {
	case engine.EventFinalized:
		return FinalizedResponse{Event: EventFinalized, Result: ev.Result}
	case engine.EventPersistence:
		return SessionResponse{Event: EventPersistence, Session: ev.View}
	default:
		return SessionResponse{Event: EventTick, Session: ev.View}
	}
}
