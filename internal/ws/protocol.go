package ws

import (
	"github.com/tokymon/sessiond/internal/session"
)

type MessageType string

const (
	MsgSnapshot   MessageType = "snapshot"
	MsgState      MessageType = "state"
	MsgModuleDone MessageType = "module_done"
	MsgSessionEnd MessageType = "session_end"
	MsgError      MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is sent on connect and periodically after that.
type SnapshotPayload struct {
	Current *session.Snapshot   `json:"current"`
	History []*session.Snapshot `json:"history"`
}

// StatePayload carries the latest state after a burst of transitions.
type StatePayload struct {
	From    session.State     `json:"from"`
	Session *session.Snapshot `json:"session"`
}

type ModuleDonePayload struct {
	SessionID string           `json:"sessionId"`
	Entry     session.LogEntry `json:"entry"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
