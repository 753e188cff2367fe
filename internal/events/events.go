// Package events defines the tagged-event union broadcast by session
// lifecycle, PTY output, and agent turn/tool activity. Every event either
// names a SessionID or is explicitly server-scoped (see UnknownPartitionKey).
package events

import "time"

// Kind identifies which variant of Event is populated.
type Kind string

const (
	KindSessionCreated     Kind = "session_created"
	KindSessionStateChange Kind = "session_state_changed"
	KindSessionEnded       Kind = "session_ended"
	KindPtyOutput          Kind = "pty_output"
	KindPromptSubmitted    Kind = "prompt_submitted"
	KindTurnStart          Kind = "turn_start"
	KindTurnComplete       Kind = "turn_complete"
	KindToolUseStart       Kind = "tool_use_start"
	KindToolResult         Kind = "tool_result"
	KindError              Kind = "error"
	KindServerStarted      Kind = "server_started"
	KindServerStopped      Kind = "server_stopped"
)

// UnknownPartitionKey is the partition key assigned to server-scoped events
// that carry no SessionID.
const UnknownPartitionKey = "unknown"

// Usage carries token/turn accounting reported by a completed turn. Any field
// left at zero is simply unreported, not necessarily absent.
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// Event is the single wire-level envelope for every variant named in
// spec.md §3. Only the payload fields commented with the variant named by
// Kind are populated; SessionID is empty for the two server-scoped kinds and
// for a server-scoped Error.
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// SessionCreated
	Name string `json:"name,omitempty"`

	// SessionStateChanged
	NewState string `json:"new_state,omitempty"`

	// SessionEnded
	ExitReason string `json:"exit_reason,omitempty"`

	// PtyOutput
	Bytes []byte `json:"bytes,omitempty"`

	// PromptSubmitted
	Payload string `json:"payload,omitempty"`

	// TurnComplete
	Usage *Usage `json:"usage,omitempty"`

	// ToolUseStart / ToolResult
	ToolID  string `json:"tool_id,omitempty"`
	ToolArg string `json:"tool_name,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Output  string `json:"output,omitempty"`

	// Error
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// PartitionKey returns the key used to assign this event to an event-log
// partition: the session ID, or UnknownPartitionKey for server-scoped
// events. Per spec.md §4.4, all events for one session must land on the
// same partition.
func (e Event) PartitionKey() string {
	if e.SessionID == "" {
		return UnknownPartitionKey
	}
	return e.SessionID
}

// SessionCreated builds a KindSessionCreated event.
func SessionCreated(sessionID, name string) Event {
	return Event{Kind: KindSessionCreated, SessionID: sessionID, Name: name, Timestamp: time.Now()}
}

// SessionStateChanged builds a KindSessionStateChange event.
func SessionStateChanged(sessionID, newState string) Event {
	return Event{Kind: KindSessionStateChange, SessionID: sessionID, NewState: newState, Timestamp: time.Now()}
}

// SessionEnded builds a KindSessionEnded event.
func SessionEnded(sessionID, exitReason string) Event {
	return Event{Kind: KindSessionEnded, SessionID: sessionID, ExitReason: exitReason, Timestamp: time.Now()}
}

// PtyOutput builds a KindPtyOutput event. The caller's byte slice is copied.
func PtyOutput(sessionID string, b []byte) Event {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Event{Kind: KindPtyOutput, SessionID: sessionID, Bytes: cp, Timestamp: time.Now()}
}

// Err builds a KindError event. sessionID may be empty for a server-scoped error.
func Err(sessionID, message string, recoverable bool) Event {
	return Event{Kind: KindError, SessionID: sessionID, Message: message, Recoverable: recoverable, Timestamp: time.Now()}
}
