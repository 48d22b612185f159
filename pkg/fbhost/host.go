// Package fbhost declares the host adapter contract the orchestrator
// consumes (§6) plus the event discriminated union the host delivers
// into the core. Type guards from a duck-typed source become Option-
// returning constructors here (AsSessionError, AsMessageUpdated, ...),
// per the spec's design note.
package fbhost

import (
	"context"
	"strings"

	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// ToastVariant is the severity of a best-effort user-facing toast.
type ToastVariant string

const (
	ToastInfo    ToastVariant = "info"
	ToastWarning ToastVariant = "warning"
	ToastSuccess ToastVariant = "success"
	ToastError   ToastVariant = "error"
)

// Toast is a best-effort, fire-and-forget notification.
type Toast struct {
	Title    string
	Message  string
	Variant  ToastVariant
	Duration int // milliseconds; 0 means the host's default
}

// SessionInfo is the subset of host session metadata the core needs.
type SessionInfo struct {
	Agent string
}

// Adapter is everything the core asks the host to do. Every method can
// fail with a HostError; abort failures are swallowed by the caller
// (§7), the rest terminate the current orchestration.
type Adapter interface {
	AbortSession(ctx context.Context, session fbtypes.SessionID) error
	SendPromptAsync(ctx context.Context, session fbtypes.SessionID, parts []fbtypes.MessagePart, model fbtypes.ModelRef, agent string) error
	ListMessages(ctx context.Context, session fbtypes.SessionID) ([]fbtypes.Message, error)
	GetSession(ctx context.Context, session fbtypes.SessionID) (SessionInfo, error)
	ShowToast(toast Toast)
}

// Event is the discriminated union of everything the host can deliver
// into the core. Exactly one of the As* accessors below will succeed
// for a given Event.
type Event struct {
	kind            eventKind
	sessionError    *SessionErrorEvent
	messageUpdated  *MessageUpdatedEvent
	sessionStatus   *SessionStatusEvent
	subagentCreated *SubagentCreatedEvent
}

type eventKind int

const (
	kindNone eventKind = iota
	kindSessionError
	kindMessageUpdated
	kindSessionStatus
	kindSubagentCreated
)

// SessionErrorEvent reports a session-level error.
type SessionErrorEvent struct {
	SessionID fbtypes.SessionID
	Error     fbtypes.ErrorValue
}

// NewSessionError builds an Event carrying a SessionErrorEvent.
func NewSessionError(e SessionErrorEvent) Event {
	return Event{kind: kindSessionError, sessionError: &e}
}

// AsSessionError returns the SessionErrorEvent and true iff ev is one.
func (ev Event) AsSessionError() (SessionErrorEvent, bool) {
	if ev.kind != kindSessionError {
		return SessionErrorEvent{}, false
	}
	return *ev.sessionError, true
}

// MessageUpdatedEvent reports a message's metadata changed.
type MessageUpdatedEvent struct {
	Info fbtypes.MessageInfo
}

func NewMessageUpdated(e MessageUpdatedEvent) Event {
	return Event{kind: kindMessageUpdated, messageUpdated: &e}
}

func (ev Event) AsMessageUpdated() (MessageUpdatedEvent, bool) {
	if ev.kind != kindMessageUpdated {
		return MessageUpdatedEvent{}, false
	}
	return *ev.messageUpdated, true
}

// SessionStatus is the nested status payload of a SessionStatusEvent.
type SessionStatus struct {
	Type    string
	Message string
}

// SessionStatusEvent reports a session status transition.
type SessionStatusEvent struct {
	SessionID fbtypes.SessionID
	Status    SessionStatus
}

func NewSessionStatus(e SessionStatusEvent) Event {
	return Event{kind: kindSessionStatus, sessionStatus: &e}
}

func (ev Event) AsSessionStatus() (SessionStatusEvent, bool) {
	if ev.kind != kindSessionStatus {
		return SessionStatusEvent{}, false
	}
	return *ev.sessionStatus, true
}

// rateLimitRetryPhrases are the substrings §6 defines for recognizing a
// rate-limit retry inside a session.status event's free-text message.
var rateLimitRetryPhrases = []string{"usage limit", "rate limit", "high concurrency", "reduce concurrency"}

// IsRateLimitRetry reports whether this status event is the "type ==
// retry AND message mentions rate limiting" signal described in §6.
func (e SessionStatusEvent) IsRateLimitRetry() bool {
	if e.Status.Type != "retry" {
		return false
	}
	lower := strings.ToLower(e.Status.Message)
	for _, phrase := range rateLimitRetryPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// SubagentCreatedEvent reports a new subagent session was opened under parent.
type SubagentCreatedEvent struct {
	SessionID       fbtypes.SessionID
	ParentSessionID fbtypes.SessionID
}

func NewSubagentCreated(e SubagentCreatedEvent) Event {
	return Event{kind: kindSubagentCreated, subagentCreated: &e}
}

func (ev Event) AsSubagentCreated() (SubagentCreatedEvent, bool) {
	if ev.kind != kindSubagentCreated {
		return SubagentCreatedEvent{}, false
	}
	return *ev.subagentCreated, true
}
