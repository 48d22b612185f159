// Package fbtypes holds the identifiers and value types shared across every
// fallback-engine component: model references, opaque host IDs, composite
// map keys, and the message-part shape preserved across a re-prompt.
package fbtypes

import "fmt"

// SessionID is an opaque session identifier assigned by the host.
type SessionID string

// MessageID is an opaque message identifier assigned by the host.
type MessageID string

// ModelRef identifies a (provider, model) pair. Equality is by both fields;
// Key returns the canonical "providerID/modelID" form used wherever a
// ModelRef needs to be a map key or logged compactly.
type ModelRef struct {
	ProviderID string
	ModelID    string
}

// Key returns the canonical map key for a ModelRef.
func (m ModelRef) Key() string {
	return m.ProviderID + "/" + m.ModelID
}

func (m ModelRef) String() string {
	return m.Key()
}

// IsZero reports whether m is the empty ModelRef.
func (m ModelRef) IsZero() bool {
	return m.ProviderID == "" && m.ModelID == ""
}

// ParseModelKey splits a canonical "providerID/modelID" key back into a
// ModelRef. It is lenient: a key with no separator is treated as a bare
// modelID with an empty provider.
func ParseModelKey(key string) ModelRef {
	for i := range len(key) {
		if key[i] == '/' {
			return ModelRef{ProviderID: key[:i], ModelID: key[i+1:]}
		}
	}
	return ModelRef{ModelID: key}
}

// SessionMessageKey composite-keys per-(session,message) state (retry
// attempts, fallback-in-progress marks) so IDs containing "/" or ":" never
// collide the way a concatenated string key could.
type SessionMessageKey struct {
	Session SessionID
	Message MessageID
}

func (k SessionMessageKey) String() string {
	return fmt.Sprintf("%q:%q", k.Session, k.Message)
}

// PartType discriminates MessagePart payloads.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// MessagePart is one fragment of a user message. The orchestrator preserves
// the original ordering and fragment kinds verbatim across a re-prompt.
type MessagePart struct {
	Type PartType
	// Text holds the fragment body for PartText.
	Text string
	// URL holds a content reference for PartImage/PartFile (data URL,
	// remote URL, or host-local handle — opaque to the core).
	URL string
	// MimeType is the fragment's media type, when known.
	MimeType string
	// Filename is set for PartFile fragments.
	Filename string
}

// MessageInfo is the host's metadata for one message in a session's history.
type MessageInfo struct {
	ID         MessageID
	SessionID  SessionID
	Role       string // "user" | "assistant" | ...
	ProviderID string
	ModelID    string
	Agent      string
	Status     string
	Error      *ErrorValue
}

// Message pairs host metadata with its ordered content parts.
type Message struct {
	Info  MessageInfo
	Parts []MessagePart
}

// ErrorValue is the loosely-typed error record the host hands the core:
// optional name/message plus an optional nested data blob, matching the
// shape real provider SDKs surface (HTTP status, response body) without
// the core ever needing to import a provider SDK type directly.
type ErrorValue struct {
	Name    string
	Message string
	Data    *ErrorData
}

// ErrorData is the nested "data" record of an ErrorValue.
type ErrorData struct {
	StatusCode   int
	Message      string
	ResponseBody string
}
