package fallbackd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opencode-ai/ratefallback/pkg/fbhost"
	"github.com/opencode-ai/ratefallback/pkg/fbtypes"
)

// simHost is a minimal in-memory fbhost.Adapter standing in for a real
// assistant host: it records every prompt sent to it and never actually
// calls a model provider. It exists to give the run subcommand something
// concrete to drive the orchestrator against.
type simHost struct {
	mu       sync.Mutex
	sessions map[fbtypes.SessionID][]fbtypes.Message
	agents   map[fbtypes.SessionID]string
}

func newSimHost() *simHost {
	return &simHost{
		sessions: make(map[fbtypes.SessionID][]fbtypes.Message),
		agents:   make(map[fbtypes.SessionID]string),
	}
}

// seedUserPrompt creates a session with a single user message, returning
// the generated message ID.
func (h *simHost) seedUserPrompt(session fbtypes.SessionID, text string) fbtypes.MessageID {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := fbtypes.MessageID(uuid.NewString())
	h.sessions[session] = append(h.sessions[session], fbtypes.Message{
		Info:  fbtypes.MessageInfo{ID: id, SessionID: session, Role: "user"},
		Parts: []fbtypes.MessagePart{{Type: fbtypes.PartText, Text: text}},
	})
	return id
}

func (h *simHost) AbortSession(_ context.Context, session fbtypes.SessionID) error {
	slog.Info("simhost: abort", "session", session)
	return nil
}

func (h *simHost) SendPromptAsync(_ context.Context, session fbtypes.SessionID, parts []fbtypes.MessagePart, model fbtypes.ModelRef, agent string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[session] = append(h.sessions[session], fbtypes.Message{
		Info:  fbtypes.MessageInfo{ID: fbtypes.MessageID(uuid.NewString()), SessionID: session, Role: "assistant", ProviderID: model.ProviderID, ModelID: model.ModelID, Agent: agent},
		Parts: parts,
	})
	slog.Info("simhost: re-prompted", "session", session, "model", model.Key(), "agent", agent)
	return nil
}

func (h *simHost) ListMessages(_ context.Context, session fbtypes.SessionID) ([]fbtypes.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]fbtypes.Message(nil), h.sessions[session]...), nil
}

func (h *simHost) GetSession(_ context.Context, session fbtypes.SessionID) (fbhost.SessionInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fbhost.SessionInfo{Agent: h.agents[session]}, nil
}

func (h *simHost) ShowToast(t fbhost.Toast) {
	fmt.Printf("[toast:%s] %s — %s\n", t.Variant, t.Title, t.Message)
}

var _ fbhost.Adapter = (*simHost)(nil)
