package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

const notificationMethod = "notifications/message"

// sender is the part of *server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// RunNotifier pushes run events to the MCP session watching the run.
type RunNotifier struct {
	sender   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewRunNotifier creates a notifier that pushes through mcpServer.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	return newRunNotifier(mcpServer, sessions, logger)
}

func newRunNotifier(s sender, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{sender: s, sessions: sessions, logger: logger}
}

// Notify sends ev to the run's session.
// Best-effort: returns nil if no session watches the run.
func (n *RunNotifier) Notify(_ context.Context, ev streaming.RunEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.RunID)
	if !ok {
		return nil
	}
	if ev.Type == streaming.EventRunStatus && schema.RunStatus(ev.Status).IsTerminal() {
		n.sessions.Forget(ev.RunID)
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, map[string]any{
		"level":  "info",
		"logger": "chainflow",
		"data":   ev,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward notifies every event read from events until ctx ends or the
// channel closes.
func (n *RunNotifier) Forward(ctx context.Context, events <-chan streaming.RunEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := n.Notify(ctx, ev); err != nil {
				n.logger.DebugContext(ctx, "run notification failed", "run_id", ev.RunID, "error", err)
			}
		}
	}
}
