package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chutney/internal/eventbus"
	"github.com/rendis/chutney/pkg/schema"
)

// Notifier pushes notifications to connected clients.
type Notifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
}

// MCPNotifier implements Notifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to the sessions of mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the client's session.
// Returns nil if the client is not connected.
func (n *MCPNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Watch forwards the end of every execution started with a client_id to
// that client. It blocks until ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, unsubscribe, err := s.bus.Subscribe(ctx, eventbus.Filter{Types: []string{schema.EventScenarioEnded}})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.notifyEnded(ctx, ev)
		}
	}
}

func (s *Server) notifyEnded(ctx context.Context, ev eventbus.Event) {
	clientID, ok := s.owners.take(ev.ExecutionID)
	if !ok {
		return
	}
	payload := map[string]any{
		"event":        ev.Type,
		"execution_id": ev.ExecutionID,
	}
	if p, ok := ev.Payload.(map[string]any); ok {
		payload["status"] = p["status"]
	}
	if err := s.notifier.Notify(ctx, clientID, payload); err != nil {
		s.logger.Warn("notification failed",
			slog.String("client", clientID),
			slog.Int64("execution_id", ev.ExecutionID),
			slog.Any("error", err))
	}
}
