package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chutney/internal/store"
	"github.com/rendis/chutney/pkg/schema"
)

const defaultListLimit = 50

// handleRun parses and starts a scenario.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("scenario")
	if err != nil {
		return mcp.NewToolResultError("scenario is required"), nil
	}
	scenario, err := schema.ParseScenario([]byte(doc))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if req.GetBool("wait", false) {
		report, runErr := s.executions.Run(ctx, scenario)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", runErr)), nil
		}
		return marshalResult(report)
	}

	id, err := s.executions.Start(ctx, scenario)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	if clientID := req.GetString("client_id", ""); clientID != "" {
		s.captureSession(ctx, clientID)
		s.owners.set(id, clientID)
	}
	return marshalResult(map[string]any{"execution_id": id})
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := executionID(req)
	if errResult != nil {
		return errResult, nil
	}
	report, err := s.executions.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(report)
}

func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.command(ctx, req, "pause", s.executions.Pause)
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.command(ctx, req, "resume", s.executions.Resume)
}

func (s *Server) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.command(ctx, req, "stop", s.executions.Stop)
}

// command relays a fire-and-forget control command.
func (s *Server) command(ctx context.Context, req mcp.CallToolRequest, name string, fn func(context.Context, int64) error) (*mcp.CallToolResult, error) {
	id, errResult := executionID(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := fn(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": id,
		"command":      name,
	})
}

func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := schema.Status(req.GetString("status", ""))
	limit := int(req.GetFloat("limit", defaultListLimit))
	if limit <= 0 {
		limit = defaultListLimit
	}

	executions := make([]*store.ExecutionSummary, 0)
	for _, e := range s.executions.List() {
		if status != "" && e.Status != status {
			continue
		}
		executions = append(executions, e)
		if len(executions) == limit {
			break
		}
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *Server) handleActions(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.actions == nil {
		return mcp.NewToolResultError("no action catalog configured"), nil
	}
	return marshalResult(map[string]any{"actions": s.actions.List()})
}

// --- Helpers ---

func executionID(req mcp.CallToolRequest) (int64, *mcp.CallToolResult) {
	raw, err := req.RequireFloat("execution_id")
	if err != nil {
		return 0, mcp.NewToolResultError("execution_id is required")
	}
	if raw <= 0 || raw != float64(int64(raw)) {
		return 0, mcp.NewToolResultError(fmt.Sprintf("invalid execution_id %v", raw))
	}
	return int64(raw), nil
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
