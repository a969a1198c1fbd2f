package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stewardai/steward/pkg/schema"
)

// handleRun runs a workflow to completion and returns the final answer.
func (s *StewardServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query is required"), nil
	}
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	deepSearch := req.GetBool("deep_search", true)

	result, runErr := s.engine.Run(ctx, query, sessionID, deepSearch)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow failed: %v", runErr)), nil
	}

	return marshalResult(map[string]any{
		"session_id":   sessionID,
		"final_answer": result.FinalAnswer,
		"plan":         result.Plan,
	})
}

// handleStatus reports whether a session is awaiting an intervention and
// summarizes its working memory.
func (s *StewardServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	status := map[string]any{"session_id": sessionID}
	if agentErr, ok := s.engine.Awaiting(sessionID); ok {
		status["awaiting_intervention"] = true
		status["error"] = agentErr
		status["actions"] = schema.AvailableActions()
	} else {
		status["awaiting_intervention"] = false
	}

	if snap := s.engine.Snapshot(sessionID); snap != nil {
		status["timeline_entries"] = len(snap.Timeline)
		status["nodes"] = len(snap.Index)
	}

	return marshalResult(status)
}

// handleResolve delivers a retry/skip/abort decision to an awaiting session.
func (s *StewardServer) handleResolve(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	if !schema.ValidAction(action) {
		return mcp.NewToolResultError("action must be one of retry, skip, abort"), nil
	}

	if resErr := s.engine.ResolveIntervention(sessionID, schema.InterventionAction(action)); resErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", resErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":         true,
		"session_id": sessionID,
		"action":     action,
	})
}

// handleCancel cancels every live task the session spawned.
func (s *StewardServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	n := s.engine.Cancel(sessionID)
	return marshalResult(map[string]any{
		"session_id":      sessionID,
		"cancelled_tasks": n,
	})
}

// handleHistory reads the session's persisted transcript.
func (s *StewardServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}
	limit := req.GetInt("limit", 50)

	messages, msgErr := s.store.Messages(ctx, sessionID, limit)
	if msgErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", msgErr)), nil
	}

	return marshalResult(map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
