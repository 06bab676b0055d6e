package collector

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/askbatch/internal/questions"
	"github.com/hazyhaar/askbatch/kit"
)

// RegisterMCP registers the batch tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerStart(srv)
	s.registerStop(srv)
	s.registerExport(srv)
	s.registerStatus(srv)
	s.registerClear(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Service) registerStart(srv *mcp.Server) {
	type req struct {
		SessionID string   `json:"session_id"`
		Label     string   `json:"label"`
		Questions []string `json:"questions"`
		CSV       string   `json:"csv"`
	}

	tool := &mcp.Tool{
		Name:        "askbatch_start",
		Description: "Start a question batch. Provide questions directly or as CSV content with a header row.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Page session; omit for the default session"},
			"label":      map[string]any{"type": "string", "description": "Batch label used in export filenames"},
			"questions":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Questions to submit, in order"},
			"csv":        map[string]any{"type": "string", "description": "CSV file content; the question column is detected from the header"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		qs := p.Questions
		if len(qs) == 0 && p.CSV != "" {
			loaded, err := questions.Load(strings.NewReader(p.CSV))
			if err != nil {
				return nil, err
			}
			qs = loaded
		}
		taskID, err := s.StartBatch(ctx, p.SessionID, p.Label, qs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": taskID, "questions": len(qs)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (s *Service) registerStop(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
	}

	tool := &mcp.Tool{
		Name:        "askbatch_stop",
		Description: "Stop a running batch; rows collected so far are exported.",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Task ID"},
		}, []string{"task_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := s.StopBatch(ctx, p.TaskID); err != nil {
			return nil, err
		}
		return map[string]any{"task_id": p.TaskID, "stopping": true}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (s *Service) registerExport(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
	}

	tool := &mcp.Tool{
		Name:        "askbatch_export",
		Description: "Export the current row snapshot of a task without stopping it.",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Task ID"},
		}, []string{"task_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.ExportNow(ctx, p.TaskID)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (s *Service) registerStatus(srv *mcp.Server) {
	type req struct {
		TaskID string `json:"task_id"`
	}

	tool := &mcp.Tool{
		Name:        "askbatch_status",
		Description: "Report one task's state, or all active tasks when no task_id is given.",
		InputSchema: inputSchema(map[string]any{
			"task_id": map[string]any{"type": "string", "description": "Task ID; omit to list active tasks"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.Snapshot(ctx, p.TaskID)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func (s *Service) registerClear(srv *mcp.Server) {
	type req struct {
		SessionID string `json:"session_id"`
	}

	tool := &mcp.Tool{
		Name:        "askbatch_clear",
		Description: "Cancel runs and wipe stored task records, for one session or for all.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Clear only this session's tasks; omit to clear everything"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.SessionID != "" {
			if err := s.ClearSession(ctx, p.SessionID); err != nil {
				return nil, err
			}
			return map[string]any{"cleared": true, "session_id": p.SessionID}, nil
		}
		if err := s.ClearAll(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"cleared": true}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[req])
}

func decodeInto[T any](r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p T
	if len(r.Params.Arguments) > 0 {
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &p}, nil
}
