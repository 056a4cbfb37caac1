package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Workflows ---

func (s *Server) handleWorkflowCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def schema.Workflow
	if err := decodeArg(req, "definition", &def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := s.svc.CreateWorkflow(ctx, &def)
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": id})
}

func (s *Server) handleWorkflowGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.svc.GetWorkflow(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	if wf == nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s not found", id)), nil
	}
	return marshalResult(wf)
}

func (s *Server) handleWorkflowList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter store.WorkflowFilter
	if v := req.GetString("status", ""); v != "" {
		st := schema.WorkflowStatus(v)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown workflow status %q", v)), nil
		}
		filter.Status = &st
	}
	wfs, err := s.svc.ListWorkflows(ctx, filter)
	if err != nil {
		return errorResult(err)
	}

	summaries := make([]map[string]any, 0, len(wfs))
	for _, wf := range wfs {
		summaries = append(summaries, map[string]any{
			"id":              wf.ID,
			"name":            wf.Name,
			"status":          wf.Status,
			"version":         wf.Version,
			"steps":           len(wf.Steps),
			"execution_count": wf.ExecutionCount,
			"success_rate":    wf.SuccessRate,
		})
	}
	return marshalResult(map[string]any{"workflows": summaries, "count": len(summaries)})
}

func (s *Server) handleWorkflowUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	var patch schema.WorkflowPatch
	if err := decodeArg(req, "patch", &patch); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ok, err := s.svc.UpdateWorkflow(ctx, id, patch)
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"ok": ok, "workflow_id": id})
}

func (s *Server) handleWorkflowDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	ok, err := s.svc.DeleteWorkflow(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"ok": ok, "workflow_id": id})
}

func (s *Server) handleWorkflowValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def schema.Workflow
	if err := decodeArg(req, "definition", &def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.svc.ValidateWorkflow(&def); err != nil {
		return marshalResult(map[string]any{"valid": false, "error": asFlowError(err)})
	}
	return marshalResult(map[string]any{"valid": true})
}

// --- Executions ---

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	actor := req.GetString("actor", "")
	if actor != "" {
		s.captureSession(ctx, actor)
	}

	var exec *schema.Execution
	if req.GetBool("async", false) {
		exec, err = s.svc.Start(ctx, id, input, actor)
	} else {
		exec, err = s.svc.Execute(ctx, id, input, actor)
	}
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(exec)
}

func (s *Server) handleExecutionGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.svc.GetExecution(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	if exec == nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s not found", id)), nil
	}
	return marshalResult(exec)
}

func (s *Server) handleExecutionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     schema.ExecutionStatus(req.GetString("status", "")),
		Limit:      req.GetInt("limit", 20),
	}
	execs, err := s.svc.ListExecutionsFiltered(ctx, filter)
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"executions": execs, "count": len(execs)})
}

func (s *Server) handleExecutionCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	ok, err := s.svc.CancelExecution(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"cancelled": ok, "execution_id": id})
}

// --- Templates ---

func (s *Server) handleTemplateList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tpls, err := s.svc.ListTemplates(ctx, req.GetString("category", ""))
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"templates": tpls, "count": len(tpls)})
}

func (s *Server) handleTemplateCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def schema.WorkflowTemplate
	if err := decodeArg(req, "definition", &def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := s.svc.CreateTemplate(ctx, &def)
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"ok": true, "template_id": id})
}

func (s *Server) handleTemplateInstantiate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tplID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	id, err := s.svc.InstantiateFromTemplate(ctx, tplID, req.GetString("name", ""), req.GetString("owner", ""))
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": id, "status": schema.WorkflowStatusDraft})
}

// --- Statistics and diagrams ---

func (s *Server) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.svc.WorkflowStats(ctx)
	if err != nil {
		return errorResult(err)
	}
	health, err := s.svc.WorkflowHealth(ctx)
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(map[string]any{"stats": st, "health": health})
}

func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, err := s.svc.GetWorkflow(ctx, id)
	if err != nil {
		return errorResult(err)
	}
	if wf == nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s not found", id)), nil
	}

	var exec *schema.Execution
	switch execID := req.GetString("execution_id", ""); execID {
	case "":
	case "latest":
		recent, err := s.svc.ListExecutions(ctx, id, 1)
		if err != nil {
			return errorResult(err)
		}
		if len(recent) > 0 {
			exec = recent[0]
		}
	default:
		exec, err = s.svc.GetExecution(ctx, execID)
		if err != nil {
			return errorResult(err)
		}
		if exec == nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s not found", execID)), nil
		}
	}

	model, err := diagram.Build(wf, exec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}
	text, err := diagram.Render(model, req.GetString("format", diagram.FormatMermaid))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Helpers ---

// decodeArg re-decodes an object argument into v through JSON.
func decodeArg(req mcp.CallToolRequest, key string, v any) error {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return fmt.Errorf("%s is required", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	return nil
}

// asFlowError wraps foreign errors so they marshal with a code.
func asFlowError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewError(schema.ErrCodeStore, err.Error())
}

// errorResult reports a service error to the caller as a tool error.
func errorResult(err error) (*mcp.CallToolResult, error) {
	data, mErr := json.Marshal(map[string]any{"error": asFlowError(err)})
	if mErr != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

// captureSession maps the actor to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, actor string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actor, session.SessionID())
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
