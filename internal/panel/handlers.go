package panel

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Workflows ---

// GET /api/v1/workflows?status=active
func (s *Server) listWorkflows(c echo.Context) error {
	var filter store.WorkflowFilter
	if v := c.QueryParam("status"); v != "" {
		st := schema.WorkflowStatus(v)
		if !st.Valid() {
			return badRequest("unknown workflow status %q", v)
		}
		filter.Status = &st
	}
	wfs, err := s.deps.Service.ListWorkflows(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wfs)
}

// POST /api/v1/workflows
func (s *Server) createWorkflow(c echo.Context) error {
	var def schema.Workflow
	if err := bind(c, &def); err != nil {
		return err
	}
	id, err := s.deps.Service.CreateWorkflow(c.Request().Context(), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// POST /api/v1/workflows/validate
func (s *Server) validateWorkflow(c echo.Context) error {
	var def schema.Workflow
	if err := bind(c, &def); err != nil {
		return err
	}
	if err := s.deps.Service.ValidateWorkflow(&def); err != nil {
		var fe *schema.FlowError
		if !errors.As(err, &fe) {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"valid": false, "error": fe})
	}
	return c.JSON(http.StatusOK, map[string]any{"valid": true})
}

// GET /api/v1/workflows/:id
func (s *Server) getWorkflow(c echo.Context) error {
	id := c.Param("id")
	wf, err := s.deps.Service.GetWorkflow(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if wf == nil {
		return notFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}
	return c.JSON(http.StatusOK, wf)
}

// PATCH /api/v1/workflows/:id
func (s *Server) updateWorkflow(c echo.Context) error {
	id := c.Param("id")
	var patch schema.WorkflowPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	ok, err := s.deps.Service.UpdateWorkflow(c.Request().Context(), id, patch)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}
	return s.getWorkflow(c)
}

// DELETE /api/v1/workflows/:id
func (s *Server) deleteWorkflow(c echo.Context) error {
	id := c.Param("id")
	ok, err := s.deps.Service.DeleteWorkflow(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}
	return c.NoContent(http.StatusNoContent)
}

type executeRequest struct {
	Input map[string]any `json:"input"`
	Actor string         `json:"actor"`
	Async bool           `json:"async"`
}

// POST /api/v1/workflows/:id/execute
//
// Synchronous by default; with "async": true the execution is started on the
// worker pool and 202 is returned with the running record.
func (s *Server) executeWorkflow(c echo.Context) error {
	var req executeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	if req.Async {
		exec, err := s.deps.Service.Start(ctx, id, req.Input, req.Actor)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, exec)
	}
	exec, err := s.deps.Service.Execute(ctx, id, req.Input, req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// GET /api/v1/workflows/:id/executions?limit=10
func (s *Server) listWorkflowExecutions(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return err
	}
	execs, err := s.deps.Service.ListExecutions(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, execs)
}

// GET /api/v1/workflows/:id/diagram?format=ascii&execution_id=...
func (s *Server) workflowDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	wf, err := s.deps.Service.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf == nil {
		return notFound(schema.ErrCodeWorkflowNotFound, "workflow", id)
	}

	var exec *schema.Execution
	if execID := c.QueryParam("execution_id"); execID != "" {
		exec, err = s.deps.Service.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		if exec == nil {
			return notFound(schema.ErrCodeExecutionNotFound, "execution", execID)
		}
	}

	model, err := diagram.Build(wf, exec)
	if err != nil {
		return badRequest("%v", err)
	}
	out, err := diagram.Render(model, c.QueryParam("format"))
	if err != nil {
		return badRequest("%v", err)
	}
	return c.String(http.StatusOK, out)
}

// --- Executions ---

// GET /api/v1/executions?workflow_id=&status=&limit=
func (s *Server) listExecutions(c echo.Context) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return err
	}
	filter := store.ExecutionFilter{WorkflowID: c.QueryParam("workflow_id"), Limit: limit}
	if v := c.QueryParam("status"); v != "" {
		filter.Status = schema.ExecutionStatus(v)
	}
	execs, err := s.deps.Service.ListExecutionsFiltered(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, execs)
}

// DELETE /api/v1/executions?older_than_days=30
func (s *Server) clearOldExecutions(c echo.Context) error {
	if c.QueryParam("older_than_days") == "" {
		return badRequest("older_than_days is required")
	}
	days, err := queryInt(c, "older_than_days", 0)
	if err != nil {
		return err
	}
	n, err := s.deps.Service.ClearOldExecutions(c.Request().Context(), days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

// GET /api/v1/executions/:id
func (s *Server) getExecution(c echo.Context) error {
	id := c.Param("id")
	exec, err := s.deps.Service.GetExecution(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if exec == nil {
		return notFound(schema.ErrCodeExecutionNotFound, "execution", id)
	}
	return c.JSON(http.StatusOK, exec)
}

// POST /api/v1/executions/:id/cancel
func (s *Server) cancelExecution(c echo.Context) error {
	ok, err := s.deps.Service.CancelExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": ok})
}
