package panel

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Templates ---

// GET /api/v1/templates?category=finance
func (s *Server) listTemplates(c echo.Context) error {
	tpls, err := s.deps.Service.ListTemplates(c.Request().Context(), c.QueryParam("category"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tpls)
}

// POST /api/v1/templates
func (s *Server) createTemplate(c echo.Context) error {
	var def schema.WorkflowTemplate
	if err := bind(c, &def); err != nil {
		return err
	}
	id, err := s.deps.Service.CreateTemplate(c.Request().Context(), &def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// GET /api/v1/templates/:id
func (s *Server) getTemplate(c echo.Context) error {
	id := c.Param("id")
	tpl, err := s.deps.Service.GetTemplate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if tpl == nil {
		return notFound(schema.ErrCodeTemplateNotFound, "template", id)
	}
	return c.JSON(http.StatusOK, tpl)
}

// PATCH /api/v1/templates/:id
func (s *Server) updateTemplate(c echo.Context) error {
	id := c.Param("id")
	var patch schema.TemplatePatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	ok, err := s.deps.Service.UpdateTemplate(c.Request().Context(), id, patch)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(schema.ErrCodeTemplateNotFound, "template", id)
	}
	return s.getTemplate(c)
}

// DELETE /api/v1/templates/:id
func (s *Server) deleteTemplate(c echo.Context) error {
	id := c.Param("id")
	ok, err := s.deps.Service.DeleteTemplate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(schema.ErrCodeTemplateNotFound, "template", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// POST /api/v1/templates/:id/instantiate
func (s *Server) instantiateTemplate(c echo.Context) error {
	var req struct {
		Name  string `json:"name"`
		Owner string `json:"owner"`
	}
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := s.deps.Service.InstantiateFromTemplate(c.Request().Context(), c.Param("id"), req.Name, req.Owner)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// --- Statistics ---

// GET /api/v1/stats
func (s *Server) workflowStats(c echo.Context) error {
	st, err := s.deps.Service.WorkflowStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// GET /api/v1/health
func (s *Server) workflowHealth(c echo.Context) error {
	h, err := s.deps.Service.WorkflowHealth(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h)
}

// GET /api/v1/jobs
func (s *Server) listJobs(c echo.Context) error {
	if s.deps.Jobs == nil {
		return c.JSON(http.StatusOK, []scheduler.JobStatus{})
	}
	return c.JSON(http.StatusOK, s.deps.Jobs.Jobs())
}

// GET /api/v1/actions
func (s *Server) listActions(c echo.Context) error {
	if s.deps.Actions == nil {
		return c.JSON(http.StatusOK, []actions.ActionInfo{})
	}
	return c.JSON(http.StatusOK, s.deps.Actions.List())
}
