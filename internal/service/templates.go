package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// CreateTemplate stores a reusable definition and returns its id.
func (s *Service) CreateTemplate(ctx context.Context, def *schema.WorkflowTemplate) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeInvalidDefinition, "template definition is nil")
	}
	tpl := def.Clone()
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if tpl.Steps == nil {
		tpl.Steps = []schema.Step{}
	}
	now := s.now()
	tpl.CreatedAt, tpl.UpdatedAt = now, now
	tpl.UsageCount = 0

	if s.validator != nil {
		if err := s.validator.CheckTemplate(tpl); err != nil {
			return "", err
		}
	}
	if err := s.store.CreateTemplate(ctx, tpl); err != nil {
		return "", err
	}
	return tpl.ID, nil
}

// GetTemplate returns nil without error when id is unknown.
func (s *Service) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	tpl, err := s.store.GetTemplate(ctx, id)
	if errors.Is(err, schema.ErrTemplateNotFound) {
		return nil, nil
	}
	return tpl, err
}

func (s *Service) UpdateTemplate(ctx context.Context, id string, patch schema.TemplatePatch) (bool, error) {
	_, err := s.store.UpdateTemplate(ctx, id, func(tpl *schema.WorkflowTemplate) error {
		patch.Apply(tpl)
		if tpl.Steps == nil {
			tpl.Steps = []schema.Step{}
		}
		tpl.UpdatedAt = s.now()
		if s.validator != nil {
			return s.validator.CheckTemplate(tpl)
		}
		return nil
	})
	return found(err, schema.ErrTemplateNotFound)
}

func (s *Service) DeleteTemplate(ctx context.Context, id string) (bool, error) {
	return found(s.store.DeleteTemplate(ctx, id), schema.ErrTemplateNotFound)
}

// ListTemplates lists all templates, or those of one category.
func (s *Service) ListTemplates(ctx context.Context, category string) ([]*schema.WorkflowTemplate, error) {
	return s.store.ListTemplates(ctx, store.TemplateFilter{Category: category})
}

// InstantiateFromTemplate stamps a new draft workflow from a template and
// returns its id. The workflow shares no steps or variables with the template.
func (s *Service) InstantiateFromTemplate(ctx context.Context, templateID, name, owner string) (string, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = tpl.Name
	}

	id, err := s.CreateWorkflow(ctx, &schema.Workflow{
		Name:        name,
		Description: tpl.Description,
		Status:      schema.WorkflowStatusDraft,
		Steps:       schema.CloneSteps(tpl.Steps),
		Variables:   schema.CloneMap(tpl.Variables),
		CreatedBy:   owner,
	})
	if err != nil {
		return "", err
	}

	if _, err := s.store.UpdateTemplate(ctx, templateID, func(t *schema.WorkflowTemplate) error {
		t.UsageCount++
		return nil
	}); err != nil {
		s.logger.WarnContext(ctx, "bump template usage", "template_id", templateID, "error", err.Error())
	}
	s.logger.InfoContext(ctx, "workflow instantiated from template", "template_id", templateID, "workflow_id", id, "actor", owner)
	return id, nil
}
