package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

// Email is a message handed to a Mailer.
type Email struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Task is a work item handed to a TaskSink.
type Task struct {
	Title    string `json:"title"`
	Assignee string `json:"assignee,omitempty"`
	Priority string `json:"priority,omitempty"`
	DueDate  string `json:"due_date,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// ReportRequest asks a ReportGenerator for a report.
type ReportRequest struct {
	ReportType string         `json:"report_type"`
	Format     string         `json:"format,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Mailer delivers email. Returns a delivery reference.
type Mailer interface {
	Send(ctx context.Context, email Email) (string, error)
}

// TaskSink creates tasks in an external tracker. Returns the task reference.
type TaskSink interface {
	CreateTask(ctx context.Context, task Task) (string, error)
}

// ReportGenerator produces reports. Returns a report reference.
type ReportGenerator interface {
	Generate(ctx context.Context, req ReportRequest) (string, error)
}

// LogCollaborator satisfies Mailer, TaskSink and ReportGenerator by logging the
// request and returning a fresh reference. It is the default when no real
// integration is wired.
type LogCollaborator struct {
	Logger *slog.Logger
}

func (c *LogCollaborator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *LogCollaborator) Send(ctx context.Context, email Email) (string, error) {
	ref := uuid.NewString()
	c.logger().InfoContext(ctx, "email queued", "ref", ref, "to", email.To, "subject", email.Subject)
	return ref, nil
}

func (c *LogCollaborator) CreateTask(ctx context.Context, task Task) (string, error) {
	ref := uuid.NewString()
	c.logger().InfoContext(ctx, "task created", "ref", ref, "title", task.Title, "assignee", task.Assignee)
	return ref, nil
}

func (c *LogCollaborator) Generate(ctx context.Context, req ReportRequest) (string, error) {
	ref := uuid.NewString()
	c.logger().InfoContext(ctx, "report generated", "ref", ref, "report_type", req.ReportType, "format", req.Format)
	return ref, nil
}

// --- send_email ---

// SendEmailAction implements "send_email".
type SendEmailAction struct {
	mailer Mailer
}

func NewSendEmailAction(m Mailer) *SendEmailAction { return &SendEmailAction{mailer: m} }

func (a *SendEmailAction) Name() string { return "send_email" }

func (a *SendEmailAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send an email through the configured mailer.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"to":{},"cc":{},"subject":{"type":"string"},"body":{"type":"string"}},"required":["to"]}`),
	}
}

func (a *SendEmailAction) Validate(params map[string]any) error {
	if len(stringSliceParam(params, "to")) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "send_email: missing recipient 'to'")
	}
	return nil
}

func (a *SendEmailAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	email := Email{
		To:      stringSliceParam(input.Params, "to"),
		Cc:      stringSliceParam(input.Params, "cc"),
		Subject: stringParam(input.Params, "subject", ""),
		Body:    stringParam(input.Params, "body", ""),
	}
	ref, err := a.mailer.Send(ctx, email)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "send_email failed").WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{"message_id": ref, "recipients": len(email.To) + len(email.Cc)}}, nil
}

// --- create_task ---

// CreateTaskAction implements "create_task".
type CreateTaskAction struct {
	sink TaskSink
}

func NewCreateTaskAction(s TaskSink) *CreateTaskAction { return &CreateTaskAction{sink: s} }

func (a *CreateTaskAction) Name() string { return "create_task" }

func (a *CreateTaskAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Create a task in the configured task tracker.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"assignee":{"type":"string"},"priority":{"type":"string"},"due_date":{"type":"string"},"notes":{"type":"string"}},"required":["title"]}`),
	}
}

func (a *CreateTaskAction) Validate(params map[string]any) error {
	if stringParam(params, "title", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "create_task: missing 'title'")
	}
	return nil
}

func (a *CreateTaskAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	task := Task{
		Title:    stringParam(input.Params, "title", ""),
		Assignee: stringParam(input.Params, "assignee", ""),
		Priority: stringParam(input.Params, "priority", "normal"),
		DueDate:  stringParam(input.Params, "due_date", ""),
		Notes:    stringParam(input.Params, "notes", ""),
	}
	ref, err := a.sink.CreateTask(ctx, task)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "create_task failed").WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{"task_id": ref, "title": task.Title}}, nil
}

// --- generate_report ---

// GenerateReportAction implements "generate_report".
type GenerateReportAction struct {
	gen ReportGenerator
}

func NewGenerateReportAction(g ReportGenerator) *GenerateReportAction {
	return &GenerateReportAction{gen: g}
}

func (a *GenerateReportAction) Name() string { return "generate_report" }

func (a *GenerateReportAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Generate a report through the configured report generator.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"report_type":{"type":"string"},"format":{"type":"string"},"parameters":{"type":"object"}},"required":["report_type"]}`),
	}
}

func (a *GenerateReportAction) Validate(params map[string]any) error {
	if stringParam(params, "report_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "generate_report: missing 'report_type'")
	}
	return nil
}

func (a *GenerateReportAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	params, _ := input.Params["parameters"].(map[string]any)
	req := ReportRequest{
		ReportType: stringParam(input.Params, "report_type", ""),
		Format:     stringParam(input.Params, "format", "pdf"),
		Parameters: params,
	}
	ref, err := a.gen.Generate(ctx, req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "generate_report failed").WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{
		"report_id":    ref,
		"report_type":  req.ReportType,
		"format":       req.Format,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}}, nil
}
