package actions

import "log/slog"

// BuiltinConfig wires the collaborators behind the built-in action types.
// Nil collaborators fall back to a LogCollaborator.
type BuiltinConfig struct {
	HTTP    HTTPConfig
	Mailer  Mailer
	Tasks   TaskSink
	Reports ReportGenerator
	Logger  *slog.Logger
}

// RegisterBuiltins registers send_email, create_task, update_data, call_api and generate_report.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	fallback := &LogCollaborator{Logger: cfg.Logger}
	if cfg.Mailer == nil {
		cfg.Mailer = fallback
	}
	if cfg.Tasks == nil {
		cfg.Tasks = fallback
	}
	if cfg.Reports == nil {
		cfg.Reports = fallback
	}

	all := []Action{
		NewSendEmailAction(cfg.Mailer),
		NewCreateTaskAction(cfg.Tasks),
		NewUpdateDataAction(),
		NewHTTPRequestAction(cfg.HTTP),
		NewGenerateReportAction(cfg.Reports),
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// ActionTypes lists the action_type values understood by action steps.
var ActionTypes = []string{"send_email", "create_task", "update_data", "call_api", "generate_report"}
