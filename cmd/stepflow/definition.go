package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// readDocument decodes a JSON or YAML file into v. YAML is converted through
// JSON so the schema's json tags apply to both.
func readDocument(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return fmt.Errorf("convert %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadWorkflow reads a workflow definition and fills the defaults a newly
// created workflow would get.
func loadWorkflow(path string) (*schema.Workflow, error) {
	var wf schema.Workflow
	if err := readDocument(path, &wf); err != nil {
		return nil, err
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	if wf.Version <= 0 {
		wf.Version = 1
	}
	if wf.Steps == nil {
		wf.Steps = []schema.Step{}
	}
	return &wf, nil
}
