package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow and, optionally, one of its
// executions. Steps are laid out in execution order; declared connections are
// added as separate edges.
func Build(wf *schema.Workflow, exec *schema.Execution) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}
	if exec != nil && exec.WorkflowID != wf.ID {
		return nil, fmt.Errorf("diagram: execution %s belongs to workflow %s, not %s", exec.ID, exec.WorkflowID, wf.ID)
	}

	nodes := make([]*Node, 0, len(wf.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	known := make(map[string]bool, len(wf.Steps))

	for i := range wf.Steps {
		step := &wf.Steps[i]
		node := &Node{ID: step.ID, Label: nodeLabel(step), Kind: stepTypeToKind(step.Type)}
		if exec != nil {
			node.Status = overlay(step, exec)
		}
		if step.Type == schema.StepTypeLoop {
			if body := loopBody(step); len(body) > 0 {
				node.Children = append(node.Children, buildSubGraph("body", step.ID, body))
			}
		}
		nodes = append(nodes, node)
		known[step.ID] = true
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  wf.Name,
		Nodes:  nodes,
		Edges:  buildEdges(wf.Steps, known),
		Levels: buildLevels(wf.Steps),
	}, nil
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeLoop:
		return NodeKindLoop
	case schema.StepTypeDelay:
		return NodeKindDelay
	case schema.StepTypeWebhook:
		return NodeKindWebhook
	case schema.StepTypeScript:
		return NodeKindScript
	default:
		return NodeKindAction
	}
}

// nodeLabel is the step name (or id) with the action type on a second line.
func nodeLabel(step *schema.Step) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	if step.Type == schema.StepTypeAction {
		if at, _ := step.Config["action_type"].(string); at != "" {
			return fmt.Sprintf("%s\n(%s)", name, at)
		}
	}
	return name
}

// overlay derives a step's runtime state from the execution record.
func overlay(step *schema.Step, exec *schema.Execution) *StatusOverlay {
	ov := &StatusOverlay{}
	switch {
	case slices.Contains(exec.StepsExecuted, step.ID):
		ov.Status = StatusCompleted
	case continuedError(exec, step.ID) != "":
		ov.Status = StatusFailed
		ov.Error = continuedError(exec, step.ID)
	case step.ID == exec.CurrentStep:
		switch exec.Status {
		case schema.ExecutionRunning:
			ov.Status = StatusRunning
		case schema.ExecutionFailed:
			ov.Status = StatusFailed
			ov.Error = exec.ErrorMessage
		case schema.ExecutionCancelled:
			ov.Status = StatusCancelled
		default:
			ov.Status = StatusCompleted
		}
	case exec.Status == schema.ExecutionRunning:
		ov.Status = StatusPending
	default:
		ov.Status = StatusSkipped
	}

	if v, ok := exec.ConditionResults[step.ID]; ok {
		ov.Condition = &v
	}
	if lr, ok := exec.LoopResults[step.ID]; ok {
		ov.Iterations = lr.Iterations
	}
	return ov
}

// continuedError returns the error recorded for a step that failed under the continue policy.
func continuedError(exec *schema.Execution, stepID string) string {
	steps, _ := exec.OutputData["steps"].(map[string]any)
	out, _ := steps[stepID].(map[string]any)
	msg, _ := out["error"].(string)
	return msg
}

func loopBody(step *schema.Step) []schema.Step {
	var cfg struct {
		Steps []schema.Step `json:"steps"`
	}
	if step.DecodeConfig(&cfg) != nil {
		return nil
	}
	return cfg.Steps
}

// buildSubGraph lays out a loop body. Sub-step IDs are parentID.namespace.subStepID.
func buildSubGraph(namespace, parentID string, steps []schema.Step) *SubGraph {
	sg := &SubGraph{Label: namespace}
	qualify := func(id string) string { return fmt.Sprintf("%s.%s.%s", parentID, namespace, id) }

	for i := range steps {
		sub := &steps[i]
		sg.Nodes = append(sg.Nodes, &Node{
			ID:    qualify(sub.ID),
			Label: firstLine(nodeLabel(sub)),
			Kind:  stepTypeToKind(sub.Type),
		})
		if i > 0 {
			sg.Edges = append(sg.Edges, Edge{From: qualify(steps[i-1].ID), To: qualify(sub.ID), Kind: EdgeSequence})
		}
	}
	return sg
}

// buildEdges chains start, every step and end in order, then adds each
// connection that points at a known step.
func buildEdges(steps []schema.Step, known map[string]bool) []Edge {
	edges := make([]Edge, 0, len(steps)+1)
	prev := startID
	for _, s := range steps {
		edges = append(edges, Edge{From: prev, To: s.ID, Kind: EdgeSequence})
		prev = s.ID
	}
	edges = append(edges, Edge{From: prev, To: endID, Kind: EdgeSequence})

	for _, s := range steps {
		for _, target := range s.Connections {
			if !known[target] {
				continue
			}
			edges = append(edges, Edge{From: s.ID, To: target, Label: "link", Kind: EdgeConnection})
		}
	}
	return edges
}

// buildLevels puts every step on its own level between start and end.
func buildLevels(steps []schema.Step) [][]string {
	levels := make([][]string, 0, len(steps)+2)
	levels = append(levels, []string{startID})
	for _, s := range steps {
		levels = append(levels, []string{s.ID})
	}
	levels = append(levels, []string{endID})
	return levels
}
