package diagram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func orderWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:   "wf-orders",
		Name: "Order intake",
		Steps: []schema.Step{
			{ID: "validate", Type: schema.StepTypeAction, Config: map[string]any{"action_type": "validate_data"}},
			{ID: "big-order", Type: schema.StepTypeCondition, Config: map[string]any{"condition_type": "field_comparison"}},
			{ID: "items", Type: schema.StepTypeLoop, Config: map[string]any{
				"loop_type": "for", "count": 2,
				"steps": []any{
					map[string]any{"id": "tick", "type": "script", "config": map[string]any{"expression": "1"}},
					map[string]any{"id": "tock", "type": "script", "config": map[string]any{"expression": "2"}},
				},
			}},
			{ID: "notify", Type: schema.StepTypeWebhook, Connections: []string{"validate", "ghost"}},
			{ID: "pause", Name: "Cool down", Type: schema.StepTypeDelay},
		},
	}
}

func findEdge(edges []Edge, from, to string) *Edge {
	for i := range edges {
		if edges[i].From == from && edges[i].To == to {
			return &edges[i]
		}
	}
	return nil
}

func TestBuild_Structure(t *testing.T) {
	model, err := Build(orderWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Order intake", model.Title)
	require.Len(t, model.Nodes, 7)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[6].Kind)
	assert.Equal(t, "validate\n(validate_data)", model.Nodes[1].Label)
	assert.Equal(t, NodeKindCondition, model.Nodes[2].Kind)
	assert.Equal(t, "Cool down", model.Nodes[5].Label)
	for _, n := range model.Nodes {
		assert.Nil(t, n.Status, "no overlay without an execution")
	}

	require.NotNil(t, findEdge(model.Edges, startID, "validate"))
	require.NotNil(t, findEdge(model.Edges, "validate", "big-order"))
	require.NotNil(t, findEdge(model.Edges, "pause", endID))

	link := findEdge(model.Edges, "notify", "validate")
	require.NotNil(t, link)
	assert.Equal(t, EdgeConnection, link.Kind)
	assert.Nil(t, findEdge(model.Edges, "notify", "ghost"), "dangling connections are not drawn")

	loop := model.Nodes[3]
	require.Len(t, loop.Children, 1)
	body := loop.Children[0]
	require.Len(t, body.Nodes, 2)
	assert.Equal(t, "items.body.tick", body.Nodes[0].ID)
	assert.Equal(t, []Edge{{From: "items.body.tick", To: "items.body.tock", Kind: EdgeSequence}}, body.Edges)

	assert.Len(t, model.Levels, 7)
}

func TestBuild_EmptyWorkflow(t *testing.T) {
	model, err := Build(&schema.Workflow{ID: "empty", Name: "Empty"}, nil)
	require.NoError(t, err)
	assert.Len(t, model.Nodes, 2)
	assert.Equal(t, []Edge{{From: startID, To: endID, Kind: EdgeSequence}}, model.Edges)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)

	_, err = Build(orderWorkflow(), &schema.Execution{ID: "e1", WorkflowID: "other"})
	assert.ErrorContains(t, err, "belongs to workflow other")
}

func TestBuild_Overlay(t *testing.T) {
	tests := []struct {
		name     string
		exec     *schema.Execution
		expected map[string]string
	}{
		{
			name: "failed mid-run",
			exec: &schema.Execution{
				Status:        schema.ExecutionFailed,
				StepsExecuted: []string{"validate", "big-order"},
				CurrentStep:   "items",
				ErrorMessage:  "loop exploded",
			},
			expected: map[string]string{
				"validate": StatusCompleted, "big-order": StatusCompleted,
				"items": StatusFailed, "notify": StatusSkipped, "pause": StatusSkipped,
			},
		},
		{
			name: "running",
			exec: &schema.Execution{
				Status:        schema.ExecutionRunning,
				StepsExecuted: []string{"validate"},
				CurrentStep:   "big-order",
			},
			expected: map[string]string{
				"validate": StatusCompleted, "big-order": StatusRunning,
				"items": StatusPending, "pause": StatusPending,
			},
		},
		{
			name: "continued past a failure",
			exec: &schema.Execution{
				Status:        schema.ExecutionCompleted,
				StepsExecuted: []string{"validate", "big-order", "items", "pause"},
				CurrentStep:   "pause",
				OutputData: map[string]any{"steps": map[string]any{
					"notify": map[string]any{"error": "webhook returned 503"},
				}},
			},
			expected: map[string]string{"notify": StatusFailed, "pause": StatusCompleted},
		},
		{
			name: "cancelled",
			exec: &schema.Execution{
				Status:      schema.ExecutionCancelled,
				CurrentStep: "validate",
			},
			expected: map[string]string{"validate": StatusCancelled, "big-order": StatusSkipped},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.exec.ID = "e1"
			tt.exec.WorkflowID = "wf-orders"
			model, err := Build(orderWorkflow(), tt.exec)
			require.NoError(t, err)
			for id, want := range tt.expected {
				node := findNode(model.Nodes, id)
				require.NotNil(t, node, id)
				require.NotNil(t, node.Status, id)
				assert.Equal(t, want, node.Status.Status, id)
			}
		})
	}
}

func TestRenderMermaid(t *testing.T) {
	exec := &schema.Execution{
		ID: "e1", WorkflowID: "wf-orders", Status: schema.ExecutionCompleted,
		StepsExecuted:    []string{"validate", "big-order", "items", "notify", "pause"},
		ConditionResults: map[string]bool{"big-order": true},
		LoopResults:      map[string]schema.LoopResult{"items": {LoopType: "for", Iterations: 2}},
	}
	model, err := Build(orderWorkflow(), exec)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% Order intake")
	assert.Contains(t, out, `validate["validate"]`)
	assert.Contains(t, out, `big_order{"big-order = true"}`)
	assert.Contains(t, out, `items[["items x2"]]`)
	assert.Contains(t, out, `notify[/"notify"/]`)
	assert.Contains(t, out, `pause(["Cool down"])`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, "subgraph items_body")
	assert.Contains(t, out, "items_body_tick --> items_body_tock")
	assert.Contains(t, out, "validate --> big_order")
	assert.Contains(t, out, "notify -.->|link| validate")
	assert.Contains(t, out, "class big_order completed")
	assert.NotContains(t, out, "class __start__")
}

func TestRenderASCII(t *testing.T) {
	exec := &schema.Execution{
		ID: "e1", WorkflowID: "wf-orders", Status: schema.ExecutionFailed,
		StepsExecuted: []string{"validate"},
		CurrentStep:   "big-order",
		ErrorMessage:  "EXPRESSION_ERROR: no such key: amount",
	}
	model, err := Build(orderWorkflow(), exec)
	require.NoError(t, err)

	out := RenderASCII(model)
	assert.Contains(t, out, "=== Order intake ===")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "[SKIP]")
	assert.Contains(t, out, "EXPRESSION_ERROR: no such key: amount")
	assert.Contains(t, out, "--- links ---")
	assert.Contains(t, out, "notify ┈→ validate")
	assert.Contains(t, out, "items body:")
	assert.Contains(t, out, "├─ tick <script>")
	assert.Contains(t, out, "tick ─→ tock")
	assert.Contains(t, out, "<action> (validate_data)")
	assert.Contains(t, out, "validate [OK]")

	// every box in the column has the same width
	var widths []int
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "┌") {
			widths = append(widths, utf8.RuneCountInString(line))
		}
	}
	require.Len(t, widths, 7)
	for _, w := range widths {
		assert.Equal(t, widths[0], w)
	}
}

func TestRender(t *testing.T) {
	model, err := Build(orderWorkflow(), nil)
	require.NoError(t, err)

	m, err := Render(model, "")
	require.NoError(t, err)
	assert.Equal(t, RenderMermaid(model), m)

	a, err := Render(model, FormatASCII)
	require.NoError(t, err)
	assert.Equal(t, RenderASCII(model), a)

	_, err = Render(model, "png")
	assert.Error(t, err)
}
