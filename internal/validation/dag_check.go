package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateConnections checks the connections graph of top-level steps.
// Dangling references are errors. Execution is straight-line, so cycles and
// self references are only warnings.
func validateConnections(steps []schema.Step) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(steps))
	for _, s := range steps {
		stepIDs[s.ID] = true
	}

	// edges[id] = successors of id
	edges := make(map[string][]string, len(steps))
	inDegree := make(map[string]int, len(steps))
	for id := range stepIDs {
		inDegree[id] = 0
	}

	for i, s := range steps {
		seen := make(map[string]bool, len(s.Connections))
		for j, next := range s.Connections {
			path := fmt.Sprintf("steps[%d].connections[%d]", i, j)
			switch {
			case !stepIDs[next]:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent step %q", next))
				continue
			case next == s.ID:
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q connects to itself", s.ID))
				continue
			case seen[next]:
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("duplicate connection to %q", next))
				continue
			}
			seen[next] = true
			edges[s.ID] = append(edges[s.ID], next)
			inDegree[next]++
		}
	}

	// Kahn's algorithm; whatever is never released sits on a cycle.
	queue := make([]string, 0, len(steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(stepIDs) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddWarning("steps", schema.ErrCodeValidation,
			fmt.Sprintf("connections form a cycle through %s", strings.Join(cyclic, ", ")))
	}

	return result
}
