package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindDelay     NodeKind = "delay"
	NodeKindWebhook   NodeKind = "webhook"
	NodeKindScript    NodeKind = "script"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Overlay statuses derived from an execution record.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusCancelled = "cancelled"
	StatusPending   = "pending"
	StatusSkipped   = "skipped"
)

// EdgeKind distinguishes execution order from declared connections.
type EdgeKind string

const (
	EdgeSequence   EdgeKind = "sequence"
	EdgeConnection EdgeKind = "connection"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // loop body
}

// SubGraph holds the nested steps of a loop.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string
	Error      string
	Condition  *bool // condition steps only
	Iterations int   // loop steps only
}

// Edge represents a link between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  EdgeKind
}
