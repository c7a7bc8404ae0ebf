package schema

// PipelineDefinition is the JSON-serializable pipeline graph format.
// Operators publish these once; a published definition is immutable.
type PipelineDefinition struct {
	Nodes          []NodeDefinition `json:"nodes"`
	Edges          []EdgeDefinition `json:"edges"`
	EntryPoint     string           `json:"entry_point"`
	RequiredAgents []string         `json:"required_agents,omitempty"`
	RequiredMCPs   []string         `json:"required_mcps,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a pipeline graph.
type NodeDefinition struct {
	ID         string   `json:"id"`
	Type       NodeType `json:"type,omitempty"`      // defaults to agent_call
	Label      string   `json:"label,omitempty"`     // display name
	Agent      string   `json:"agent,omitempty"`     // agent that runs this node
	Condition  string   `json:"condition,omitempty"` // CEL expression; false skips the node
	Transform  string   `json:"transform,omitempty"` // jq program, output nodes only
	MaxRetries int      `json:"max_retries,omitempty"`
	Timeout    string   `json:"timeout,omitempty"` // per-attempt timeout, e.g. "30s"
}

// EdgeDefinition is a directed dependency: To runs after From completes.
type EdgeDefinition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NodeType enumerates the kinds of nodes in a pipeline graph.
type NodeType string

const (
	NodeTypeTrigger    NodeType = "trigger"
	NodeTypeAgentCall  NodeType = "agent_call"
	NodeTypeMCPCall    NodeType = "mcp_call"
	NodeTypeAction     NodeType = "action"
	NodeTypeValidation NodeType = "validation"
	NodeTypeOutput     NodeType = "output"
)

// ValidNodeTypes is the set of recognized node types.
var ValidNodeTypes = map[NodeType]bool{
	NodeTypeTrigger:    true,
	NodeTypeAgentCall:  true,
	NodeTypeMCPCall:    true,
	NodeTypeAction:     true,
	NodeTypeValidation: true,
	NodeTypeOutput:     true,
}

// RequiresAgent reports whether nodes of this type consume an agent slot.
// Trigger and output nodes are pure bookkeeping and never call out.
func (t NodeType) RequiresAgent() bool {
	switch t {
	case NodeTypeAgentCall, NodeTypeMCPCall, NodeTypeAction, NodeTypeValidation:
		return true
	default:
		return false
	}
}

// Normalize fills node type defaults in place.
func (d *PipelineDefinition) Normalize() {
	for i := range d.Nodes {
		if d.Nodes[i].Type == "" {
			d.Nodes[i].Type = NodeTypeAgentCall
		}
	}
}

// Node returns the node definition with the given id, or nil.
func (d *PipelineDefinition) Node(id string) *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}
