// Package workflow loads and models the engine's declarative node graph.
//
// A graph is a JSON object keyed by node id. Go maps do not keep insertion
// order, so Graph records the document order of node ids separately; every
// "first match" lookup in the binder walks that order.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/jsonx"
)

// Node is a single step of the graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Title returns the human title from the node's metadata, if any.
func (n *Node) Title() string {
	if n == nil || n.Meta == nil {
		return ""
	}
	title, _ := n.Meta["title"].(string)
	return title
}

// SetInput writes value into the node's inputs under field.
func (n *Node) SetInput(field string, value any) {
	if n.Inputs == nil {
		n.Inputs = make(map[string]any)
	}
	n.Inputs[field] = value
}

func (n *Node) clone() *Node {
	out := &Node{ClassType: n.ClassType}
	if n.Inputs != nil {
		out.Inputs = deepCopy(n.Inputs).(map[string]any)
	}
	if n.Meta != nil {
		out.Meta = deepCopy(n.Meta).(map[string]any)
	}
	return out
}

// Graph maps node ids to nodes and remembers document order.
// A Graph is owned by a single job and is not safe for concurrent mutation.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add appends a node. Node ids must be unique.
func (g *Graph) Add(id string, n *Node) error {
	if g.nodes == nil {
		g.nodes = make(map[string]*Node)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("duplicate node id %q", id)
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// IDs returns node ids in document order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Each calls fn for every node in document order until fn returns false.
func (g *Graph) Each(fn func(id string, n *Node) bool) {
	for _, id := range g.order {
		if !fn(id, g.nodes[id]) {
			return
		}
	}
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		nodes: make(map[string]*Node, len(g.nodes)),
		order: make([]string, len(g.order)),
	}
	copy(out.order, g.order)
	for id, n := range g.nodes {
		out.nodes[id] = n.clone()
	}
	return out
}

// MarshalJSON encodes the graph as an object, preserving document order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range g.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(g.nodes[id])
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object of nodes. Numbers are kept as json.Number
// so large seeds survive a round trip.
func (g *Graph) UnmarshalJSON(data []byte) error {
	keys, err := jsonx.ObjectKeys(data)
	if err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*g = Graph{nodes: make(map[string]*Node, len(keys))}
	for _, id := range keys {
		dec := json.NewDecoder(bytes.NewReader(raw[id]))
		dec.UseNumber()
		var n Node
		if err := dec.Decode(&n); err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		if err := g.Add(id, &n); err != nil {
			return err
		}
	}
	return nil
}

// Preview returns up to n node ids, for error context.
func (g *Graph) Preview(n int) []string {
	ids := g.IDs()
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// String renders a short description like "3 nodes [134 148 9]".
func (g *Graph) String() string {
	return fmt.Sprintf("%d nodes [%s]", g.Len(), strings.Join(g.Preview(10), " "))
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
