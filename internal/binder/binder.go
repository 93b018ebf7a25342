package binder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/workflow"
)

// BindingError is returned when a required parameter has no target node.
type BindingError struct {
	Param     string
	Attempted []string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind %s: no node matched (tried %s)", e.Param, strings.Join(e.Attempted, "; "))
}

// Details returns diagnostic fields for job results.
func (e *BindingError) Details() map[string]any {
	return map[string]any{
		"param":                e.Param,
		"attempted_strategies": e.Attempted,
	}
}

// Binder resolves parameters to nodes and writes their values.
// A Binder holds no per-job state and is safe for concurrent use.
type Binder struct {
	params []Param
	logger *slog.Logger
}

// New creates a binder for params. Nil params selects DefaultParams.
func New(params []Param, logger *slog.Logger) *Binder {
	if params == nil {
		params = DefaultParams(Options{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{params: params, logger: logger}
}

// Resolve finds the node for p without modifying the graph. The returned
// strategy names every predicate tried, in order.
func Resolve(g *workflow.Graph, p Param) (nodeID string, attempted []string, ok bool) {
	for _, rule := range p.Rules {
		attempted = append(attempted, rule.String())
		g.Each(func(id string, n *workflow.Node) bool {
			if n != nil && rule.Match(id, n) {
				nodeID = id
				return false
			}
			return true
		})
		if nodeID != "" {
			return nodeID, attempted, true
		}
	}
	return "", attempted, false
}

type assignment struct {
	param  Param
	nodeID string
	value  any
}

// Bind writes values into g and returns param name -> node id for every
// parameter bound. All targets are resolved before anything is written, so
// on error g is left untouched.
func (b *Binder) Bind(g *workflow.Graph, values map[string]any) (map[string]string, error) {
	var plan []assignment
	claimed := make(map[string]string) // node id + field -> param
	for _, p := range b.params {
		value, has := values[p.Name]
		if !has || isEmptyOptional(p, value) {
			if p.Required {
				return nil, &BindingError{Param: p.Name, Attempted: []string{"no value supplied"}}
			}
			continue
		}

		nodeID, attempted, ok := Resolve(g, p)
		if !ok {
			if p.Required {
				return nil, &BindingError{Param: p.Name, Attempted: attempted}
			}
			b.logger.Debug("optional parameter skipped",
				slog.String("param", p.Name),
				slog.String("attempted", strings.Join(attempted, "; ")),
			)
			continue
		}
		n, _ := g.Node(nodeID)
		slot := nodeID + "/" + p.fieldFor(n)
		if owner, taken := claimed[slot]; taken {
			if p.Required {
				return nil, &BindingError{Param: p.Name, Attempted: append(attempted, "node "+nodeID+" already bound to "+owner)}
			}
			b.logger.Debug("optional parameter skipped, slot taken",
				slog.String("param", p.Name),
				slog.String("node_id", nodeID),
				slog.String("owner", owner),
			)
			continue
		}
		claimed[slot] = p.Name
		plan = append(plan, assignment{param: p, nodeID: nodeID, value: value})
	}

	bound := make(map[string]string, len(plan))
	for _, a := range plan {
		n, _ := g.Node(a.nodeID)
		n.SetInput(a.param.fieldFor(n), a.value)
		bound[a.param.Name] = a.nodeID
	}
	return bound, nil
}

// isEmptyOptional treats nil and "" as absent for optional parameters.
// Required parameters accept an empty string (an empty prompt is legal).
func isEmptyOptional(p Param, v any) bool {
	if p.Required {
		return v == nil
	}
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
