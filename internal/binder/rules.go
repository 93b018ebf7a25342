// Package binder writes runtime values (prompt text, staged image name, ...)
// into the graph nodes that should receive them.
//
// Each parameter carries an ordered list of predicates. The first predicate
// that matches any node wins, and within a predicate the first node in
// document order wins.
package binder

import (
	"fmt"
	"strings"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/workflow"
)

// Predicate selects graph nodes.
type Predicate interface {
	Match(id string, n *workflow.Node) bool
	String() string
}

type byID string

// ByID matches exactly one node id.
func ByID(id string) Predicate { return byID(id) }

func (p byID) Match(id string, _ *workflow.Node) bool { return id == string(p) }
func (p byID) String() string                         { return "id=" + string(p) }

type byClassAndTitle struct {
	class string
	title string
}

// ByClassAndTitle matches nodes of class whose title contains substr,
// case-insensitively.
func ByClassAndTitle(class, substr string) Predicate {
	return byClassAndTitle{class: class, title: strings.ToLower(substr)}
}

func (p byClassAndTitle) Match(_ string, n *workflow.Node) bool {
	return n.ClassType == p.class && strings.Contains(strings.ToLower(n.Title()), p.title)
}

func (p byClassAndTitle) String() string {
	return fmt.Sprintf("class=%s title~%q", p.class, p.title)
}

type byClass []string

// ByClass matches nodes of any of the given classes.
func ByClass(classes ...string) Predicate { return byClass(classes) }

func (p byClass) Match(_ string, n *workflow.Node) bool {
	for _, c := range p {
		if n.ClassType == c {
			return true
		}
	}
	return false
}

func (p byClass) String() string { return "class=" + strings.Join(p, "|") }

// Param describes one runtime input and how to find its node.
type Param struct {
	Name string

	// Field is the inputs key written on the matched node. When Fields is set
	// instead, the first key already present on the node is used.
	Field  string
	Fields []string

	Required bool
	Rules    []Predicate
}

func (p Param) fieldFor(n *workflow.Node) string {
	if len(p.Fields) == 0 {
		return p.Field
	}
	for _, f := range p.Fields {
		if _, ok := n.Inputs[f]; ok {
			return f
		}
	}
	return p.Fields[0]
}

// Well-known parameter names.
const (
	ParamPrompt         = "prompt"
	ParamImage          = "image"
	ParamNegativePrompt = "negative_prompt"
	ParamSeed           = "seed"
	ParamPrecision      = "precision"
)

// Options tunes the default parameter set.
type Options struct {
	PromptNodeID string
	ImageNodeID  string
}

// DefaultParams returns the parameter set for image-to-video graphs.
func DefaultParams(opts Options) []Param {
	if opts.PromptNodeID == "" {
		opts.PromptNodeID = "134"
	}
	if opts.ImageNodeID == "" {
		opts.ImageNodeID = "148"
	}
	return []Param{
		{
			Name:     ParamPrompt,
			Field:    "text",
			Required: true,
			Rules: []Predicate{
				ByID(opts.PromptNodeID),
				ByClassAndTitle("CLIPTextEncode", "positive"),
				ByClass("CLIPTextEncode"),
			},
		},
		{
			Name:     ParamImage,
			Field:    "image",
			Required: true,
			Rules: []Predicate{
				ByID(opts.ImageNodeID),
				ByClass("LoadImage"),
			},
		},
		{
			Name:  ParamNegativePrompt,
			Field: "text",
			Rules: []Predicate{
				ByClassAndTitle("CLIPTextEncode", "negative"),
			},
		},
		{
			Name:   ParamSeed,
			Fields: []string{"seed", "noise_seed"},
			Rules: []Predicate{
				ByClass("KSampler", "KSamplerAdvanced", "RandomNoise", "WanVideoSampler"),
			},
		},
		{
			Name:  ParamPrecision,
			Field: "weight_dtype",
			Rules: []Predicate{
				ByClass("UNETLoader"),
			},
		},
	}
}
