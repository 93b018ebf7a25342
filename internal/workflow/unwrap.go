package workflow

import (
	"encoding/json"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/jsonx"
)

// maxEnvelopeDepth bounds how many wrapper levels Unwrap peels off.
const maxEnvelopeDepth = 2

// envelopePaths are checked in order at every level. Each path is a chain of
// keys leading to the wrapped graph.
var envelopePaths = [][]string{
	{"input", "workflow"},
	{"workflow"},
	{"prompt"},
}

// Unwrap strips known request envelopes from a template document and returns
// the innermost object. A document that is already a bare graph is returned
// unchanged. Wrapper values that look like a node (they carry class_type) are
// treated as graph entries, not envelopes.
func Unwrap(raw json.RawMessage) (json.RawMessage, error) {
	if !jsonx.IsObject(raw) {
		return nil, jsonx.ErrNotObject
	}
	for depth := 0; depth < maxEnvelopeDepth; depth++ {
		inner, ok := unwrapOnce(raw)
		if !ok {
			break
		}
		raw = inner
	}
	return raw, nil
}

func unwrapOnce(raw json.RawMessage) (json.RawMessage, bool) {
	for _, path := range envelopePaths {
		if inner, ok := lookup(raw, path); ok && !looksLikeNode(inner) {
			return inner, true
		}
	}
	return nil, false
}

func lookup(raw json.RawMessage, path []string) (json.RawMessage, bool) {
	cur := raw
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[key]
		if !ok || !jsonx.IsObject(next) {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func looksLikeNode(raw json.RawMessage) bool {
	var node struct {
		ClassType *string `json:"class_type"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return false
	}
	return node.ClassType != nil
}
