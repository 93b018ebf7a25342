package comfy

import (
	"encoding/json"
	"time"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/jsonx"
)

// Submission identifies a graph accepted by the engine.
type Submission struct {
	PromptID    string    `json:"prompt_id"`
	ClientID    string    `json:"client_id"`
	Number      int       `json:"number,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FileRef is one file reported by an output node.
type FileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
	Format    string `json:"format,omitempty"`
}

// Artifact list keys in node outputs, in the order they are consulted.
var (
	VideoKeys = []string{"videos", "gifs"}
	ImageKeys = []string{"images"}
)

// NodeOutput is the raw output object of one node. Values are kept raw
// because nodes also report non-file data (text, numbers).
type NodeOutput map[string]json.RawMessage

// Files decodes the file list under key, skipping entries that are not
// objects with a filename.
func (o NodeOutput) Files(key string) []FileRef {
	raw, ok := o[key]
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var refs []FileRef
	for _, item := range items {
		var ref FileRef
		if err := json.Unmarshal(item, &ref); err != nil || ref.Filename == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// Outputs maps node id to output, remembering the order the engine
// reported the nodes in.
type Outputs struct {
	Order []string
	Nodes map[string]NodeOutput
}

// UnmarshalJSON decodes the outputs object, keeping node order. Non-object
// node entries are dropped.
func (o *Outputs) UnmarshalJSON(data []byte) error {
	*o = Outputs{Nodes: map[string]NodeOutput{}}
	if string(data) == "null" || !jsonx.IsObject(data) {
		return nil
	}
	keys, err := jsonx.ObjectKeys(data)
	if err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, id := range keys {
		var out NodeOutput
		if err := json.Unmarshal(raw[id], &out); err != nil {
			continue
		}
		o.Order = append(o.Order, id)
		o.Nodes[id] = out
	}
	return nil
}

// MarshalJSON encodes outputs as a plain object.
func (o Outputs) MarshalJSON() ([]byte, error) {
	if o.Nodes == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(o.Nodes)
}

// Len returns the number of nodes with outputs.
func (o Outputs) Len() int { return len(o.Order) }

// Files returns every file under the given keys, nodes in reported order and
// keys in the order given.
func (o Outputs) Files(keys ...string) []FileRef {
	var refs []FileRef
	for _, id := range o.Order {
		for _, k := range keys {
			refs = append(refs, o.Nodes[id].Files(k)...)
		}
	}
	return refs
}

// RecordStatus is the engine's status block.
type RecordStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages,omitempty"`
}

// Record is a history entry for a submission. The engine does not keep it
// consistent: outputs may be empty although files were written, and names
// may point to places that do not exist.
type Record struct {
	PromptID string        `json:"-"`
	Outputs  Outputs       `json:"outputs"`
	Status   *RecordStatus `json:"status,omitempty"`
}

// HasArtifacts reports whether any node lists at least one file.
func (r *Record) HasArtifacts() bool {
	keys := append(append([]string{}, VideoKeys...), ImageKeys...)
	return len(r.Outputs.Files(keys...)) > 0
}

// Done reports whether the record signals completion: a non-empty artifact
// list or an explicit completed status. Empty outputs count as pending.
func (r *Record) Done() bool {
	if r.HasArtifacts() {
		return true
	}
	if r.Status == nil {
		return false
	}
	return r.Status.Completed || r.Status.StatusStr == "success"
}

// Failed returns the engine-reported execution error, if any.
func (r *Record) Failed() *ExecutionError {
	if r.Status == nil || r.Status.StatusStr != "error" {
		return nil
	}
	e := &ExecutionError{PromptID: r.PromptID}
	// Messages are [name, payload] pairs.
	for _, m := range r.Status.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(m, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var name string
		if err := json.Unmarshal(pair[0], &name); err != nil || name != "execution_error" {
			continue
		}
		var payload struct {
			NodeID           string `json:"node_id"`
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(pair[1], &payload); err == nil {
			e.NodeID = payload.NodeID
			e.NodeType = payload.NodeType
			e.Message = payload.ExceptionMessage
		}
	}
	return e
}

// decodeHistory extracts the record for promptID from a history response.
// The engine answers either {promptID: record} or the bare record; an empty
// object means the prompt is not finished yet.
func decodeHistory(promptID string, body []byte) (*Record, bool, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, false, err
	}

	raw, ok := top[promptID]
	if !ok {
		_, hasOutputs := top["outputs"]
		_, hasStatus := top["status"]
		if !hasOutputs && !hasStatus {
			return nil, false, nil
		}
		raw = body
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	rec.PromptID = promptID
	return &rec, true, nil
}
