package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/flexinfer/mentatlab/services/videogen-worker/internal/dataflow"
)

const bareGraph = `{
  "148": {"class_type": "LoadImage", "inputs": {"image": ""}},
  "134": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 0]}, "_meta": {"title": "Positive Prompt"}},
  "3": {"class_type": "KSampler", "inputs": {"seed": 1125899906842624}}
}`

func writeTemplate(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewStore(FileSource{Path: path}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_LoadEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bare", bareGraph},
		{"input.workflow", `{"input": {"workflow": ` + bareGraph + `}}`},
		{"workflow", `{"workflow": ` + bareGraph + `}`},
		{"two levels", `{"workflow": {"prompt": ` + bareGraph + `}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, writeTemplate(t, "workflow.json", tt.doc))
			g, err := store.Load(context.Background())
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			want := []string{"148", "134", "3"}
			if got := g.IDs(); !reflect.DeepEqual(got, want) {
				t.Errorf("expected ids %v, got %v", want, got)
			}
			n, _ := g.Node("134")
			if n.Title() != "Positive Prompt" {
				t.Errorf("expected title, got %q", n.Title())
			}
		})
	}
}

func TestStore_NodeNamedLikeEnvelopeIsNotUnwrapped(t *testing.T) {
	doc := `{"workflow": {"class_type": "Note", "inputs": {}}, "1": {"class_type": "LoadImage", "inputs": {}}}`
	store := newTestStore(t, writeTemplate(t, "wf.json", doc))

	g, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if g.Len() != 2 {
		t.Errorf("expected 2 nodes, got %d", g.Len())
	}
}

func TestStore_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"array", `[1, 2, 3]`},
		{"scalar node", `{"1": "LoadImage"}`},
		{"inputs not object", `{"1": {"class_type": "LoadImage", "inputs": []}}`},
		{"missing class_type", `{"1": {"inputs": {}}}`},
		{"empty", `{}`},
		{"not json", `{"1": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, writeTemplate(t, "wf.json", tt.doc))
			_, err := store.Load(context.Background())
			var tfe *TemplateFormatError
			if !errors.As(err, &tfe) {
				t.Fatalf("expected TemplateFormatError, got %v", err)
			}
			if !strings.HasSuffix(tfe.Source, "wf.json") {
				t.Errorf("expected source in error, got %q", tfe.Source)
			}
		})
	}
}

func TestStore_MissingFile(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "absent.json"))
	_, err := store.Load(context.Background())
	var tfe *TemplateFormatError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected TemplateFormatError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped not-exist error, got %v", err)
	}
}

func TestStore_YAMLKeepsOrder(t *testing.T) {
	doc := `
workflow:
  "20":
    class_type: CLIPTextEncode
    inputs: {text: ""}
  "10":
    class_type: CLIPTextEncode
    inputs: {text: ""}
`
	store := newTestStore(t, writeTemplate(t, "wf.yaml", doc))
	g, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := g.IDs(); !reflect.DeepEqual(got, []string{"20", "10"}) {
		t.Errorf("expected document order, got %v", got)
	}
}

func TestStore_LoadReturnsIndependentCopies(t *testing.T) {
	store := newTestStore(t, writeTemplate(t, "wf.json", bareGraph))
	ctx := context.Background()

	first, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	n, _ := first.Node("134")
	n.SetInput("text", "mutated")

	second, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	n2, _ := second.Node("134")
	if n2.Inputs["text"] != "" {
		t.Errorf("expected fresh copy, got %v", n2.Inputs["text"])
	}
}

func TestGraph_RoundTripKeepsLargeNumbers(t *testing.T) {
	g := NewGraph()
	if err := g.UnmarshalJSON([]byte(bareGraph)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	out, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "1125899906842624") {
		t.Errorf("seed lost precision: %s", out)
	}
	if strings.Index(string(out), `"148"`) > strings.Index(string(out), `"134"`) {
		t.Errorf("expected document order in output: %s", out)
	}
}

func TestGraph_Clone(t *testing.T) {
	g := NewGraph()
	if err := g.UnmarshalJSON([]byte(bareGraph)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	c := g.Clone()
	n, _ := c.Node("134")
	n.SetInput("text", "changed")
	n.Inputs["clip"].([]any)[0] = "99"

	orig, _ := g.Node("134")
	if orig.Inputs["text"] != "" {
		t.Errorf("clone shares inputs")
	}
	if orig.Inputs["clip"].([]any)[0] != "4" {
		t.Errorf("clone shares nested slices")
	}
}

func TestGraph_AddRejectsDuplicates(t *testing.T) {
	g := NewGraph()
	if err := g.Add("1", &Node{ClassType: "A"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Add("1", &Node{ClassType: "B"}); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestStore_ObjectSource(t *testing.T) {
	backend := dataflow.NewMemoryBackend()
	if _, err := backend.Put(context.Background(), "templates/i2v.json", strings.NewReader(bareGraph), "application/json"); err != nil {
		t.Fatal(err)
	}

	src, err := SourceFor("s3://workflows/templates/i2v.json", backend)
	if err != nil {
		t.Fatalf("SourceFor: %v", err)
	}
	store, err := NewStore(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	g, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := g.IDs(); !reflect.DeepEqual(got, []string{"148", "134", "3"}) {
		t.Errorf("IDs() = %v", got)
	}

	if _, err := SourceFor("s3://workflows/x.json", nil); err == nil {
		t.Error("object source without a backend should fail")
	}
	if src, _ := SourceFor("/comfyui/workflow.json", nil); src.String() != "/comfyui/workflow.json" {
		t.Errorf("file source = %v", src)
	}
}
