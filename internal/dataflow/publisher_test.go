package dataflow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads with content type and public url", func(t *testing.T) {
		mem := NewMemoryBackend()
		p := NewPublisher(mem, PublisherConfig{
			Bucket:     "videos",
			Endpoint:   "https://acct.r2.example",
			PublicBase: "https://cdn.example/",
		}, nil)

		pub, err := p.Publish(ctx, writeArtifact(t, "clip2.mp4", "frames"))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if !strings.HasPrefix(pub.Key, "outputs/") || !strings.HasSuffix(pub.Key, ".mp4") {
			t.Errorf("key = %q", pub.Key)
		}
		if pub.URL != "https://cdn.example/"+pub.Key {
			t.Errorf("url = %q", pub.URL)
		}
		if pub.ContentType != "video/mp4" || pub.Size != 6 || pub.Checksum == "" {
			t.Errorf("published = %+v", pub)
		}
		data, ref, ok := mem.Object(pub.Key)
		if !ok || string(data) != "frames" || ref.ContentType != "video/mp4" {
			t.Errorf("stored = %q %+v %v", data, ref, ok)
		}
	})

	t.Run("public base with bucket", func(t *testing.T) {
		p := NewPublisher(NewMemoryBackend(), PublisherConfig{
			Bucket:        "videos",
			PublicBase:    "https://pub.example",
			IncludeBucket: true,
		}, nil)
		pub, err := p.Publish(ctx, writeArtifact(t, "a.webm", "x"))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if pub.URL != "https://pub.example/videos/"+pub.Key {
			t.Errorf("url = %q", pub.URL)
		}
		if pub.ContentType != "video/webm" {
			t.Errorf("content type = %q", pub.ContentType)
		}
	})

	t.Run("endpoint fallback", func(t *testing.T) {
		p := NewPublisher(NewMemoryBackend(), PublisherConfig{
			KeyPrefix: "/renders/",
			Bucket:    "videos",
			Endpoint:  "http://minio:9000/",
		}, nil)
		pub, err := p.Publish(ctx, writeArtifact(t, "a.gif", "x"))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if !strings.HasPrefix(pub.Key, "renders/") {
			t.Errorf("key = %q", pub.Key)
		}
		if pub.URL != "http://minio:9000/videos/"+pub.Key {
			t.Errorf("url = %q", pub.URL)
		}
	})

	t.Run("fresh keys", func(t *testing.T) {
		mem := NewMemoryBackend()
		p := NewPublisher(mem, PublisherConfig{Bucket: "b", Endpoint: "http://e"}, nil)
		src := writeArtifact(t, "same.mp4", "x")
		seen := map[string]bool{}
		for i := 0; i < 20; i++ {
			pub, err := p.Publish(ctx, src)
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if seen[pub.Key] {
				t.Fatalf("key %s reused", pub.Key)
			}
			seen[pub.Key] = true
		}
		if len(mem.Keys()) != 20 {
			t.Errorf("stored %d objects, want 20", len(mem.Keys()))
		}
	})

	t.Run("missing file", func(t *testing.T) {
		p := NewPublisher(NewMemoryBackend(), PublisherConfig{}, nil)
		_, err := p.Publish(ctx, filepath.Join(t.TempDir(), "gone.mp4"))
		var pe *PublishError
		if !errors.As(err, &pe) {
			t.Fatalf("expected PublishError, got %v", err)
		}
		if pe.Key == "" || !errors.Is(err, os.ErrNotExist) {
			t.Errorf("error = %+v", pe)
		}
	})

	t.Run("backend failure", func(t *testing.T) {
		p := NewPublisher(failingBackend{}, PublisherConfig{}, nil)
		_, err := p.Publish(ctx, writeArtifact(t, "a.mp4", "x"))
		var pe *PublishError
		if !errors.As(err, &pe) || !errors.Is(err, errUnavailable) {
			t.Fatalf("expected wrapped backend error, got %v", err)
		}
		if pe.Details()["key"] != pe.Key {
			t.Errorf("details = %v", pe.Details())
		}
	})

	t.Run("presign unsupported by memory", func(t *testing.T) {
		p := NewPublisher(NewMemoryBackend(), PublisherConfig{PresignExpiry: time.Hour}, nil)
		_, err := p.Publish(ctx, writeArtifact(t, "a.mp4", "x"))
		var pe *PublishError
		if !errors.As(err, &pe) {
			t.Fatalf("expected PublishError, got %v", err)
		}
	})
}

var errUnavailable = errors.New("storage unavailable")

type failingBackend struct{}

func (failingBackend) Put(context.Context, string, io.ReadSeeker, string) (*ArtifactRef, error) {
	return nil, errUnavailable
}

func (failingBackend) Get(context.Context, *ArtifactRef) (io.ReadCloser, error) {
	return nil, errUnavailable
}

func (failingBackend) PresignGet(context.Context, *ArtifactRef, time.Duration) (string, error) {
	return "", errUnavailable
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.mp4":  "video/mp4",
		"A.MOV":  "video/quicktime",
		"a.webp": "image/webp",
		"a.bin":  "application/octet-stream",
		"noext":  "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	mem := NewMemoryBackend()
	ref, err := mem.Put(context.Background(), "k/v.json", strings.NewReader(`{"a":1}`), "application/json")
	if err != nil {
		t.Fatal(err)
	}
	rc, err := mem.Get(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != `{"a":1}` {
		t.Errorf("got %q", b)
	}
	if _, err := mem.Get(context.Background(), &ArtifactRef{URI: "memory://missing"}); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestMemoryBackendRefusesOverwrite(t *testing.T) {
	mem := NewMemoryBackend()
	ctx := context.Background()
	if _, err := mem.Put(ctx, "outputs/a.mp4", strings.NewReader("first"), "video/mp4"); err != nil {
		t.Fatal(err)
	}
	_, err := mem.Put(ctx, "outputs/a.mp4", strings.NewReader("second"), "video/mp4")
	if !errors.Is(err, ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}
	if data, _, _ := mem.Object("outputs/a.mp4"); string(data) != "first" {
		t.Errorf("object replaced: %q", data)
	}
}

// fakeS3 accepts path-style PUTs and answers 412 for keys it already holds
// when the request carries If-None-Match: *.
type fakeS3 struct {
	t    *testing.T
	mu   chan struct{}
	keys map[string]bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu <- struct{}{}
	defer func() { <-f.mu }()

	if r.Method != http.MethodPut {
		http.Error(w, "unexpected method", http.StatusMethodNotAllowed)
		return
	}
	io.Copy(io.Discard, r.Body)
	if got := r.Header.Get("If-None-Match"); got != "*" {
		f.t.Errorf("If-None-Match = %q, want *", got)
	}
	if f.keys[r.URL.Path] && r.Header.Get("If-None-Match") == "*" {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusPreconditionFailed)
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`)
		return
	}
	f.keys[r.URL.Path] = true
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func TestS3BackendPutNoOverwrite(t *testing.T) {
	fake := &fakeS3{t: t, mu: make(chan struct{}, 1), keys: map[string]bool{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	backend, err := NewS3Backend(&S3Config{
		Endpoint:        srv.URL,
		Bucket:          "videos",
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ref, err := backend.Put(ctx, "outputs/a.mp4", strings.NewReader("frames"), "video/mp4")
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if ref.URI != "s3://videos/outputs/a.mp4" || ref.Size != 6 {
		t.Errorf("ref = %+v", ref)
	}
	if !fake.keys["/videos/outputs/a.mp4"] {
		t.Errorf("object not stored path-style: %v", fake.keys)
	}

	_, err = backend.Put(ctx, "outputs/a.mp4", strings.NewReader("other"), "video/mp4")
	if !errors.Is(err, ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}

	t.Run("collision surfaces as a publish error", func(t *testing.T) {
		p := NewPublisher(collidingBackend{backend}, PublisherConfig{Bucket: "videos"}, nil)
		_, err := p.Publish(ctx, writeArtifact(t, "clip.mp4", "frames"))
		var pe *PublishError
		if !errors.As(err, &pe) || !errors.Is(err, ErrObjectExists) {
			t.Fatalf("expected PublishError wrapping ErrObjectExists, got %v", err)
		}
	})
}

// collidingBackend writes every object to the same key.
type collidingBackend struct{ *S3Backend }

func (b collidingBackend) Put(ctx context.Context, _ string, data io.ReadSeeker, contentType string) (*ArtifactRef, error) {
	return b.S3Backend.Put(ctx, "outputs/a.mp4", data, contentType)
}

func TestS3Helpers(t *testing.T) {
	if got := EndpointURL("minio:9000", false); got != "http://minio:9000" {
		t.Errorf("EndpointURL = %q", got)
	}
	if got := EndpointURL("https://acct.r2.example/", false); got != "https://acct.r2.example" {
		t.Errorf("EndpointURL = %q", got)
	}
	b := &S3Backend{bucket: "default"}
	cases := map[string][2]string{
		"s3://tmpl/graphs/wan.json": {"tmpl", "graphs/wan.json"},
		"outputs/a.mp4":             {"default", "outputs/a.mp4"},
		"s3:///x.json":              {"default", "x.json"},
	}
	for uri, want := range cases {
		bucket, key := b.splitURI(uri)
		if bucket != want[0] || key != want[1] {
			t.Errorf("splitURI(%q) = %q, %q", uri, bucket, key)
		}
	}
}
