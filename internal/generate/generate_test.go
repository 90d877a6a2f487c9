package generate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snipd-dev/snipd/internal/ai"
	"github.com/snipd-dev/snipd/internal/queue"
)

type fakeChatClient struct {
	mu      sync.Mutex
	content string
	chunks  []string
	err     error
	delay   time.Duration
	unloads int
	formats []json.RawMessage
}

func (f *fakeChatClient) Model() string { return "fake-model" }

func (f *fakeChatClient) Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	f.mu.Lock()
	f.formats = append(f.formats, req.Format)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ai.ChatResponse{Content: f.content}, nil
}

func (f *fakeChatClient) ChatStream(ctx context.Context, req ai.ChatRequest, onChunk func(string)) (*ai.ChatResponse, error) {
	var full strings.Builder
	for _, c := range f.chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		full.WriteString(c)
		onChunk(c)
	}
	return &ai.ChatResponse{Content: full.String()}, nil
}

func (f *fakeChatClient) Unload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
	return nil
}

func TestGenerateResponseCompletes(t *testing.T) {
	client := &fakeChatClient{content: "a detailed description"}
	e := New(client)
	defer e.Cleanup(context.Background())

	done := make(chan Response, 1)
	e.Completed.Subscribe(func(r Response) { done <- r })

	id := e.GenerateResponse([]ai.Message{{Role: "user", Content: "describe"}}, false, nil, "img-1")
	if id != "img-1" {
		t.Errorf("expected caller-supplied task id, got %s", id)
	}

	select {
	case r := <-done:
		if r.TaskID != "img-1" || r.Message != "a detailed description" || r.IsJSON {
			t.Errorf("unexpected response: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestCompletionOrderIsFIFO(t *testing.T) {
	client := &fakeChatClient{content: "ok", delay: 10 * time.Millisecond}
	e := New(client)
	defer e.Cleanup(context.Background())

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	e.Completed.Subscribe(func(r Response) {
		mu.Lock()
		order = append(order, r.TaskID)
		mu.Unlock()
		done <- struct{}{}
	})

	e.GenerateResponse(nil, false, nil, "a")
	e.GenerateResponse(nil, false, nil, "b")
	e.GenerateResponse(nil, false, nil, "c")

	for range 3 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected completion order a b c, got %v", order)
	}
}

func TestStreamingEmitsChunksThenCompletion(t *testing.T) {
	client := &fakeChatClient{chunks: []string{"Hel", "lo"}}
	e := New(client)
	defer e.Cleanup(context.Background())

	var mu sync.Mutex
	var chunks []string
	done := make(chan Response, 1)
	e.Chunks.Subscribe(func(c Chunk) {
		mu.Lock()
		chunks = append(chunks, c.Content)
		mu.Unlock()
	})
	e.Completed.Subscribe(func(r Response) { done <- r })

	e.GenerateResponse([]ai.Message{{Role: "user", Content: "hi"}}, true, nil, "s-1")

	select {
	case r := <-done:
		if r.Message != "Hello" {
			t.Errorf("expected concatenated message Hello, got %q", r.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Errorf("unexpected chunks: %v", chunks)
	}
}

func TestErrorEmittedWithTaskID(t *testing.T) {
	client := &fakeChatClient{err: errors.New("model exploded")}
	e := New(client)
	defer e.Cleanup(context.Background())

	errs := make(chan queue.TaskError, 1)
	e.Errors().Subscribe(func(te queue.TaskError) { errs <- te })

	completed := false
	e.Completed.Subscribe(func(Response) { completed = true })

	e.GenerateResponse(nil, false, nil, "doomed")

	select {
	case te := <-errs:
		if te.TaskID != "doomed" {
			t.Errorf("expected task id doomed, got %s", te.TaskID)
		}
		if !strings.Contains(te.Message, "model exploded") {
			t.Errorf("expected cause in message, got %q", te.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
	if completed {
		t.Error("failed task must not emit a completion event")
	}
}

func TestWithStructuredOutputReturnsNewEngine(t *testing.T) {
	client := &fakeChatClient{content: `{"names":["art"]}`}
	plain := New(client)
	defer plain.Cleanup(context.Background())

	schema := json.RawMessage(`{"type":"object","properties":{"names":{"type":"array","items":{"type":"string"}}},"required":["names"]}`)
	structured := plain.WithStructuredOutput(schema)
	defer structured.Cleanup(context.Background())

	if plain == structured {
		t.Fatal("WithStructuredOutput must return a new instance")
	}
	if plain.format != nil {
		t.Error("original engine must stay unconfigured")
	}

	done := make(chan Response, 1)
	structured.Completed.Subscribe(func(r Response) { done <- r })
	structured.GenerateResponse(nil, false, nil, "t-1")

	select {
	case r := <-done:
		if !r.IsJSON {
			t.Error("structured engine must mark responses as JSON")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestParseStructured(t *testing.T) {
	client := &fakeChatClient{}
	schema := json.RawMessage(`{"type":"object","properties":{"names":{"type":"array","items":{"type":"string"}}},"required":["names"]}`)
	e := New(client).WithStructuredOutput(schema)
	defer e.Cleanup(context.Background())

	var out struct {
		Names []string `json:"names"`
	}
	if err := e.ParseStructured(`{"names":["a","b"]}`, &out); err != nil {
		t.Fatalf("ParseStructured failed: %v", err)
	}
	if len(out.Names) != 2 {
		t.Errorf("expected 2 names, got %v", out.Names)
	}

	if err := e.ParseStructured(`not json`, &out); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if err := e.ParseStructured(`{"other":1}`, &out); err == nil {
		t.Error("expected error for schema violation")
	}
}

func TestParseStructuredWithoutFormat(t *testing.T) {
	e := New(&fakeChatClient{})
	defer e.Cleanup(context.Background())

	var out any
	if err := e.ParseStructured(`{}`, &out); err == nil {
		t.Error("expected error when no format is configured")
	}
}

func TestCleanupReportsActiveTasks(t *testing.T) {
	client := &fakeChatClient{content: "ok", delay: time.Hour}
	e := New(client)

	var mu sync.Mutex
	var canceled []string
	e.Errors().Subscribe(func(te queue.TaskError) {
		mu.Lock()
		canceled = append(canceled, te.TaskID)
		mu.Unlock()
	})

	completed := make(chan Response, 2)
	e.Completed.Subscribe(func(r Response) { completed <- r })

	e.GenerateResponse(nil, false, nil, "in-flight")
	e.GenerateResponse(nil, false, nil, "queued")
	time.Sleep(20 * time.Millisecond)

	if err := e.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	mu.Lock()
	if len(canceled) != 2 {
		t.Errorf("expected 2 cancellation errors, got %v", canceled)
	}
	mu.Unlock()

	select {
	case r := <-completed:
		t.Errorf("no completion events after Cleanup, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	if client.unloads != 1 {
		t.Errorf("expected model unload on cleanup, got %d", client.unloads)
	}
}
