// Package generate produces natural-language or schema-constrained text from
// a conversation, asynchronously, with optional token streaming. Each engine
// owns one worker; the interactive caller never blocks on model inference.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/snipd-dev/snipd/internal/ai"
	"github.com/snipd-dev/snipd/internal/events"
	"github.com/snipd-dev/snipd/internal/queue"
)

// Request is a queued generation task.
type Request struct {
	ID       string
	Messages []ai.Message
	Stream   bool
	Options  ai.Options
}

func (r Request) TaskID() string { return r.ID }

// Chunk is one incremental piece of a streaming generation.
type Chunk struct {
	TaskID  string
	Content string
}

// Response is the final message of a generation.
type Response struct {
	TaskID  string
	Message string
	// IsJSON is set when the engine was configured for structured output.
	IsJSON bool
}

// Engine is the generation service.
type Engine struct {
	// Chunks fires per streamed token batch; Completed exactly once per
	// finished task.
	Chunks    events.Emitter[Chunk]
	Completed events.Emitter[Response]

	client ai.ChatClient
	format json.RawMessage
	worker *queue.Worker[Request]
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]Request
}

// New creates and starts a generation engine over the given backend.
func New(client ai.ChatClient) *Engine {
	return newEngine(client, nil)
}

func newEngine(client ai.ChatClient, format json.RawMessage) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		client: client,
		format: format,
		active: make(map[string]Request),
		ctx:    ctx,
		cancel: cancel,
		log:    slog.Default().With("service", "generate", "model", client.Model()),
	}
	e.worker = queue.NewWorker("generate:"+client.Model(), e.process)
	e.worker.Start()
	e.log.Info("generation service initialized", "structured", format != nil)
	return e
}

// WithStructuredOutput returns a new engine bound to the same model but
// constrained to produce JSON conforming to schema. The receiver is not
// modified; reconfiguration never races with its in-flight tasks.
func (e *Engine) WithStructuredOutput(schema json.RawMessage) *Engine {
	return newEngine(e.client, schema)
}

// Pending returns the number of queued plus executing generation tasks.
func (e *Engine) Pending() int {
	return e.worker.Pending()
}

// Errors exposes per-task failures.
func (e *Engine) Errors() *events.Emitter[queue.TaskError] {
	return &e.worker.Errors
}

// GenerateResponse queues a generation request and returns its task id.
func (e *Engine) GenerateResponse(messages []ai.Message, stream bool, opts *ai.Options, taskID string) string {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	options := ai.DefaultOptions()
	if opts != nil {
		options = *opts
	}

	req := Request{ID: taskID, Messages: messages, Stream: stream, Options: options}

	e.mu.Lock()
	e.active[taskID] = req
	e.mu.Unlock()

	e.worker.Submit(req)
	e.log.Debug("submitted generation task", "task", taskID, "stream", stream)
	return taskID
}

// finish removes a task from the active set. Returns false if it was already
// removed (forced cleanup won the race).
func (e *Engine) finish(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[taskID]; !ok {
		return false
	}
	delete(e.active, taskID)
	return true
}

func (e *Engine) process(req Request) error {
	chatReq := ai.ChatRequest{
		Messages:  req.Messages,
		Options:   req.Options,
		Format:    e.format,
		KeepAlive: ai.DefaultKeepAlive,
	}

	var resp *ai.ChatResponse
	var err error
	if req.Stream {
		resp, err = e.client.ChatStream(e.ctx, chatReq, func(content string) {
			e.Chunks.Emit(Chunk{TaskID: req.ID, Content: content})
		})
	} else {
		resp, err = e.client.Chat(e.ctx, chatReq)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The engine was stopped mid-task; the task is abandoned, not
			// completed with partial data. Cleanup reports it.
			return nil
		}
		e.finish(req.ID)
		return fmt.Errorf("generation failed: %w", err)
	}

	if !e.finish(req.ID) {
		return nil
	}
	e.Completed.Emit(Response{
		TaskID:  req.ID,
		Message: resp.Content,
		IsJSON:  e.format != nil,
	})
	e.log.Debug("generation task completed", "task", req.ID)
	return nil
}

// ParseStructured parses model output against the engine's configured schema
// and decodes it into v. It raises a descriptive error when the content is
// not valid JSON or does not conform to the schema.
func (e *Engine) ParseStructured(content string, v any) error {
	if e.format == nil {
		return errors.New("no response format configured")
	}

	var instance any
	if err := json.Unmarshal([]byte(content), &instance); err != nil {
		return fmt.Errorf("invalid JSON in model output: %w (output: %s)", err, content)
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(e.format, &schema); err != nil {
		return fmt.Errorf("invalid response schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("failed to resolve response schema: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("output does not match expected structure: %w (output: %s)", err, content)
	}

	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("failed to decode structured output: %w", err)
	}
	return nil
}

// Stop cancels in-flight work and stops the worker without unloading the
// model. Used for short-lived structured engines that share a model with a
// long-lived one.
func (e *Engine) Stop() {
	e.cancel()
	e.worker.Stop()
}

// Cleanup cancels in-flight work, reports every still-active task as
// canceled, unloads the model, and stops the worker.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.cancel()

	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.active = make(map[string]Request)
	e.mu.Unlock()

	for _, id := range ids {
		e.worker.Errors.Emit(queue.TaskError{TaskID: id, Message: "service shutdown in progress"})
	}

	err := e.client.Unload(ctx)
	e.worker.Stop()
	if err != nil {
		return fmt.Errorf("model unload failed: %w", err)
	}
	e.log.Info("generation service cleaned up")
	return nil
}
