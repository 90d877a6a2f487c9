// Package embed turns free text into fixed-length vectors for similarity
// search. Documents are embedded asynchronously through a worker queue;
// search queries use the synchronous path because the caller needs the vector
// immediately.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/snipd-dev/snipd/internal/ai"
	"github.com/snipd-dev/snipd/internal/events"
	"github.com/snipd-dev/snipd/internal/queue"
)

// retrievalPrefix frames a query for asymmetric retrieval: queries are
// embedded with the instruction, documents without it.
const retrievalPrefix = "Represent this sentence for searching relevant passages: "

// ErrImageEmbeddingUnsupported is returned for image inputs. Image embedding
// is a deliberate scope limitation, not a bug.
var ErrImageEmbeddingUnsupported = errors.New("embedding images is not supported")

// Request is a queued embedding task.
type Request struct {
	ID        string
	Text      string
	Image     string
	Retrieval bool
}

func (r Request) TaskID() string { return r.ID }

// Result carries a completed document embedding, binary-quantized.
type Result struct {
	TaskID    string
	Embedding []int8
}

// Engine is the embedding service. One worker goroutine drains its queue.
type Engine struct {
	// Completed fires once per successfully embedded document.
	Completed events.Emitter[Result]

	client ai.EmbedClient
	worker *queue.Worker[Request]
	log    *slog.Logger

	mu     sync.Mutex
	loaded map[string]struct{}
}

// New creates and starts an embedding engine over the given backend.
func New(client ai.EmbedClient) *Engine {
	e := &Engine{
		client: client,
		loaded: make(map[string]struct{}),
		log:    slog.Default().With("service", "embed"),
	}
	e.worker = queue.NewWorker("embed", e.process)
	e.worker.Start()
	e.log.Info("embedding service initialized", "model", client.Model())
	return e
}

// Pending returns the number of queued plus executing embedding tasks.
func (e *Engine) Pending() int {
	return e.worker.Pending()
}

// Errors exposes per-task failures.
func (e *Engine) Errors() *events.Emitter[queue.TaskError] {
	return &e.worker.Errors
}

// Encode queues a document for embedding and returns the task id. Image
// inputs fail fast; see ErrImageEmbeddingUnsupported.
func (e *Engine) Encode(text, taskID string, retrieval bool) (string, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if text == "" {
		return "", errors.New("no text to embed")
	}
	e.worker.Submit(Request{ID: taskID, Text: text, Retrieval: retrieval})
	e.log.Debug("submitted embedding task", "task", taskID)
	return taskID, nil
}

// EncodeImage exists to make the scope limitation explicit at the API
// surface.
func (e *Engine) EncodeImage(path string) (string, error) {
	return "", ErrImageEmbeddingUnsupported
}

// EmbedNow embeds text synchronously, bypassing the queue. When quantize is
// set the result is binary-quantized and widened back to float32, matching
// the representation stored in the vector table.
func (e *Engine) EmbedNow(ctx context.Context, text string, retrieval, quantize bool) ([]float32, error) {
	vec, err := e.embed(ctx, text, retrieval)
	if err != nil {
		return nil, err
	}
	if !quantize {
		return vec, nil
	}
	q := BinaryQuantize(vec)
	out := make([]float32, len(q))
	for i, v := range q {
		out[i] = float32(v)
	}
	return out, nil
}

func (e *Engine) embed(ctx context.Context, text string, retrieval bool) ([]float32, error) {
	input := text
	if retrieval {
		input = retrievalPrefix + text
	}
	vec, err := e.client.Embed(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	e.mu.Lock()
	e.loaded[e.client.Model()] = struct{}{}
	e.mu.Unlock()

	return vec, nil
}

func (e *Engine) process(req Request) error {
	if req.Image != "" {
		return ErrImageEmbeddingUnsupported
	}

	vec, err := e.embed(context.Background(), req.Text, req.Retrieval)
	if err != nil {
		return err
	}

	e.Completed.Emit(Result{TaskID: req.ID, Embedding: BinaryQuantize(vec)})
	e.log.Debug("embedding task completed", "task", req.ID, "dim", len(vec))
	return nil
}

// Cleanup unloads every model this engine touched and stops the worker.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	models := make([]string, 0, len(e.loaded))
	for m := range e.loaded {
		models = append(models, m)
	}
	e.mu.Unlock()

	var errs []error
	for _, m := range models {
		if err := e.client.Unload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", m, err))
		}
	}
	e.worker.Stop()
	return errors.Join(errs...)
}
