package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/snipd-dev/snipd/internal/ai"
	"github.com/snipd-dev/snipd/internal/config"
	"github.com/snipd-dev/snipd/internal/metadata"
	"github.com/snipd-dev/snipd/internal/store"
)

// engine bundles everything a command needs, plus a teardown function that
// unloads models and closes the database.
type engine struct {
	cfg   *config.Config
	store *store.Service
	db    *store.DB
}

func (e *engine) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.Close(ctx); err != nil {
		fmt.Printf("Warning: shutdown incomplete: %v\n", err)
	}
	_ = e.db.Close()
}

// initEngine opens the database and wires the AI pipeline from configuration.
func initEngine(ctx context.Context) (*engine, error) {
	cfg := config.Load()

	db, err := store.Open(cfg.Data.DatabasePath())
	if err != nil {
		return nil, err
	}

	provider := ai.Provider(cfg.AI.Provider)
	backends := ai.BackendConfig{
		OllamaURL:   cfg.AI.OllamaURL,
		OpenAIToken: cfg.AI.OpenAIToken,
		GeminiKey:   cfg.AI.GeminiAPIKey,
	}

	visionModel := cfg.AI.VisionModel
	if visionModel == "" {
		visionModel = ai.DefaultVisionModel
	}
	tagModel := cfg.AI.TagModel
	if tagModel == "" {
		tagModel = ai.DefaultTagModel
	}
	embedModel := cfg.AI.EmbedModel
	if embedModel == "" {
		embedModel = ai.DefaultEmbedModel
	}

	vision, err := ai.NewChatClient(ctx, provider, visionModel, backends)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to build vision client: %w", err)
	}
	tagger, err := ai.NewChatClient(ctx, provider, tagModel, backends)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to build tag client: %w", err)
	}
	embedder, err := ai.NewEmbedClient(provider, embedModel, backends)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to build embedding client: %w", err)
	}

	var sink metadata.Sink = metadata.Discard{}
	if cfg.Data.SidecarFiles {
		sink = metadata.NewSidecarSink()
	}

	svc, err := store.NewService(db, vision, tagger, embedder, store.Options{
		ImagesDir:      cfg.Data.ImagesDir(),
		TaggingEnabled: cfg.Tagging.Enabled,
		Metadata:       sink,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &engine{cfg: cfg, store: svc, db: db}, nil
}
