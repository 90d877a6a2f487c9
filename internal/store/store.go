package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/snipd-dev/snipd/internal/ai"
	"github.com/snipd-dev/snipd/internal/embed"
	"github.com/snipd-dev/snipd/internal/events"
	"github.com/snipd-dev/snipd/internal/fingerprint"
	"github.com/snipd-dev/snipd/internal/generate"
	"github.com/snipd-dev/snipd/internal/metadata"
	"github.com/snipd-dev/snipd/internal/queue"
)

// ErrImageNotFound is returned for operations on unknown image ids.
var ErrImageNotFound = errors.New("image not found")

// DescriptionUpdate reports a new description for an image.
type DescriptionUpdate struct {
	ImageID     string
	Description string
}

// TagsUpdate reports a changed tag assignment.
type TagsUpdate struct {
	ImageID string
	Names   []string
}

// Options configures a Service.
type Options struct {
	// ImagesDir holds the captured files, laid out as YYYY/MM/<filename>.
	ImagesDir string
	// TaggingEnabled turns the description-to-tags step on.
	TaggingEnabled bool
	// Metadata receives description and tag updates for sidecar files.
	// Defaults to metadata.Discard.
	Metadata metadata.Sink
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Service owns the capture pipeline: it persists screenshots, drives the
// description, tagging, and embedding stages, and answers queries. All
// pipeline stages are asynchronous; consumers observe progress through the
// event emitters.
type Service struct {
	ImageSaved         events.Emitter[Image]
	ImageDeleted       events.Emitter[string]
	DescriptionUpdated events.Emitter[DescriptionUpdate]
	TagsUpdated        events.Emitter[TagsUpdate]

	db       *DB
	describe *generate.Engine
	tagger   *generate.Engine
	embedder *embed.Engine
	similar  *SimilarIndex
	meta     metadata.Sink

	imagesDir string
	tagging   bool
	now       func() time.Time
	log       *slog.Logger
}

// NewService wires the pipeline over the given database and model backends.
// vision describes screenshots, tagClient selects tags, embedClient encodes
// descriptions for search.
func NewService(db *DB, vision, tagClient ai.ChatClient, embedClient ai.EmbedClient, opts Options) (*Service, error) {
	if err := os.MkdirAll(opts.ImagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}

	s := &Service{
		db:        db,
		similar:   NewSimilarIndex(),
		meta:      opts.Metadata,
		imagesDir: opts.ImagesDir,
		tagging:   opts.TaggingEnabled,
		now:       opts.Now,
		log:       slog.Default().With("service", "store"),
	}
	if s.meta == nil {
		s.meta = metadata.Discard{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.describe = generate.New(vision)
	s.tagger = generate.New(tagClient)
	s.embedder = embed.New(embedClient)

	s.describe.Completed.Subscribe(s.onDescription)
	s.describe.Errors().Subscribe(s.onPipelineError)
	s.embedder.Completed.Subscribe(s.onEmbedding)
	s.embedder.Errors().Subscribe(s.onPipelineError)

	embeddings, err := db.ListEmbeddings()
	if err != nil {
		s.log.Warn("failed to warm similarity index", "error", err)
	} else {
		s.similar.Rebuild(embeddings)
		s.log.Info("similarity index ready", "images", s.similar.Count())
	}

	return s, nil
}

// Close shuts the pipeline down: queued work is dropped, in-flight tasks are
// reported as canceled, and all models are unloaded.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.describe.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.tagger.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.embedder.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ImagePath returns the absolute path of an image file.
func (s *Service) ImagePath(img *Image) string {
	return filepath.Join(s.imagesDir, img.Filepath)
}

// SaveScreenshot stores a captured screenshot and kicks off the description
// pipeline. The file write and the database insert run concurrently; the
// returned image has no description or tags yet.
func (s *Service) SaveScreenshot(data []byte) (*Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("not a valid image: %w", err)
	}

	ts := s.now().UTC()
	id := uuid.NewString()
	filename := fmt.Sprintf("snip_%s_%s.%s", ts.Format("2006-01-02_15.04.05"), id[:8], format)
	rel := filepath.Join(ts.Format("2006"), ts.Format("01"), filename)

	img := &Image{
		ID:        id,
		Filename:  filename,
		Filepath:  rel,
		Timestamp: ts,
		Width:     cfg.Width,
		Height:    cfg.Height,
		CreatedAt: ts,
	}
	if hash, err := fingerprint.Hash(data); err == nil {
		img.PHash = fingerprint.FormatHash(hash)
	}

	g := new(errgroup.Group)
	g.SetLimit(3)
	g.Go(func() error {
		abs := s.ImagePath(img)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("failed to create month directory: %w", err)
		}
		if err := os.WriteFile(abs, data, 0o644); err != nil {
			return fmt.Errorf("failed to write image file: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.db.orm.Create(img).Error; err != nil {
			return fmt.Errorf("failed to insert image row: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to save screenshot: %w", err)
	}

	s.log.Info("screenshot saved", "image", img.ID, "file", rel)
	s.ImageSaved.Emit(*img)
	s.requestDescription(img.ID, data)
	return img, nil
}

func (s *Service) requestDescription(imageID string, data []byte) {
	prepared, err := ai.PrepareImage(data, 0)
	if err != nil {
		s.log.Warn("failed to prepare image for vision model", "image", imageID, "error", err)
		prepared = data
	}
	s.describe.GenerateResponse([]ai.Message{{
		Role:    "user",
		Content: descriptionPrompt,
		Images:  [][]byte{prepared},
	}}, false, nil, imageID)
}

// onDescription stores a finished description and fans out to the embedding
// and tagging stages.
func (s *Service) onDescription(r generate.Response) {
	description := strings.TrimSpace(r.Message)
	if description == "" {
		s.log.Warn("model returned empty description", "image", r.TaskID)
		return
	}

	res := s.db.orm.Model(&Image{}).Where("id = ?", r.TaskID).Update("description", description)
	if res.Error != nil {
		s.log.Error("failed to store description", "image", r.TaskID, "error", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		// Image deleted while the model was busy.
		s.log.Info("dropping description for deleted image", "image", r.TaskID)
		return
	}

	s.DescriptionUpdated.Emit(DescriptionUpdate{ImageID: r.TaskID, Description: description})
	s.writeSidecar(r.TaskID, func(path string) { s.meta.SetDescription(path, description) })

	if _, err := s.embedder.Encode(description, r.TaskID, false); err != nil {
		s.log.Error("failed to queue embedding", "image", r.TaskID, "error", err)
	}
	if s.tagging {
		s.requestTags(r.TaskID, description)
	}
}

// requestTags runs the description through the tag model constrained to the
// current tag names. Each request gets its own structured engine so the
// schema enum always matches the catalog at submission time.
func (s *Service) requestTags(imageID, description string) {
	tags, err := s.db.AllTags()
	if err != nil {
		s.log.Error("failed to load tags for tagging", "image", imageID, "error", err)
		return
	}
	if len(tags) == 0 {
		return
	}
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
	}

	eng := s.tagger.WithStructuredOutput(tagSchema(names))
	// Stop must run off the callback goroutine: the worker join would
	// deadlock on its own in-flight task.
	eng.Completed.Subscribe(func(r generate.Response) {
		defer func() { go eng.Stop() }()
		var sel tagSelection
		if err := eng.ParseStructured(r.Message, &sel); err != nil {
			s.log.Warn("tag output rejected", "image", imageID, "error", err)
			return
		}
		s.applyTags(imageID, sel.Names)
	})
	eng.Errors().Subscribe(func(te queue.TaskError) {
		defer func() { go eng.Stop() }()
		s.log.Warn("tagging failed", "image", te.TaskID, "error", te.Message)
	})
	eng.GenerateResponse([]ai.Message{{
		Role:    "user",
		Content: tagPrompt(names, description),
	}}, false, nil, imageID)
}

func (s *Service) applyTags(imageID string, names []string) {
	changed, resolved, err := s.db.UpdateImageTags(imageID, names)
	if err != nil {
		s.log.Error("failed to store tags", "image", imageID, "error", err)
		return
	}
	if !changed {
		return
	}
	final := make([]string, len(resolved))
	for i, t := range resolved {
		final[i] = t.Name
	}
	s.TagsUpdated.Emit(TagsUpdate{ImageID: imageID, Names: final})
	s.writeSidecar(imageID, func(path string) { s.meta.SetTags(path, final) })
}

// onEmbedding persists a finished embedding and refreshes the similarity
// index.
func (s *Service) onEmbedding(res embed.Result) {
	if err := s.db.SaveEmbedding(res.TaskID, res.Embedding); err != nil {
		s.log.Error("failed to store embedding", "image", res.TaskID, "error", err)
		return
	}
	s.similar.Add(res.TaskID, widenQuantized(res.Embedding))
	s.log.Debug("embedding stored", "image", res.TaskID)
}

func (s *Service) onPipelineError(te queue.TaskError) {
	s.log.Warn("pipeline task failed", "task", te.TaskID, "error", te.Message)
}

func (s *Service) writeSidecar(imageID string, write func(path string)) {
	img, err := s.db.GetImage(imageID)
	if err != nil {
		s.log.Warn("failed to locate image for sidecar", "image", imageID, "error", err)
		return
	}
	go write(s.ImagePath(img))
}

// Search embeds the query text (when present) and runs the hybrid search.
func (s *Service) Search(ctx context.Context, q Query) (*SearchResult, error) {
	var queryVec []float32
	if strings.TrimSpace(q.Text) != "" {
		vec, err := s.embedder.EmbedNow(ctx, q.Text, true, true)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		queryVec = vec
	}
	return s.db.SearchImages(q, queryVec, s.now())
}

// GetImage loads one image with its tags.
func (s *Service) GetImage(id string) (*Image, error) {
	img, err := s.db.GetImage(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrImageNotFound
	}
	return img, err
}

// DeleteImage removes an image: file first, then relational rows, then the
// vector row. A missing file is not an error.
func (s *Service) DeleteImage(id string) error {
	img, err := s.db.GetImage(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrImageNotFound
	}
	if err != nil {
		return err
	}

	if err := os.Remove(s.ImagePath(img)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove image file", "image", id, "error", err)
	}

	err = s.db.orm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM image_tags WHERE image_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to detach tags: %w", err)
		}
		if err := tx.Delete(&Image{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete image row: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete image %s: %w", id, err)
	}

	if err := s.db.DeleteEmbedding(id); err != nil {
		return fmt.Errorf("failed to delete embedding for image %s: %w", id, err)
	}
	s.similar.Delete(id)

	s.log.Info("image deleted", "image", id)
	s.ImageDeleted.Emit(id)
	return nil
}

// UpdateDescription stores a manually edited description and re-encodes its
// embedding. Tags are not regenerated for manual edits.
func (s *Service) UpdateDescription(id, description string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return errors.New("description must not be empty")
	}

	res := s.db.orm.Model(&Image{}).Where("id = ?", id).Update("description", description)
	if res.Error != nil {
		return fmt.Errorf("failed to update description: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrImageNotFound
	}

	s.DescriptionUpdated.Emit(DescriptionUpdate{ImageID: id, Description: description})
	s.writeSidecar(id, func(path string) { s.meta.SetDescription(path, description) })

	if _, err := s.embedder.Encode(description, id, false); err != nil {
		return fmt.Errorf("failed to queue embedding: %w", err)
	}
	return nil
}

// UpdateTags replaces an image's tags from a manual edit.
func (s *Service) UpdateTags(id string, names []string) ([]Tag, error) {
	if _, err := s.GetImage(id); err != nil {
		return nil, err
	}
	changed, resolved, err := s.db.UpdateImageTags(id, names)
	if err != nil {
		return nil, err
	}
	if changed {
		final := make([]string, len(resolved))
		for i, t := range resolved {
			final[i] = t.Name
		}
		s.TagsUpdated.Emit(TagsUpdate{ImageID: id, Names: final})
		s.writeSidecar(id, func(path string) { s.meta.SetTags(path, final) })
	}
	return resolved, nil
}

// Tags returns the catalog with usage counts.
func (s *Service) Tags() ([]TagCount, error) {
	return s.db.TagsWithCounts()
}

// SyncTags reconciles the tag catalog with the configured names.
func (s *Service) SyncTags(names []string) (created, removed int, err error) {
	return s.db.SyncTags(names)
}

// SimilarImages returns up to k images closest to the given one by
// description embedding. The image itself is excluded.
func (s *Service) SimilarImages(id string, k int) ([]Neighbor, error) {
	vec, err := s.db.EmbeddingFor(id)
	if err != nil {
		return nil, err
	}

	neighbors, err := s.similar.Search(vec, k+1)
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, k)
	for _, n := range neighbors {
		if n.ImageID == id {
			continue
		}
		out = append(out, n)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// ComputeSimilarity returns the cosine distance between two images'
// description embeddings.
func (s *Service) ComputeSimilarity(firstID, secondID string) (float64, error) {
	return s.db.ComputeSimilarity(firstID, secondID)
}

// PendingTasks returns the number of queued plus executing pipeline tasks
// across the description, tagging, and embedding stages.
func (s *Service) PendingTasks() int {
	return s.describe.Pending() + s.tagger.Pending() + s.embedder.Pending()
}

// CountImages returns the total number of stored screenshots.
func (s *Service) CountImages() (int64, error) {
	return s.db.CountImages()
}

// FindDuplicates groups stored screenshots whose perceptual hashes are within
// threshold bits of each other.
func (s *Service) FindDuplicates(threshold int) ([][]string, error) {
	var imgs []Image
	if err := s.db.orm.Select("id", "phash").Find(&imgs).Error; err != nil {
		return nil, fmt.Errorf("failed to load image hashes: %w", err)
	}

	entries := make([]fingerprint.Entry, 0, len(imgs))
	for _, img := range imgs {
		if img.PHash == "" {
			continue
		}
		hash, err := fingerprint.ParseHash(img.PHash)
		if err != nil {
			s.log.Warn("skipping image with bad hash", "image", img.ID, "error", err)
			continue
		}
		entries = append(entries, fingerprint.Entry{ID: img.ID, Hash: hash})
	}
	return fingerprint.GroupDuplicates(entries, threshold), nil
}

// Reindex re-runs missing pipeline stages: images without a description are
// re-described from their files, images with a description but no embedding
// are re-encoded. Returns the number of images queued. progress, when set, is
// called after each image is examined.
func (s *Service) Reindex(ctx context.Context, progress func(done, total int)) (int, error) {
	var imgs []Image
	if err := s.db.orm.Order("created_at").Find(&imgs).Error; err != nil {
		return 0, fmt.Errorf("failed to list images: %w", err)
	}

	queued := 0
	for i, img := range imgs {
		if err := ctx.Err(); err != nil {
			return queued, err
		}

		switch {
		case img.Description == nil || strings.TrimSpace(*img.Description) == "":
			data, err := os.ReadFile(s.ImagePath(&img))
			if err != nil {
				s.log.Warn("failed to read image file for reindex", "image", img.ID, "error", err)
				break
			}
			s.requestDescription(img.ID, data)
			queued++
		default:
			ok, err := s.db.HasEmbedding(img.ID)
			if err != nil {
				return queued, err
			}
			if !ok {
				if _, err := s.embedder.Encode(*img.Description, img.ID, false); err != nil {
					return queued, fmt.Errorf("failed to queue embedding: %w", err)
				}
				queued++
			}
		}

		if progress != nil {
			progress(i+1, len(imgs))
		}
	}
	return queued, nil
}
