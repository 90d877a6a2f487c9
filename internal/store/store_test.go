package store

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snipd-dev/snipd/internal/ai"
)

type fakeChat struct {
	model string
	reply func(req ai.ChatRequest) string

	mu    sync.Mutex
	calls int
}

func (f *fakeChat) Model() string { return f.model }

func (f *fakeChat) Chat(_ context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &ai.ChatResponse{Content: f.reply(req)}, nil
}

func (f *fakeChat) ChatStream(ctx context.Context, req ai.ChatRequest, onChunk func(string)) (*ai.ChatResponse, error) {
	resp, err := f.Chat(ctx, req)
	if err == nil {
		onChunk(resp.Content)
	}
	return resp, err
}

func (f *fakeChat) Unload(context.Context) error { return nil }

type fakeEmbed struct{}

func (fakeEmbed) Model() string { return "fake-embed" }

// Embed returns a deterministic vector whose sign pattern depends on the
// input, so different texts quantize differently.
func (fakeEmbed) Embed(_ context.Context, input string) ([]float32, error) {
	vec := make([]float32, 1024)
	for i := range vec {
		if (i+len(input))%3 == 0 {
			vec[i] = 1
		} else {
			vec[i] = -1
		}
	}
	return vec, nil
}

func (fakeEmbed) Unload(context.Context) error { return nil }

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type serviceOpts struct {
	tagging bool
	tagJSON string
}

func newTestService(t *testing.T, opts serviceOpts) (*Service, *DB) {
	t.Helper()
	db := testDB(t)

	vision := &fakeChat{
		model: "fake-vision",
		reply: func(ai.ChatRequest) string { return "a terminal window running tests" },
	}
	tagJSON := opts.tagJSON
	if tagJSON == "" {
		tagJSON = `{"names": []}`
	}
	tagger := &fakeChat{
		model: "fake-tagger",
		reply: func(ai.ChatRequest) string { return tagJSON },
	}

	svc, err := NewService(db, vision, tagger, fakeEmbed{}, Options{
		ImagesDir:      filepath.Join(t.TempDir(), "images"),
		TaggingEnabled: opts.tagging,
		Now:            func() time.Time { return time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, db
}

func TestSaveScreenshotPersistsFileAndRow(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{})

	img, err := svc.SaveScreenshot(testPNG(t, 120, 80))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if img.Width != 120 || img.Height != 80 {
		t.Errorf("dimensions = %dx%d, want 120x80", img.Width, img.Height)
	}
	if !strings.HasPrefix(img.Filename, "snip_2024-03-13_") {
		t.Errorf("unexpected filename %q", img.Filename)
	}
	if !strings.HasPrefix(img.Filepath, filepath.Join("2024", "03")) {
		t.Errorf("unexpected filepath %q", img.Filepath)
	}
	if img.PHash == "" {
		t.Error("expected a perceptual hash")
	}

	if _, err := os.Stat(svc.ImagePath(img)); err != nil {
		t.Errorf("image file missing: %v", err)
	}
	if _, err := db.GetImage(img.ID); err != nil {
		t.Errorf("image row missing: %v", err)
	}
}

func TestSaveScreenshotRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t, serviceOpts{})
	if _, err := svc.SaveScreenshot([]byte("not an image")); err == nil {
		t.Error("expected error for undecodable data")
	}
}

func TestPipelineDescribesAndEmbeds(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{})

	updates := make(chan DescriptionUpdate, 1)
	svc.DescriptionUpdated.Subscribe(func(u DescriptionUpdate) { updates <- u })

	img, err := svc.SaveScreenshot(testPNG(t, 64, 64))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-updates:
		if u.ImageID != img.ID {
			t.Errorf("update for image %s, want %s", u.ImageID, img.ID)
		}
		if u.Description == "" {
			t.Error("empty description")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for description")
	}

	waitFor(t, "embedding", func() bool {
		ok, err := db.HasEmbedding(img.ID)
		return err == nil && ok
	})

	stored, err := db.GetImage(img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Description == nil || *stored.Description == "" {
		t.Error("description not persisted")
	}
}

func TestSearchByTextFindsImage(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{})

	img, err := svc.SaveScreenshot(testPNG(t, 64, 64))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "embedding", func() bool {
		ok, err := db.HasEmbedding(img.ID)
		return err == nil && ok
	})

	result, err := svc.Search(context.Background(), Query{Text: "terminal"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 1 || len(result.Images) != 1 {
		t.Fatalf("total %d hits %d, want 1 1", result.Total, len(result.Images))
	}
	if result.Images[0].ID != img.ID {
		t.Errorf("hit %s, want %s", result.Images[0].ID, img.ID)
	}
}

func TestTaggingPipelineAppliesTags(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{tagging: true, tagJSON: `{"names": ["work"]}`})
	if _, _, err := db.SyncTags([]string{"work", "personal"}); err != nil {
		t.Fatal(err)
	}

	tagged := make(chan TagsUpdate, 1)
	svc.TagsUpdated.Subscribe(func(u TagsUpdate) { tagged <- u })

	img, err := svc.SaveScreenshot(testPNG(t, 64, 64))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-tagged:
		if u.ImageID != img.ID {
			t.Errorf("tags for image %s, want %s", u.ImageID, img.ID)
		}
		if len(u.Names) != 1 || u.Names[0] != "work" {
			t.Errorf("tags = %v, want [work]", u.Names)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tags")
	}
}

func TestSearchTagIntersection(t *testing.T) {
	_, db := newTestService(t, serviceOpts{})
	if _, _, err := db.SyncTags([]string{"work", "code"}); err != nil {
		t.Fatal(err)
	}

	both := &Image{Filename: "a.png", Filepath: "2024/01/a.png", Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	one := &Image{Filename: "b.png", Filepath: "2024/01/b.png", Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	for _, img := range []*Image{both, one} {
		if err := db.orm.Create(img).Error; err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := db.UpdateImageTags(both.ID, []string{"work", "code"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.UpdateImageTags(one.ID, []string{"work"}); err != nil {
		t.Fatal(err)
	}

	result, err := db.SearchImages(Query{Tags: []string{"work", "code"}}, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 1 || len(result.Images) != 1 || result.Images[0].ID != both.ID {
		t.Errorf("intersection should match only the fully tagged image, got %+v", result.Images)
	}

	result, err = db.SearchImages(Query{Tags: []string{"work"}}, nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 2 {
		t.Errorf("single tag should match both images, total = %d", result.Total)
	}
}

func TestSearchPagination(t *testing.T) {
	_, db := newTestService(t, serviceOpts{})

	base := time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)
	for i := range 5 {
		img := &Image{
			Filename:  "a.png",
			Filepath:  "2024/03/a.png",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.orm.Create(img).Error; err != nil {
			t.Fatal(err)
		}
	}

	first, err := db.SearchImages(Query{PerPage: 2, Page: 0}, nil, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if first.Total != 5 || len(first.Images) != 2 {
		t.Fatalf("page 0: total %d hits %d, want 5 2", first.Total, len(first.Images))
	}
	// newest first when there is no text ranking
	if !first.Images[0].Timestamp.After(first.Images[1].Timestamp) {
		t.Error("expected reverse chronological order")
	}

	last, err := db.SearchImages(Query{PerPage: 2, Page: 2}, nil, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if last.Total != 5 || len(last.Images) != 1 {
		t.Errorf("page 2: total %d hits %d, want 5 1", last.Total, len(last.Images))
	}

	empty, err := db.SearchImages(Query{PerPage: 2, Page: 10}, nil, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if empty.Total != 5 || len(empty.Images) != 0 {
		t.Errorf("past the end: total %d hits %d, want 5 0", empty.Total, len(empty.Images))
	}
}

func TestDeleteImage(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{})

	img, err := svc.SaveScreenshot(testPNG(t, 64, 64))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "embedding", func() bool {
		ok, err := db.HasEmbedding(img.ID)
		return err == nil && ok
	})

	deleted := make(chan string, 1)
	svc.ImageDeleted.Subscribe(func(id string) { deleted <- id })

	if err := svc.DeleteImage(img.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := os.Stat(svc.ImagePath(img)); !os.IsNotExist(err) {
		t.Error("image file should be gone")
	}
	if _, err := svc.GetImage(img.ID); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound, got %v", err)
	}
	if ok, _ := db.HasEmbedding(img.ID); ok {
		t.Error("embedding should be gone")
	}
	select {
	case id := <-deleted:
		if id != img.ID {
			t.Errorf("deletion event for %s, want %s", id, img.ID)
		}
	default:
		t.Error("expected a deletion event")
	}
}

func TestDeleteImageFailsWhenVectorDeleteFails(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{})

	img, err := svc.SaveScreenshot(testPNG(t, 64, 64))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "embedding", func() bool {
		ok, err := db.HasEmbedding(img.ID)
		return err == nil && ok
	})

	deleted := make(chan string, 1)
	svc.ImageDeleted.Subscribe(func(id string) { deleted <- id })

	if _, err := db.sql.Exec("DROP TABLE image_embeddings"); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteImage(img.ID); err == nil {
		t.Fatal("expected an error when the vector row cannot be removed")
	}
	select {
	case id := <-deleted:
		t.Errorf("no deletion event should fire on failure, got %s", id)
	default:
	}
}

func TestDeleteImageUnknown(t *testing.T) {
	svc, _ := newTestService(t, serviceOpts{})
	if err := svc.DeleteImage("no-such-id"); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound, got %v", err)
	}
}

func TestUpdateDescriptionReencodes(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{})

	img := &Image{Filename: "a.png", Filepath: "2024/03/a.png"}
	if err := db.orm.Create(img).Error; err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateDescription(img.ID, "edited by hand"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "re-encoded embedding", func() bool {
		ok, err := db.HasEmbedding(img.ID)
		return err == nil && ok
	})

	stored, err := db.GetImage(img.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Description == nil || *stored.Description != "edited by hand" {
		t.Error("edited description not persisted")
	}
}

func TestUpdateDescriptionValidation(t *testing.T) {
	svc, _ := newTestService(t, serviceOpts{})
	if err := svc.UpdateDescription("no-such-id", "text"); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound, got %v", err)
	}
	if err := svc.UpdateDescription("any", "   "); err == nil {
		t.Error("expected error for blank description")
	}
}

func TestSimilarImagesExcludesSelf(t *testing.T) {
	db := testDB(t)

	quant := func(seed int) []int8 {
		q := make([]int8, EmbeddingDim)
		for i := range q {
			q[i] = int8((i*seed)%255 - 128)
		}
		return q
	}
	ids := []string{"img-a", "img-b", "img-c"}
	for i, id := range ids {
		img := &Image{ID: id, Filename: id + ".png", Filepath: "2024/03/" + id + ".png"}
		if err := db.orm.Create(img).Error; err != nil {
			t.Fatal(err)
		}
		if err := db.SaveEmbedding(id, quant(i+2)); err != nil {
			t.Fatal(err)
		}
	}

	vision := &fakeChat{model: "v", reply: func(ai.ChatRequest) string { return "x" }}
	tagger := &fakeChat{model: "t", reply: func(ai.ChatRequest) string { return "{}" }}
	svc, err := NewService(db, vision, tagger, fakeEmbed{}, Options{
		ImagesDir: filepath.Join(t.TempDir(), "images"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	neighbors, err := svc.SimilarImages("img-a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(neighbors))
	}
	for _, n := range neighbors {
		if n.ImageID == "img-a" {
			t.Error("similar results must not include the query image")
		}
	}
}

func TestFindDuplicates(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{})

	hashes := map[string]string{
		"dup-1":  "0000000000000000",
		"dup-2":  "0000000000000001",
		"unique": "ffffffff00000000",
	}
	for id, h := range hashes {
		img := &Image{ID: id, Filename: id + ".png", Filepath: "2024/03/" + id + ".png", PHash: h}
		if err := db.orm.Create(img).Error; err != nil {
			t.Fatal(err)
		}
	}

	groups, err := svc.FindDuplicates(8)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 duplicate group, got %d", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0] != "dup-1" || groups[0][1] != "dup-2" {
		t.Errorf("group = %v, want [dup-1 dup-2]", groups[0])
	}
}

func TestReindexQueuesMissingStages(t *testing.T) {
	svc, db := newTestService(t, serviceOpts{})

	// described but not embedded
	desc := "already described"
	noEmbed := &Image{Filename: "a.png", Filepath: "2024/03/a.png", Description: &desc}
	if err := db.orm.Create(noEmbed).Error; err != nil {
		t.Fatal(err)
	}
	// fully processed
	done := &Image{Filename: "b.png", Filepath: "2024/03/b.png", Description: &desc}
	if err := db.orm.Create(done).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.SaveEmbedding(done.ID, make([]int8, EmbeddingDim)); err != nil {
		t.Fatal(err)
	}

	var progressCalls int
	queued, err := svc.Reindex(context.Background(), func(done, total int) {
		progressCalls++
		if total != 2 {
			t.Errorf("total = %d, want 2", total)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if queued != 1 {
		t.Errorf("queued = %d, want 1", queued)
	}
	if progressCalls != 2 {
		t.Errorf("progress calls = %d, want 2", progressCalls)
	}

	waitFor(t, "reindexed embedding", func() bool {
		ok, err := db.HasEmbedding(noEmbed.ID)
		return err == nil && ok
	})
}
