// Package metadata writes descriptions and tags next to image files so they
// stay useful outside the application. Writes are fire-and-forget: failures
// are logged and never propagate into the pipeline.
package metadata

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

// Sink receives description and tag updates for an image file.
type Sink interface {
	SetDescription(path, description string)
	SetTags(path string, tags []string)
}

// SidecarSink persists metadata as a JSON sidecar file next to the image
// (<image>.json).
type SidecarSink struct {
	log *slog.Logger
}

// NewSidecarSink creates a sidecar-file metadata sink.
func NewSidecarSink() *SidecarSink {
	return &SidecarSink{log: slog.Default().With("service", "metadata")}
}

type sidecar struct {
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *SidecarSink) SetDescription(path, description string) {
	s.update(path, func(sc *sidecar) { sc.Description = description })
}

func (s *SidecarSink) SetTags(path string, tags []string) {
	s.update(path, func(sc *sidecar) { sc.Tags = tags })
}

func (s *SidecarSink) update(path string, apply func(*sidecar)) {
	sidecarPath := path + ".json"

	var sc sidecar
	if data, err := os.ReadFile(sidecarPath); err == nil {
		// Corrupt sidecars are overwritten rather than failed on.
		_ = json.Unmarshal(data, &sc)
	}

	apply(&sc)
	sc.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		s.log.Warn("failed to encode sidecar", "path", sidecarPath, "error", err)
		return
	}
	if err := os.WriteFile(sidecarPath, data, 0o644); err != nil {
		s.log.Warn("failed to write sidecar", "path", sidecarPath, "error", err)
	}
}

// Discard is a Sink that drops all updates. Used when sidecar files are
// disabled.
type Discard struct{}

func (Discard) SetDescription(string, string) {}
func (Discard) SetTags(string, []string)      {}
