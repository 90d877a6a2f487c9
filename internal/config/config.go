// Package config assembles runtime configuration from environment variables.
// All knobs have working defaults; a bare `snipd serve` against a local
// Ollama needs no configuration at all.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_tags.yaml
var defaultTagsYAML []byte

type Config struct {
	Data    DataConfig
	AI      AIConfig
	Tagging TaggingConfig
	Server  ServerConfig
}

type DataConfig struct {
	Dir          string // root data directory, defaults to ~/.local/share/snipd
	SidecarFiles bool   // write .json metadata sidecars next to images
	// DuplicateThreshold is the Hamming distance cutoff for duplicate
	// detection.
	DuplicateThreshold int
}

// DatabasePath is the SQLite file inside the data directory.
func (c *DataConfig) DatabasePath() string {
	return filepath.Join(c.Dir, "snipd.db")
}

// ImagesDir holds the captured screenshots.
func (c *DataConfig) ImagesDir() string {
	return filepath.Join(c.Dir, "images")
}

type AIConfig struct {
	Provider     string // ollama (default), openai, or gemini
	OllamaURL    string
	OpenAIToken  string
	GeminiAPIKey string
	VisionModel  string
	TagModel     string
	EmbedModel   string
}

type TaggingConfig struct {
	Enabled  bool
	TagsFile string // YAML tag catalog, empty means the embedded default
}

type ServerConfig struct {
	Addr string // listen address for the web API
}

// envInt reads an environment variable as a positive integer, falling back
// to the default when unset or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envBool treats 1/true/yes (any case) as true, everything else as the
// default when unset or false otherwise.
func envBool(key string, defaultVal bool) bool {
	s := strings.ToLower(os.Getenv(key))
	if s == "" {
		return defaultVal
	}
	return s == "1" || s == "true" || s == "yes"
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "snipd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "snipd-data"
	}
	return filepath.Join(home, ".local", "share", "snipd")
}

func Load() *Config {
	return &Config{
		Data: DataConfig{
			Dir:                envOr("SNIPD_DATA_DIR", defaultDataDir()),
			SidecarFiles:       envBool("SNIPD_SIDECAR_FILES", true),
			DuplicateThreshold: envInt("SNIPD_DUP_THRESHOLD", 8),
		},
		AI: AIConfig{
			Provider:     envOr("SNIPD_AI_PROVIDER", "ollama"),
			OllamaURL:    os.Getenv("OLLAMA_URL"),
			OpenAIToken:  os.Getenv("OPENAI_TOKEN"),
			GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
			VisionModel:  os.Getenv("SNIPD_VISION_MODEL"),
			TagModel:     os.Getenv("SNIPD_TAG_MODEL"),
			EmbedModel:   os.Getenv("SNIPD_EMBED_MODEL"),
		},
		Tagging: TaggingConfig{
			Enabled:  envBool("SNIPD_TAGGING", true),
			TagsFile: os.Getenv("SNIPD_TAGS_FILE"),
		},
		Server: ServerConfig{
			Addr: envOr("SNIPD_LISTEN_ADDR", ":8420"),
		},
	}
}

type tagCatalog struct {
	Tags []string `yaml:"tags"`
}

// LoadTags reads the configured tag catalog, or the embedded default when no
// file is configured.
func (c *TaggingConfig) LoadTags() ([]string, error) {
	data := defaultTagsYAML
	if c.TagsFile != "" {
		var err error
		data, err = os.ReadFile(c.TagsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read tags file: %w", err)
		}
	}

	var catalog tagCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse tag catalog: %w", err)
	}
	return catalog.Tags, nil
}
