// Package store persists screenshots, tags, and description embeddings in a
// single embedded SQLite database. Relational tables go through the ORM; the
// vector virtual table is driven with raw statements because the extension's
// schema is not expressible as a model.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	sqlitevec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// EmbeddingDim is the dimensionality of stored description embeddings after
// binary quantization (1024 raw dimensions packed into 128 values).
const EmbeddingDim = 128

// Pool sizing: a handful of pipeline writers plus interactive reads.
// Connections are recycled to pick up WAL checkpoints.
const (
	maxOpenConns    = 15
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

var registerVecOnce sync.Once

// DB wraps the database handle. Relational access goes through orm, vector
// table access through the raw pool.
type DB struct {
	orm *gorm.DB
	sql *sql.DB
}

// Open opens (creating if needed) the database at path, loads the vector
// extension, and migrates the schema.
func Open(path string) (*DB, error) {
	registerVecOnce.Do(sqlitevec.Auto)

	orm, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}

	sqlDB, err := orm.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	var vecVersion string
	if err := orm.Raw("SELECT vec_version()").Scan(&vecVersion).Error; err != nil {
		return nil, fmt.Errorf("vector extension unavailable: %w", err)
	}

	if err := orm.AutoMigrate(&Image{}, &Tag{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	createVec := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS image_embeddings USING vec0(
		vector_id TEXT PRIMARY KEY,
		image_id TEXT PARTITION KEY,
		description_embedding FLOAT[%d]
	)`, EmbeddingDim)
	if err := orm.Exec(createVec).Error; err != nil {
		return nil, fmt.Errorf("failed to create vector table: %w", err)
	}

	return &DB{orm: orm, sql: sqlDB}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

// GetImage loads an image with its tags.
func (db *DB) GetImage(id string) (*Image, error) {
	var img Image
	if err := db.orm.Preload("Tags").First(&img, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", id, err)
	}
	return &img, nil
}

// CountImages returns the total number of stored screenshots.
func (db *DB) CountImages() (int64, error) {
	var n int64
	if err := db.orm.Model(&Image{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}
