package store

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// serializeVector encodes a vector in the little-endian float32 layout the
// vec0 virtual table expects.
func serializeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeVector(blob []byte) []float32 {
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v
}

// widenQuantized converts packed int8 values to float32. Quantized embeddings
// live in a float column so the extension's distance functions apply
// unchanged.
func widenQuantized(q []int8) []float32 {
	v := make([]float32, len(q))
	for i, b := range q {
		v[i] = float32(b)
	}
	return v
}

// SaveEmbedding stores the quantized description embedding for an image,
// replacing any previous one. The virtual table does not support updating the
// vector column, so the old row is deleted first.
func (db *DB) SaveEmbedding(imageID string, quantized []int8) error {
	if len(quantized) != EmbeddingDim {
		return fmt.Errorf("embedding has %d dimensions, expected %d", len(quantized), EmbeddingDim)
	}
	blob := serializeVector(widenQuantized(quantized))

	if err := db.orm.Exec("DELETE FROM image_embeddings WHERE image_id = ?", imageID).Error; err != nil {
		return fmt.Errorf("failed to clear previous embedding: %w", err)
	}
	err := db.orm.Exec(
		"INSERT INTO image_embeddings (vector_id, image_id, description_embedding) VALUES (?, ?, ?)",
		uuid.NewString(), imageID, blob,
	).Error
	if err != nil {
		return fmt.Errorf("failed to save embedding for image %s: %w", imageID, err)
	}
	return nil
}

// DeleteEmbedding removes the stored embedding for an image, if any.
func (db *DB) DeleteEmbedding(imageID string) error {
	if err := db.orm.Exec("DELETE FROM image_embeddings WHERE image_id = ?", imageID).Error; err != nil {
		return fmt.Errorf("failed to delete embedding for image %s: %w", imageID, err)
	}
	return nil
}

// HasEmbedding reports whether an embedding is stored for the image.
func (db *DB) HasEmbedding(imageID string) (bool, error) {
	var n int64
	err := db.sql.QueryRow("SELECT COUNT(*) FROM image_embeddings WHERE image_id = ?", imageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check embedding for image %s: %w", imageID, err)
	}
	return n > 0, nil
}

// EmbeddingFor returns the stored embedding vector for an image.
func (db *DB) EmbeddingFor(imageID string) ([]float32, error) {
	var blob []byte
	err := db.sql.QueryRow(
		"SELECT description_embedding FROM image_embeddings WHERE image_id = ?", imageID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no embedding stored for image %s", imageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding for image %s: %w", imageID, err)
	}
	return deserializeVector(blob), nil
}

// StoredEmbedding pairs an image id with its embedding, used to warm the
// similarity index.
type StoredEmbedding struct {
	ImageID string
	Vector  []float32
}

// ListEmbeddings returns every stored embedding.
func (db *DB) ListEmbeddings() ([]StoredEmbedding, error) {
	rows, err := db.sql.Query("SELECT image_id, description_embedding FROM image_embeddings")
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []StoredEmbedding
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		out = append(out, StoredEmbedding{ImageID: id, Vector: deserializeVector(blob)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embeddings: %w", err)
	}
	return out, nil
}

// ComputeSimilarity returns the cosine distance between the stored embeddings
// of two images. 0 means identical, 2 opposite.
func (db *DB) ComputeSimilarity(firstID, secondID string) (float64, error) {
	var distance float64
	err := db.sql.QueryRow(
		`SELECT vec_distance_cosine(a.description_embedding, b.description_embedding)
		 FROM image_embeddings a, image_embeddings b
		 WHERE a.image_id = ? AND b.image_id = ?`,
		firstID, secondID,
	).Scan(&distance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("one of images %s, %s has no embedding", firstID, secondID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to compute similarity: %w", err)
	}
	return distance, nil
}
