package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Image is one captured screenshot. Filepath is relative to the images
// directory; PHash is the perceptual hash as a 16 character hex string.
type Image struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Filename    string    `gorm:"not null" json:"filename"`
	Filepath    string    `gorm:"not null" json:"filepath"`
	Timestamp   time.Time `gorm:"index" json:"timestamp"`
	Description *string   `json:"description,omitempty"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	PHash       string    `gorm:"column:phash" json:"phash,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
	Tags        []Tag     `gorm:"many2many:image_tags" json:"tags,omitempty"`
}

func (i *Image) BeforeCreate(*gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// Tag names are unique. IsGenerated marks tags created by the tagging
// pipeline rather than the configured catalog; catalog sync never removes
// generated tags.
type Tag struct {
	ID          string `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	IsGenerated bool   `json:"is_generated"`
}

func (t *Tag) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
