package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
)

// normalizeTagName trims whitespace and applies NFC so visually identical
// names compare equal.
func normalizeTagName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func normalizeTagNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		n := normalizeTagName(name)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// AllTags returns every tag ordered by name.
func (db *DB) AllTags() ([]Tag, error) {
	var tags []Tag
	if err := db.orm.Order("name").Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	return tags, nil
}

// TagCount is a tag with the number of images carrying it.
type TagCount struct {
	Tag
	Count int64 `json:"count"`
}

// TagsWithCounts returns every tag with its usage count, ordered by name.
func (db *DB) TagsWithCounts() ([]TagCount, error) {
	tags, err := db.AllTags()
	if err != nil {
		return nil, err
	}

	rows, err := db.sql.Query("SELECT tag_id, COUNT(*) FROM image_tags GROUP BY tag_id")
	if err != nil {
		return nil, fmt.Errorf("failed to count tag usage: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan tag count: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tag counts: %w", err)
	}

	out := make([]TagCount, len(tags))
	for i, t := range tags {
		out[i] = TagCount{Tag: t, Count: counts[t.ID]}
	}
	return out, nil
}

// SyncTags reconciles the catalog tags with the configured name list. Missing
// names are created, catalog tags absent from the list are removed along with
// their image assignments. Generated tags are left alone.
func (db *DB) SyncTags(names []string) (created, removed int, err error) {
	names = normalizeTagNames(names)
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}

	err = db.orm.Transaction(func(tx *gorm.DB) error {
		var existing []Tag
		if err := tx.Where("is_generated = ?", false).Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to load catalog tags: %w", err)
		}

		have := make(map[string]struct{}, len(existing))
		for _, t := range existing {
			have[t.Name] = struct{}{}
			if _, keep := wanted[t.Name]; keep {
				continue
			}
			if err := tx.Exec("DELETE FROM image_tags WHERE tag_id = ?", t.ID).Error; err != nil {
				return fmt.Errorf("failed to detach tag %q: %w", t.Name, err)
			}
			if err := tx.Delete(&Tag{}, "id = ?", t.ID).Error; err != nil {
				return fmt.Errorf("failed to delete tag %q: %w", t.Name, err)
			}
			removed++
		}

		for _, n := range names {
			if _, ok := have[n]; ok {
				continue
			}
			// An AI-created tag with the same name is promoted to the
			// catalog instead of duplicated.
			res := tx.Model(&Tag{}).Where("name = ?", n).Update("is_generated", false)
			if res.Error != nil {
				return fmt.Errorf("failed to promote tag %q: %w", n, res.Error)
			}
			if res.RowsAffected > 0 {
				continue
			}
			if err := tx.Create(&Tag{Name: n}).Error; err != nil {
				return fmt.Errorf("failed to create tag %q: %w", n, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return created, removed, nil
}

// ImageTags returns the tags attached to an image, ordered by name.
func (db *DB) ImageTags(imageID string) ([]Tag, error) {
	var img Image
	if err := db.orm.Preload("Tags").First(&img, "id = ?", imageID).Error; err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", imageID, err)
	}
	sort.Slice(img.Tags, func(i, j int) bool { return img.Tags[i].Name < img.Tags[j].Name })
	return img.Tags, nil
}

// ImageTagsBatch returns tag names per image for the given ids in one query.
func (db *DB) ImageTagsBatch(imageIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(imageIDs))
	if len(imageIDs) == 0 {
		return out, nil
	}

	var rows []struct {
		ImageID string
		Name    string
	}
	err := db.orm.Table("image_tags").
		Select("image_tags.image_id, tags.name").
		Joins("JOIN tags ON tags.id = image_tags.tag_id").
		Where("image_tags.image_id IN ?", imageIDs).
		Order("tags.name").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tags for images: %w", err)
	}
	for _, r := range rows {
		out[r.ImageID] = append(out[r.ImageID], r.Name)
	}
	return out, nil
}

// UpdateImageTags replaces the tag set of an image with the named tags,
// creating unknown names as generated tags. When the resolved tag ids match
// the current assignment the write is skipped and changed is false.
func (db *DB) UpdateImageTags(imageID string, names []string) (changed bool, tags []Tag, err error) {
	names = normalizeTagNames(names)

	err = db.orm.Transaction(func(tx *gorm.DB) error {
		var img Image
		if err := tx.Preload("Tags").First(&img, "id = ?", imageID).Error; err != nil {
			return fmt.Errorf("failed to load image %s: %w", imageID, err)
		}

		tags = make([]Tag, 0, len(names))
		for _, n := range names {
			var t Tag
			err := tx.Where("name = ?", n).First(&t).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				t = Tag{Name: n, IsGenerated: true}
				if err := tx.Create(&t).Error; err != nil {
					return fmt.Errorf("failed to create tag %q: %w", n, err)
				}
			} else if err != nil {
				return fmt.Errorf("failed to resolve tag %q: %w", n, err)
			}
			tags = append(tags, t)
		}

		if sameTagSet(img.Tags, tags) {
			return nil
		}
		if err := tx.Model(&img).Association("Tags").Replace(tags); err != nil {
			return fmt.Errorf("failed to replace tags on image %s: %w", imageID, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return changed, tags, nil
}

func sameTagSet(a, b []Tag) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]struct{}, len(a))
	for _, t := range a {
		ids[t.ID] = struct{}{}
	}
	for _, t := range b {
		if _, ok := ids[t.ID]; !ok {
			return false
		}
	}
	return true
}
