package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DefaultPerPage is the page size used when the caller does not set one.
const DefaultPerPage = 42

// TimeFilter narrows a search to a relative time window.
type TimeFilter string

const (
	TimeAll       TimeFilter = "all"
	TimeToday     TimeFilter = "today"
	TimeYesterday TimeFilter = "yesterday"
	TimeThisWeek  TimeFilter = "week"
)

// ParseTimeFilter maps user input to a TimeFilter, defaulting to all time.
func ParseTimeFilter(s string) TimeFilter {
	switch TimeFilter(strings.ToLower(strings.TrimSpace(s))) {
	case TimeToday:
		return TimeToday
	case TimeYesterday:
		return TimeYesterday
	case TimeThisWeek:
		return TimeThisWeek
	default:
		return TimeAll
	}
}

// Range resolves the filter to a half-open [start, end) window in UTC. Nil
// bounds are unbounded. Today and this week end at now; weeks start on
// Monday. The half-open upper bound keeps a capture taken exactly at
// midnight out of yesterday's window.
func (f TimeFilter) Range(now time.Time) (start, end *time.Time) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch f {
	case TimeToday:
		return &dayStart, &now
	case TimeYesterday:
		s := dayStart.AddDate(0, 0, -1)
		return &s, &dayStart
	case TimeThisWeek:
		sinceMonday := (int(now.Weekday()) + 6) % 7
		s := dayStart.AddDate(0, 0, -sinceMonday)
		return &s, &now
	default:
		return nil, nil
	}
}

// Query describes one search. Text is embedded and ranked by vector distance;
// an empty Text returns results in reverse capture order. Tags must ALL be
// present on a matching image. Page is zero-based.
type Query struct {
	Text    string
	Tags    []string
	Time    TimeFilter
	Page    int
	PerPage int
}

// RankedImage is a search hit. Rank is the cosine distance to the query for
// text searches and 1.0 otherwise.
type RankedImage struct {
	Image
	Rank float64 `json:"rank"`
}

// SearchResult is one page of hits plus the total match count before
// pagination.
type SearchResult struct {
	Images []RankedImage `json:"images"`
	Total  int64         `json:"total"`
	Page   int           `json:"page"`
}

type searchStmt struct {
	query string
	args  []any
}

// buildSearchSQL assembles the hybrid search statement. Vector scoring,
// filtering, and the total count run in one pass over CTEs; only ids come
// back, the rows are hydrated separately.
func buildSearchSQL(q Query, embedding []float32, now time.Time) searchStmt {
	var b strings.Builder
	var args []any

	b.WriteString("WITH scored AS (\n")
	if embedding != nil {
		b.WriteString("  SELECT i.id, i.timestamp, i.created_at, vec_distance_cosine(e.description_embedding, ?) AS rank\n")
		b.WriteString("  FROM images i\n")
		b.WriteString("  JOIN image_embeddings e ON e.image_id = i.id\n")
		args = append(args, serializeVector(embedding))
	} else {
		b.WriteString("  SELECT i.id, i.timestamp, i.created_at, 1.0 AS rank\n")
		b.WriteString("  FROM images i\n")
	}
	b.WriteString("), filtered AS (\n")
	b.WriteString("  SELECT s.id, s.timestamp, s.rank\n")
	b.WriteString("  FROM scored s\n")

	if len(q.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Tags)), ",")
		b.WriteString("  JOIN image_tags it ON it.image_id = s.id\n")
		b.WriteString("  JOIN tags t ON t.id = it.tag_id AND t.name IN (" + placeholders + ")\n")
		for _, name := range q.Tags {
			args = append(args, name)
		}
	}

	b.WriteString("  WHERE 1=1\n")
	start, end := q.Time.Range(now)
	if start != nil {
		b.WriteString("  AND s.created_at >= ?\n")
		args = append(args, *start)
	}
	if end != nil {
		b.WriteString("  AND s.created_at < ?\n")
		args = append(args, *end)
	}

	if len(q.Tags) > 0 {
		// Intersection semantics: an image matches only when every
		// requested tag is attached.
		b.WriteString("  GROUP BY s.id, s.timestamp, s.rank\n")
		b.WriteString("  HAVING COUNT(DISTINCT t.name) = ?\n")
		args = append(args, len(q.Tags))
	}

	b.WriteString("), total AS (\n")
	b.WriteString("  SELECT COUNT(*) AS total_count FROM filtered\n")
	b.WriteString("), paginated AS (\n")
	b.WriteString("  SELECT f.id, f.timestamp, f.rank\n")
	b.WriteString("  FROM filtered f\n")
	b.WriteString("  ORDER BY f.rank ASC, f.timestamp DESC\n")
	b.WriteString("  LIMIT ? OFFSET ?\n")
	b.WriteString(")\n")
	// LEFT JOIN from total so the count survives an empty page window.
	b.WriteString("SELECT p.id, p.rank, total.total_count\n")
	b.WriteString("FROM total LEFT JOIN paginated p ON 1=1\n")
	b.WriteString("ORDER BY p.rank ASC, p.timestamp DESC")
	args = append(args, q.PerPage, q.Page*q.PerPage)

	return searchStmt{query: b.String(), args: args}
}

// SearchImages runs the hybrid search. embedding may be nil for browse-style
// queries without text.
func (db *DB) SearchImages(q Query, embedding []float32, now time.Time) (*SearchResult, error) {
	if q.PerPage <= 0 {
		q.PerPage = DefaultPerPage
	}
	if q.Page < 0 {
		q.Page = 0
	}
	if len(q.Tags) > 0 {
		// Copy before normalizing; the caller's slice stays untouched.
		tags := make([]string, len(q.Tags))
		for i, name := range q.Tags {
			tags[i] = normalizeTagName(name)
		}
		q.Tags = tags
	}

	stmt := buildSearchSQL(q, embedding, now)
	rows, err := db.sql.Query(stmt.query, stmt.args...)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	ranks := make(map[string]float64)
	var total int64
	for rows.Next() {
		// id and rank are NULL on the count-only row of an empty page.
		var id sql.NullString
		var rank sql.NullFloat64
		if err := rows.Scan(&id, &rank, &total); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		if !id.Valid {
			continue
		}
		ids = append(ids, id.String)
		ranks[id.String] = rank.Float64
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search rows: %w", err)
	}

	result := &SearchResult{Images: []RankedImage{}, Total: total, Page: q.Page}
	if len(ids) == 0 {
		return result, nil
	}

	var images []Image
	if err := db.orm.Preload("Tags").Where("id IN ?", ids).Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to load search hits: %w", err)
	}
	byID := make(map[string]Image, len(images))
	for _, img := range images {
		byID[img.ID] = img
	}
	for _, id := range ids {
		img, ok := byID[id]
		if !ok {
			// Deleted between ranking and hydration.
			continue
		}
		result.Images = append(result.Images, RankedImage{Image: img, Rank: ranks[id]})
	}
	return result, nil
}
