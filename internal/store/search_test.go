package store

import (
	"strings"
	"testing"
	"time"
)

// wednesday mid-afternoon, UTC
var searchNow = time.Date(2024, 3, 13, 15, 4, 5, 0, time.UTC)

func TestTimeFilterRange(t *testing.T) {
	dayStart := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	yesterdayStart := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)
	mondayStart := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter TimeFilter
		start  *time.Time
		end    *time.Time
	}{
		{"all time", TimeAll, nil, nil},
		{"unknown value", TimeFilter("last month"), nil, nil},
		{"today", TimeToday, &dayStart, &searchNow},
		{"yesterday", TimeYesterday, &yesterdayStart, &dayStart},
		{"this week", TimeThisWeek, &mondayStart, &searchNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.filter.Range(searchNow)
			if !equalTimePtr(start, tt.start) {
				t.Errorf("start = %v, want %v", start, tt.start)
			}
			if !equalTimePtr(end, tt.end) {
				t.Errorf("end = %v, want %v", end, tt.end)
			}
		})
	}
}

func equalTimePtr(a, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || a.Equal(*b)
}

func TestTimeFilterWeekStartsMonday(t *testing.T) {
	// On a Sunday the week window reaches back six days.
	sunday := time.Date(2024, 3, 17, 10, 0, 0, 0, time.UTC)
	start, _ := TimeThisWeek.Range(sunday)
	want := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	if start == nil || !start.Equal(want) {
		t.Errorf("week start = %v, want %v", start, want)
	}
}

func TestTimeFilterMidnightExcludedFromYesterday(t *testing.T) {
	// A capture at exactly today's midnight must fall outside yesterday's
	// half-open window.
	_, end := TimeYesterday.Range(searchNow)
	midnight := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)
	if end == nil {
		t.Fatal("yesterday must have an upper bound")
	}
	if !end.Equal(midnight) {
		t.Fatalf("yesterday's end = %v, want today's midnight", end)
	}
	// the filter compares created_at < end, so midnight itself is excluded
	if midnight.Before(*end) {
		t.Error("midnight should not satisfy the half-open bound")
	}
}

func TestParseTimeFilter(t *testing.T) {
	tests := []struct {
		in   string
		want TimeFilter
	}{
		{"today", TimeToday},
		{"  Yesterday ", TimeYesterday},
		{"WEEK", TimeThisWeek},
		{"all", TimeAll},
		{"", TimeAll},
		{"bogus", TimeAll},
	}
	for _, tt := range tests {
		if got := ParseTimeFilter(tt.in); got != tt.want {
			t.Errorf("ParseTimeFilter(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildSearchSQLBrowse(t *testing.T) {
	stmt := buildSearchSQL(Query{Page: 0, PerPage: 10}, nil, searchNow)

	if strings.Contains(stmt.query, "vec_distance_cosine") {
		t.Error("browse query must not rank by vector distance")
	}
	if !strings.Contains(stmt.query, "1.0 AS rank") {
		t.Error("browse query should use a constant rank")
	}
	if !strings.Contains(stmt.query, "ORDER BY f.rank ASC, f.timestamp DESC") {
		t.Error("results must order by rank then recency")
	}
	if !strings.Contains(stmt.query, "FROM total LEFT JOIN paginated") {
		t.Error("total count must not depend on the page window")
	}
	// limit and offset only
	if len(stmt.args) != 2 {
		t.Fatalf("expected 2 args, got %d: %v", len(stmt.args), stmt.args)
	}
	if stmt.args[0] != 10 || stmt.args[1] != 0 {
		t.Errorf("limit/offset args = %v, want [10 0]", stmt.args)
	}
}

func TestBuildSearchSQLVector(t *testing.T) {
	embedding := make([]float32, EmbeddingDim)
	stmt := buildSearchSQL(Query{Page: 2, PerPage: 5}, embedding, searchNow)

	if !strings.Contains(stmt.query, "vec_distance_cosine(e.description_embedding, ?)") {
		t.Error("text query must rank by vector distance")
	}
	if !strings.Contains(stmt.query, "JOIN image_embeddings e ON e.image_id = i.id") {
		t.Error("text query must join the vector table")
	}
	if len(stmt.args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(stmt.args))
	}
	blob, ok := stmt.args[0].([]byte)
	if !ok || len(blob) != EmbeddingDim*4 {
		t.Errorf("first arg should be the serialized query vector, got %T", stmt.args[0])
	}
	if stmt.args[1] != 5 || stmt.args[2] != 10 {
		t.Errorf("limit/offset = %v %v, want 5 10", stmt.args[1], stmt.args[2])
	}
}

func TestBuildSearchSQLTagIntersection(t *testing.T) {
	stmt := buildSearchSQL(Query{Tags: []string{"work", "code"}, PerPage: 10}, nil, searchNow)

	if !strings.Contains(stmt.query, "t.name IN (?,?)") {
		t.Error("expected one placeholder per tag")
	}
	if !strings.Contains(stmt.query, "HAVING COUNT(DISTINCT t.name) = ?") {
		t.Error("tag filtering must require all requested tags")
	}
	// tags, tag count, limit, offset
	if len(stmt.args) != 5 {
		t.Fatalf("expected 5 args, got %d: %v", len(stmt.args), stmt.args)
	}
	if stmt.args[0] != "work" || stmt.args[1] != "code" {
		t.Errorf("tag args = %v", stmt.args[:2])
	}
	if stmt.args[2] != 2 {
		t.Errorf("tag count arg = %v, want 2", stmt.args[2])
	}
}

func TestBuildSearchSQLTimeBounds(t *testing.T) {
	stmt := buildSearchSQL(Query{Time: TimeYesterday, PerPage: 10}, nil, searchNow)

	if !strings.Contains(stmt.query, "s.created_at >= ?") || !strings.Contains(stmt.query, "s.created_at < ?") {
		t.Error("yesterday filter must apply both bounds")
	}
	if len(stmt.args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(stmt.args))
	}
	start := stmt.args[0].(time.Time)
	end := stmt.args[1].(time.Time)
	if !start.Equal(time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !end.Equal(time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("end = %v", end)
	}
}

func TestSerializeVectorRoundTrip(t *testing.T) {
	in := []float32{0, 1, -1, 127, -128, 3.5}
	out := deserializeVector(serializeVector(in))
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("value %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestSearchImagesDoesNotMutateQueryTags(t *testing.T) {
	db := testDB(t)

	tags := []string{"  Work ", "CODE"}
	if _, err := db.SearchImages(Query{Tags: tags}, nil, searchNow); err != nil {
		t.Fatal(err)
	}
	if tags[0] != "  Work " || tags[1] != "CODE" {
		t.Errorf("caller's tag slice was modified: %v", tags)
	}
}

func TestSaveEmbeddingReplacesExistingRow(t *testing.T) {
	db := testDB(t)

	first := make([]int8, EmbeddingDim)
	second := make([]int8, EmbeddingDim)
	first[0] = -128
	second[0] = 127

	if err := db.SaveEmbedding("img-1", first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := db.SaveEmbedding("img-1", second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	var count int
	if err := db.sql.QueryRow("SELECT COUNT(*) FROM image_embeddings WHERE image_id = ?", "img-1").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one vector row, got %d", count)
	}

	vec, err := db.EmbeddingFor("img-1")
	if err != nil {
		t.Fatalf("EmbeddingFor: %v", err)
	}
	if vec[0] != 127 {
		t.Errorf("second save should win, got first coordinate %v", vec[0])
	}
}

func TestSaveEmbeddingRejectsWrongDimension(t *testing.T) {
	db := testDB(t)
	if err := db.SaveEmbedding("img-1", make([]int8, EmbeddingDim-1)); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestWidenQuantized(t *testing.T) {
	in := []int8{-128, -1, 0, 1, 127}
	out := widenQuantized(in)
	want := []float32{-128, -1, 0, 1, 127}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("value %d: got %v, want %v", i, out[i], want[i])
		}
	}
}
