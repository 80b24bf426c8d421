package keyword

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/clipdex/internal/models"
)

func indexSegments(t *testing.T, idx *BleveIndex, segs ...*models.Segment) {
	t.Helper()
	for _, s := range segs {
		if err := idx.Index(context.Background(), s); err != nil {
			t.Fatalf("Index %s: %v", s.ID, err)
		}
	}
}

func ids(results []*KeywordResult) map[string]bool {
	out := make(map[string]bool, len(results))
	for _, r := range results {
		out[r.ID] = true
	}
	return out
}

func TestBleveIndex_SearchFindsTags(t *testing.T) {
	idx, err := NewBleveIndex(filepath.Join(t.TempDir(), "tags.bleve"))
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	defer idx.Close()

	indexSegments(t, idx,
		&models.Segment{ID: "s1", FilePath: "/footage/trip.mp4", Tags: []string{"Sunset", "golden-hour"}},
		&models.Segment{ID: "s2", FilePath: "/footage/office.mp4", Tags: []string{"interview"}},
	)

	results, err := idx.Search(context.Background(), "sunset", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "s1" {
		t.Fatalf("expected s1 for tag sunset, got %+v", results)
	}

	// Hyphenated tags are matched whole and word by word.
	for _, q := range []string{"golden-hour", "golden"} {
		results, err = idx.Search(context.Background(), q, 10, nil)
		if err != nil {
			t.Fatalf("Search %q: %v", q, err)
		}
		if !ids(results)["s1"] {
			t.Errorf("query %q should find s1, got %+v", q, results)
		}
	}
}

func TestBleveIndex_SearchFindsFileName(t *testing.T) {
	idx, err := NewMemoryBleveIndex()
	if err != nil {
		t.Fatalf("NewMemoryBleveIndex: %v", err)
	}
	defer idx.Close()

	indexSegments(t, idx,
		&models.Segment{ID: "a", FilePath: "/footage/beach_day-02.mp4"},
		&models.Segment{ID: "b", FilePath: "/footage/city_night.mov", Tags: []string{"beach"}},
	)

	results, err := idx.Search(context.Background(), "beach", 10, &SearchOptions{FileNameBoost: 0.5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "b" {
		t.Errorf("tag match should outrank a down-weighted file name match, got %s first", results[0].ID)
	}
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx, err := NewMemoryBleveIndex()
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	indexSegments(t, idx, &models.Segment{ID: "s1", FilePath: "/f/x.mp4", Tags: []string{"waterfall"}})

	results, _ := idx.Search(context.Background(), "waterfal", 10, nil)
	if len(results) != 0 {
		t.Errorf("exact search should not match a misspelling, got %+v", results)
	}
	results, err = idx.Search(context.Background(), "waterfal", 10, &SearchOptions{FuzzyEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("fuzzy search should match, got %+v", results)
	}
}

func TestBleveIndex_EmptyQuery(t *testing.T) {
	idx, err := NewMemoryBleveIndex()
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	results, err := idx.Search(context.Background(), "   ", 10, nil)
	if err != nil || results != nil {
		t.Errorf("empty query: results=%v err=%v", results, err)
	}
}

func TestBleveIndex_OpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.bleve")
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	indexSegments(t, idx, &models.Segment{ID: "s1", FilePath: "/f/a.mp4", Tags: []string{"drone"}})
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	n, err := reopened.DocCount()
	if err != nil || n != 1 {
		t.Fatalf("DocCount = %d, %v", n, err)
	}
	results, _ := reopened.Search(context.Background(), "drone", 10, nil)
	if len(results) != 1 {
		t.Errorf("expected reopened index to find s1, got %+v", results)
	}
}

func TestBleveIndex_Delete(t *testing.T) {
	idx, err := NewMemoryBleveIndex()
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()
	indexSegments(t, idx, &models.Segment{ID: "s1", FilePath: "/f/a.mp4", Tags: []string{"drone"}})
	if err := idx.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	results, _ := idx.Search(ctx, "drone", 10, nil)
	if len(results) != 0 {
		t.Errorf("deleted segment still found: %+v", results)
	}
}

func TestNewBleveIndex_createsDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "tags.bleve")
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	defer idx.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("index dir not created: %v", err)
	}
}

func TestSplitWords(t *testing.T) {
	tests := []struct{ in, want string }{
		{"beach_day-02.mp4", "beach day 02 mp4"},
		{"golden-hour", "golden hour"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := splitWords(tt.in); got != tt.want {
			t.Errorf("splitWords(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
