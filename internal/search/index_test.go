package search

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"marketfeed/internal/model"
)

func testIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewMemOnly()
	if err != nil {
		t.Fatalf("NewMemOnly: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndexAndSearch(t *testing.T) {
	idx := testIndex(t)
	docs := []*Document{
		{ID: "market/1-0", Title: "Trek mountain bike", Description: "barely used", Seller: "alice"},
		{ID: "market/2-0", Title: "Sofa", Description: "grey sofa with bike rack", Seller: "bob"},
		{ID: "market/3-0", Title: "Велосипед", Description: "городской", Seller: "carol"},
	}
	if err := idx.IndexBatch(docs); err != nil {
		t.Fatalf("IndexBatch: %v", err)
	}
	if n, err := idx.Count(); err != nil || n != 3 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"title and description", "bike", []string{"market/1-0", "market/2-0"}},
		{"cyrillic", "велосипед", []string{"market/3-0"}},
		{"field query", "Seller:bob", []string{"market/2-0"}},
		{"no match", "piano", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := idx.Search(tt.query, 10)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			got := make([]string, len(hits))
			for i, h := range hits {
				got[i] = h.ID
			}
			sort.Strings(got)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) && !(len(got) == 0 && len(tt.want) == 0) {
				t.Fatalf("hits = %v, want %v", got, tt.want)
			}
		})
	}

	if err := idx.Delete("market/1-0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	hits, err := idx.Search("bike", 10)
	if err != nil || len(hits) != 1 || hits[0].ID != "market/2-0" {
		t.Fatalf("after delete = %+v, %v", hits, err)
	}
}

func TestOpenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lots.bleve")
	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	doc := FromCatalog(&model.CatalogLot{LotID: "market/1-0", Title: "Guitar", PostedAt: time.Now()})
	if err := idx.IndexDocument(doc); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	hits, err := idx.Search("guitar", 5)
	if err != nil || len(hits) != 1 || hits[0].Title != "Guitar" {
		t.Fatalf("hits = %+v, %v", hits, err)
	}
}
