package similar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"testing"

	"marketfeed/internal/model"
	"marketfeed/internal/store"
)

func set(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func assertSortedBounded(t *testing.T, c *Cache) {
	t.Helper()
	for id, list := range c.Entries() {
		if len(list) > MaxNeighbors {
			t.Fatalf("%s has %d neighbors", id, len(list))
		}
		for i := 1; i < len(list); i++ {
			if list[i].Dist < list[i-1].Dist {
				t.Fatalf("%s neighbors not sorted: %v", id, list)
			}
		}
	}
}

func TestPrune(t *testing.T) {
	c := NewCache(map[string][]model.Neighbor{
		"a":    {{ID: "b", Dist: 0.1}, {ID: "gone", Dist: 0.2}, {ID: "c", Dist: 0.3}},
		"b":    {{ID: "a", Dist: 0.1}},
		"gone": {{ID: "a", Dist: 0.2}},
	})
	removed := c.Prune(set("a", "b", "c"))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := c.Get("gone"); ok {
		t.Fatalf("pruned key still present")
	}
	a, _ := c.Get("a")
	if len(a) != 2 || a[0].ID != "b" || a[1].ID != "c" {
		t.Fatalf("a = %v", a)
	}
}

func TestInsertReciprocal(t *testing.T) {
	full := make([]model.Neighbor, MaxNeighbors)
	for i := range full {
		full[i] = model.Neighbor{ID: fmt.Sprintf("n%d", i), Dist: 0.1 * float64(i+1)}
	}
	tests := []struct {
		name    string
		initial []model.Neighbor
		dist    float64
		wantPos int // -1: not present
		wantLen int
	}{
		{"empty list", nil, 0.5, 0, 1},
		{"closer than a full list", append([]model.Neighbor(nil), full...), 0.05, 0, MaxNeighbors},
		{"farther than a full list", append([]model.Neighbor(nil), full...), 0.9, -1, MaxNeighbors},
		{"existing reference updated", []model.Neighbor{{ID: "x", Dist: 0.1}, {ID: "new", Dist: 0.9}}, 0.05, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCache(map[string][]model.Neighbor{"b": tt.initial})
			c.InsertReciprocal("new", []model.Neighbor{{ID: "b", Dist: tt.dist}})
			list, _ := c.Get("b")
			if len(list) != tt.wantLen {
				t.Fatalf("len = %d, want %d: %v", len(list), tt.wantLen, list)
			}
			pos := -1
			for i, n := range list {
				if n.ID == "new" {
					pos = i
				}
			}
			if pos != tt.wantPos {
				t.Fatalf("position = %d, want %d: %v", pos, tt.wantPos, list)
			}
			assertSortedBounded(t, c)
		})
	}
}

func TestCompute(t *testing.T) {
	vecs := map[string][]float64{}
	for i := 0; i < 10; i++ {
		angle := float64(i) * 0.1
		vecs[fmt.Sprintf("l%d", i)] = []float64{math.Cos(angle), math.Sin(angle)}
	}
	c := NewCache(nil)
	Compute(c, []string{"l0", "l9", "missing"}, vecs)

	l0, _ := c.Get("l0")
	if len(l0) != MaxNeighbors || l0[0].ID != "l1" {
		t.Fatalf("l0 = %v", l0)
	}
	for _, n := range l0 {
		if n.ID == "l0" {
			t.Fatalf("self in neighbor list")
		}
	}
	if got, ok := c.Get("missing"); !ok || len(got) != 0 {
		t.Fatalf("missing = %v, %v; want empty entry", got, ok)
	}
	// l1 learned about l0 through the reciprocal insert.
	l1, _ := c.Get("l1")
	if len(l1) == 0 || l1[0].ID != "l0" {
		t.Fatalf("l1 = %v", l1)
	}
	assertSortedBounded(t, c)
}

func TestComputeSmallSet(t *testing.T) {
	c := NewCache(nil)
	Compute(c, []string{"a"}, map[string][]float64{"a": {1, 0}})
	if got, _ := c.Get("a"); len(got) != 0 {
		t.Fatalf("single lot has neighbors: %v", got)
	}

	vecs := map[string][]float64{"a": {1, 0}, "b": {0.9, 0.1}}
	Compute(c, []string{"a"}, vecs)
	got, _ := c.Get("a")
	if len(got) != 1 || got[0].ID != "b" || got[0].Dist <= 0 || got[0].Dist > 0.1 {
		t.Fatalf("a = %v", got)
	}
}

func TestNewIDs(t *testing.T) {
	c := NewCache(map[string][]model.Neighbor{
		"cached": {{ID: "other", Dist: 0.1}},
		"empty":  {},
		"novec":  {},
		"other":  {{ID: "cached", Dist: 0.1}},
	})
	vecs := map[string][]float64{"cached": {1}, "empty": {1}, "other": {1}, "fresh": {1}}
	got := NewIDs(c, set("cached", "empty", "novec", "other", "fresh"), vecs)
	want := []string{"empty", "fresh"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("NewIDs = %v, want %v", got, want)
	}
}

func lotFor(id, seller string) *model.Lot {
	return &model.Lot{ID: id, Source: model.LotSource{AuthorTG: seller}}
}

func TestByUser(t *testing.T) {
	var lots []*model.Lot
	vecs := map[string][]float64{}
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("bob-%d", i)
		lots = append(lots, lotFor(id, "bob"))
		vecs[id] = []float64{1, float64(i)}
	}
	lots = append(lots, lotFor("alice-0", "alice"), lotFor("carol-0", "carol"), lotFor("carol-1", "carol"))
	vecs["alice-0"] = []float64{1, 0}
	vecs["carol-0"] = []float64{1, 0}
	vecs["carol-1"] = []float64{0, 1}

	more := ByUser(lots, vecs)
	if _, ok := more["alice-0"]; ok {
		t.Fatalf("single-lot seller got an entry")
	}
	if got := more["carol-0"]; len(got) != 1 || got[0] != "carol-1" {
		t.Fatalf("carol-0 = %v", got)
	}
	bob := more["bob-3"]
	if len(bob) != MaxMoreUser {
		t.Fatalf("bob-3 has %d entries, want %d", len(bob), MaxMoreUser)
	}
	for _, id := range bob {
		if id == "bob-3" || id[:3] != "bob" {
			t.Fatalf("bob-3 list contains %q", id)
		}
	}
}

func TestStageRun(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(t.TempDir(), logger)
	s := NewStage(st, nil, logger)

	write := func(name string, vecs ...[]float64) string {
		path := filepath.Join(st.Dir(store.LotsDir), "market", "2024", "05", name+".json")
		lots := make([]*model.Lot, len(vecs))
		var recs []model.EmbeddingRecord
		for i, v := range vecs {
			lots[i] = &model.Lot{Timestamp: "2024-05-03T10:00:00Z", Source: model.LotSource{AuthorTG: "alice"}}
			if v != nil {
				recs = append(recs, model.EmbeddingRecord{ID: st.LotID(path, i), Vec: v})
			}
		}
		if err := st.WriteLots(path, lots); err != nil {
			t.Fatalf("WriteLots: %v", err)
		}
		if len(recs) > 0 {
			if err := st.WriteEmbeddings(st.EmbeddingPathForLot(path), recs); err != nil {
				t.Fatalf("WriteEmbeddings: %v", err)
			}
		}
		return path
	}
	write("1", []float64{1, 0}, nil)
	second := write("2", []float64{0.9, 0.1})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sim := st.LoadSimilar()
	if got := sim["market/2024/05/1-0"]; len(got) != 1 || got[0].ID != "market/2024/05/2-0" {
		t.Fatalf("1-0 = %v", got)
	}
	if got, ok := sim["market/2024/05/1-1"]; !ok || len(got) != 0 {
		t.Fatalf("lot without embedding = %v, %v", got, ok)
	}
	more := st.LoadMoreUser()
	if got := more["market/2024/05/2-0"]; len(got) != 1 || got[0] != "market/2024/05/1-0" {
		t.Fatalf("more_user = %v", more)
	}

	st.RemoveLotFile(second)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run after delete: %v", err)
	}
	sim = st.LoadSimilar()
	ids := make([]string, 0, len(sim))
	for id, list := range sim {
		ids = append(ids, id)
		for _, n := range list {
			if n.ID == "market/2024/05/2-0" {
				t.Fatalf("%s still references deleted lot", id)
			}
		}
	}
	sort.Strings(ids)
	if fmt.Sprint(ids) != "[market/2024/05/1-0 market/2024/05/1-1]" {
		t.Fatalf("cache ids = %v", ids)
	}
	if store.Exists(st.SimilarPathForLot(second)) {
		t.Fatalf("similar cache for deleted lot file not removed")
	}
}
