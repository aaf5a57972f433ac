package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketfeed/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func samplePost() *model.Post {
	return &model.Post{
		ID:             42,
		Chat:           "market",
		Date:           time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC),
		SenderUsername: "seller",
		AuthorType:     model.AuthorUser,
		Files:          []string{"market/2024/05/a.jpg", "market/2024/05/b.jpg"},
		Text:           "Selling a bike\nGood condition",
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ============================================================
// Posts
// ============================================================

func TestWritePostRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := samplePost()
	p.Extra = map[string]string{"topic": "bikes"}
	path := s.RawPath(p.Chat, p.Date, p.ID)

	if err := s.WritePost(path, p); err != nil {
		t.Fatalf("WritePost: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("raw", "market", "2024", "05", "42.md")) {
		t.Fatalf("unexpected path %s", path)
	}

	got := s.ReadPost(path)
	if got == nil {
		t.Fatalf("ReadPost returned nil")
	}
	if got.ID != 42 || got.Chat != "market" || !got.Date.Equal(p.Date) {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if len(got.Files) != 2 || got.Files[1] != "market/2024/05/b.jpg" {
		t.Fatalf("files mismatch: %v", got.Files)
	}
	if got.Text != p.Text {
		t.Fatalf("body mismatch: %q", got.Text)
	}
	if got.Extra["topic"] != "bikes" {
		t.Fatalf("extra header lost: %v", got.Extra)
	}
}

func TestWritePostInvariants(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name   string
		mutate func(p *model.Post)
		want   error
	}{
		{"no contact", func(p *model.Post) { p.SenderUsername = "" }, ErrMissingContact},
		{"no id", func(p *model.Post) { p.ID = 0 }, ErrMissingField},
		{"no chat", func(p *model.Post) { p.Chat = "" }, ErrMissingField},
		{"future date", func(p *model.Post) { p.Date = time.Now().Add(48 * time.Hour) }, ErrMissingTimestamp},
		{"duplicate files", func(p *model.Post) { p.Files = []string{"x.jpg", "x.jpg"} }, ErrDuplicateFiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePost()
			tt.mutate(p)
			path := filepath.Join(s.Dir(RawDir), "bad.md")
			err := s.WritePost(path, p)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if Exists(path) {
				t.Fatalf("invalid post must not reach disk")
			}
		})
	}
}

func TestReadPostTolerance(t *testing.T) {
	s := newTestStore(t)
	if p := s.ReadPost(filepath.Join(s.Root(), "missing.md")); p != nil {
		t.Fatalf("missing post should be nil")
	}

	corrupt := filepath.Join(s.Dir(RawDir), "c", "1.md")
	writeFile(t, corrupt, "id: not-a-number\n\nbody")
	if p := s.ReadPost(corrupt); p != nil {
		t.Fatalf("corrupt post should be nil")
	}

	legacy := filepath.Join(s.Dir(RawDir), "c", "2.md")
	writeFile(t, legacy, "id: 2\nchat: c\ndate: 2024-05-01T10:00:00+00:00\nfiles: ['c/2024/05/a.jpg', 'c/2024/05/b.png']\nis_admin: False\n\nhello")
	p := s.ReadPost(legacy)
	if p == nil {
		t.Fatalf("legacy post should parse")
	}
	if len(p.Files) != 2 || p.Files[0] != "c/2024/05/a.jpg" {
		t.Fatalf("legacy file list not parsed: %v", p.Files)
	}
	if p.IsAdmin {
		t.Fatalf("is_admin should be false")
	}
}

// ============================================================
// Lots
// ============================================================

func sampleLot() *model.Lot {
	return &model.Lot{
		Timestamp:    "2024-05-03T10:00:00+00:00",
		Titles:       map[string]string{"en": "Bike"},
		Descriptions: map[string]string{"en": "Red bike"},
		Source:       model.LotSource{Path: "market/2024/05/42.md", AuthorTG: "@seller"},
		Facets:       map[string]any{"price": 100.0, "price:currency": "", "market:deal": "sell"},
	}
}

func TestWriteAndReadLots(t *testing.T) {
	s := newTestStore(t)
	raw := s.RawPath("market", time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), 42)
	path := s.LotPathForRaw(raw)

	if err := s.WriteLots(path, []*model.Lot{sampleLot(), sampleLot()}); err != nil {
		t.Fatalf("WriteLots: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "price:currency") {
		t.Fatalf("empty facet should be dropped: %s", data)
	}

	lots := s.ReadLots(path)
	if len(lots) != 2 {
		t.Fatalf("expected 2 lots, got %d", len(lots))
	}
	if lots[1].ID != "market/2024/05/42-1" {
		t.Fatalf("unexpected id %s", lots[1].ID)
	}
	if s.LotPathForID(lots[1].ID) != path {
		t.Fatalf("LotPathForID mismatch: %s", s.LotPathForID(lots[1].ID))
	}
	if s.RawPathForLot(path) != raw {
		t.Fatalf("RawPathForLot mismatch: %s", s.RawPathForLot(path))
	}
}

func TestWriteLotsInvariants(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.Dir(LotsDir), "c", "1.json")

	noSeller := sampleLot()
	noSeller.Source.AuthorTG = ""
	if err := s.WriteLots(path, []*model.Lot{noSeller}); !errors.Is(err, ErrLotSeller) {
		t.Fatalf("want ErrLotSeller, got %v", err)
	}
	noTime := sampleLot()
	noTime.Timestamp = "garbage"
	if err := s.WriteLots(path, []*model.Lot{sampleLot(), noTime}); !errors.Is(err, ErrLotTimestamp) {
		t.Fatalf("want ErrLotTimestamp, got %v", err)
	}
	if Exists(path) {
		t.Fatalf("invalid lots must not reach disk")
	}
}

func TestReadLotsFormats(t *testing.T) {
	s := newTestStore(t)
	single := filepath.Join(s.Dir(LotsDir), "c", "1.json")
	writeFile(t, single, `{"title_en": "x", "fraud": "spam"}`)
	if lots := s.ReadLots(single); len(lots) != 1 || lots[0].Fraud != "spam" {
		t.Fatalf("single object should load: %+v", lots)
	}

	corrupt := filepath.Join(s.Dir(LotsDir), "c", "2.json")
	writeFile(t, corrupt, `[{"title_en": "x"}, 5]`)
	if lots := s.ReadLots(corrupt); lots != nil {
		t.Fatalf("non-object entry should invalidate file")
	}
}

// ============================================================
// Media
// ============================================================

func TestSaveMediaContentAddressed(t *testing.T) {
	s := newTestStore(t)
	date := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)

	rel1, created, err := s.SaveMedia("market", date, ".jpg", []byte("image-bytes"))
	if err != nil || !created {
		t.Fatalf("first save: %v created=%v", err, created)
	}
	rel2, created, err := s.SaveMedia("market", date, ".jpg", []byte("image-bytes"))
	if err != nil || created {
		t.Fatalf("second save should reuse blob: %v created=%v", err, created)
	}
	if rel1 != rel2 || !strings.HasPrefix(rel1, "market/2024/05/") {
		t.Fatalf("unexpected rel paths %s %s", rel1, rel2)
	}

	path := s.MediaPath(rel1)
	if err := s.WriteMediaMeta(path, model.MediaMeta{MessageID: 7, Date: "2024-05-03T00:00:00Z"}); err != nil {
		t.Fatalf("WriteMediaMeta: %v", err)
	}
	meta, ok := s.ReadMediaMeta(path)
	if !ok || meta.MessageID != 7 || meta.Original != "" {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestCaptionFormats(t *testing.T) {
	s := newTestStore(t)
	img := filepath.Join(s.Dir(MediaDir), "c", "2024", "05", "b.jpg")
	writeFile(t, img, "img")

	if HasCaption(img) {
		t.Fatalf("no caption yet")
	}
	writeFile(t, strings.TrimSuffix(img, ".jpg")+".caption.md", "legacy text")
	if c := s.ReadCaption(img); PickCaption(c, "ru") != "legacy text" {
		t.Fatalf("legacy caption not read: %v", c)
	}

	if err := s.WriteCaption(img, model.Caption{"en": "a bike", "ru": "велосипед"}); err != nil {
		t.Fatalf("WriteCaption: %v", err)
	}
	if CaptionPath(img) != filepath.Join(filepath.Dir(img), "b.caption.json") {
		t.Fatalf("unexpected caption path %s", CaptionPath(img))
	}
	c := s.ReadCaption(img)
	if c["ru"] != "велосипед" || PickCaption(c, "ka") != "a bike" {
		t.Fatalf("json caption not preferred: %v", c)
	}
}

func TestIsImage(t *testing.T) {
	for path, want := range map[string]bool{
		"a.jpg": true, "a.JPEG": true, "a.jpg_large": true, "a.png": true,
		"a.webp": true, "a.mp4": false, "a.pdf": false,
	} {
		if got := IsImage(path); got != want {
			t.Fatalf("IsImage(%s) = %v", path, got)
		}
	}
}

// ============================================================
// Embeddings and caches
// ============================================================

func TestReadEmbeddingsFormats(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.Dir(VectorsDir), "c")
	writeFile(t, filepath.Join(dir, "1.json"), `{"id": "c/1-0", "vec": [1, 0]}`)
	writeFile(t, filepath.Join(dir, "2.json"), `[{"id": "c/2-0", "vec": [0, 1]}, {"id": "c/2-1", "vec": [1, 1]}]`)
	writeFile(t, filepath.Join(dir, "3.json"), `oldvec`)

	tests := []struct {
		file  string
		want  EmbeddingFormat
		count int
	}{
		{"1.json", EmbeddingObject, 1},
		{"2.json", EmbeddingArray, 2},
		{"3.json", EmbeddingCorrupt, 0},
		{"4.json", EmbeddingMissing, 0},
	}
	for _, tt := range tests {
		recs, format := s.ReadEmbeddings(filepath.Join(dir, tt.file))
		if format != tt.want || len(recs) != tt.count {
			t.Fatalf("%s: format=%v count=%d", tt.file, format, len(recs))
		}
	}

	all := s.LoadAllEmbeddings()
	if len(all) != 3 || all["c/2-1"][0] != 1 {
		t.Fatalf("LoadAllEmbeddings = %v", all)
	}
}

func TestSaveSimilarRemovesStaleFiles(t *testing.T) {
	s := newTestStore(t)
	stale := filepath.Join(s.Dir(SimilarDir), "c", "9.json")
	writeFile(t, stale, `[{"id": "c/9-0", "similar": []}]`)

	sim := map[string][]model.Neighbor{
		"c/1-0": {{ID: "c/1-1", Dist: 0.1}},
		"c/1-1": {{ID: "c/1-0", Dist: 0.1}},
		"c/2-0": nil,
	}
	if err := s.SaveSimilar(sim); err != nil {
		t.Fatalf("SaveSimilar: %v", err)
	}
	if Exists(stale) {
		t.Fatalf("stale cache file should be removed")
	}
	loaded := s.LoadSimilar()
	if len(loaded) != 3 || loaded["c/1-0"][0].ID != "c/1-1" {
		t.Fatalf("LoadSimilar = %v", loaded)
	}
	if loaded["c/2-0"] == nil || len(loaded["c/2-0"]) != 0 {
		t.Fatalf("empty neighbour list should round trip as empty")
	}
}

func TestPruneEmptyDirs(t *testing.T) {
	s := newTestStore(t)
	keep := filepath.Join(s.Dir(RawDir), "a", "2024", "05", "1.md")
	writeFile(t, keep, "x")
	empty := filepath.Join(s.Dir(RawDir), "b", "2024", "05")
	if err := os.MkdirAll(empty, 0o755); err != nil {
		t.Fatal(err)
	}

	if n := s.PruneEmptyDirs(RawDir); n != 3 {
		t.Fatalf("expected 3 removed dirs, got %d", n)
	}
	if Exists(filepath.Join(s.Dir(RawDir), "b")) {
		t.Fatalf("empty tree should be gone")
	}
	if !Exists(keep) || !Exists(s.Dir(RawDir)) {
		t.Fatalf("non-empty dirs and root must stay")
	}
}

func TestWalkNewestFirst(t *testing.T) {
	s := newTestStore(t)
	older := filepath.Join(s.Dir(RawDir), "c", "1.md")
	newer := filepath.Join(s.Dir(RawDir), "c", "2.md")
	writeFile(t, older, "a")
	writeFile(t, newer, "b")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	got := s.Walk(RawDir, WalkOptions{Ext: ".md", NewestFirst: true})
	if len(got) != 2 || got[0] != newer {
		t.Fatalf("Walk = %v", got)
	}
}
