package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"marketfeed/internal/config"
	"marketfeed/internal/pkg/dedup"
	"marketfeed/internal/source"
	"marketfeed/internal/store"
)

type fixture struct {
	svc   *Service
	store *store.Store
	spool *source.Spool
	cfg   *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config), deps Deps) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	cfg.App.TestMode = false
	cfg.Source.Chats = []string{"market"}
	cfg.Source.Topics = nil
	cfg.Store.MediaMaxAge = 30 * 24 * time.Hour
	if mutate != nil {
		mutate(cfg)
	}
	st := store.New(t.TempDir(), logger)
	sp := source.NewSpool(t.TempDir(), 0, logger)
	deps.Store = st
	deps.Source = sp
	svc, err := New(cfg, deps, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{svc: svc, store: st, spool: sp, cfg: cfg}
}

func (f *fixture) appendMsgs(t *testing.T, msgs ...*source.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := f.spool.Append(m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func msg(id int64, date time.Time, text string) *source.Message {
	return &source.Message{
		ID:     id,
		Chat:   "market",
		Date:   date,
		Sender: &source.User{ID: 100, Username: "alice", FirstName: "Alice"},
		Text:   text,
	}
}

func image(data string) *source.Media {
	return &source.Media{Data: []byte(data), Name: "photo.jpg", MimeType: "image/jpeg", Size: int64(len(data))}
}

func TestSaveAlbumOrderIndependent(t *testing.T) {
	date := time.Now().Add(-time.Hour).Truncate(time.Second)
	build := func() (*source.Message, *source.Message) {
		a := msg(5, date, "two rooms, 500 usd")
		a.GroupID = 10
		a.Media = image("first-image")
		b := msg(6, date, "")
		b.GroupID = 10
		b.Media = image("second-image")
		return a, b
	}

	tests := []struct {
		name  string
		first int
	}{
		{"caption part first", 0},
		{"plain part first", 1},
	}
	var results [][]string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, Deps{})
			a, b := build()
			f.appendMsgs(t, a, b)
			first := []*source.Message{a, b}[tt.first]

			path, err := f.svc.Save(context.Background(), first, SaveOptions{})
			if err != nil || path == "" {
				t.Fatalf("Save = %q, %v", path, err)
			}
			p := f.store.ReadPost(path)
			if p == nil {
				t.Fatalf("post not written")
			}
			if p.ID != 5 || p.Text != "two rooms, 500 usd" {
				t.Fatalf("merged post id=%d text=%q", p.ID, p.Text)
			}
			if !reflect.DeepEqual(p.FileIDs, []int64{5, 6}) {
				t.Fatalf("FileIDs = %v", p.FileIDs)
			}
			results = append(results, p.Files)
		})
	}
	if len(results) == 2 && !reflect.DeepEqual(results[0], results[1]) {
		t.Fatalf("files depend on order: %v vs %v", results[0], results[1])
	}
}

func TestSaveSkipsMissingContact(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	m := msg(1, time.Now().Add(-time.Hour), "anonymous")
	m.Sender = nil

	path, err := f.svc.Save(context.Background(), m, SaveOptions{})
	if err != nil || path != "" {
		t.Fatalf("Save = %q, %v; want skip", path, err)
	}
	if store.Exists(f.store.RawPath("market", m.Date, m.ID)) {
		t.Fatalf("post without contact must not be written")
	}
}

func TestSaveMediaSkipReasons(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	tests := []struct {
		name   string
		mutate func(*config.Config)
		date   time.Time
		media  *source.Media
		want   string
	}{
		{"video", nil, recent, &source.Media{Data: []byte("v"), Name: "clip.mp4", MimeType: "video/mp4"}, SkipVideo},
		{"voice", nil, recent, &source.Media{Data: []byte("a"), MimeType: "audio/ogg", Voice: true}, SkipAudio},
		{"large image", func(c *config.Config) { c.Store.MaxImageBytes = 4 }, recent, image("too-big-image"), SkipTooLarge},
		{"old media", func(c *config.Config) { c.Store.MediaMaxAge = time.Hour }, time.Now().Add(-3 * time.Hour), image("old"), SkipTooOld},
		{"test mode", func(c *config.Config) { c.App.TestMode = true }, recent, image("img"), SkipTestMode},
		{"download failure", nil, recent, &source.Media{Path: "absent.jpg", MimeType: "image/jpeg"}, SkipDownload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate, Deps{})
			m := msg(1, tt.date, "for sale")
			m.Media = tt.media

			path, err := f.svc.Save(context.Background(), m, SaveOptions{})
			if err != nil || path == "" {
				t.Fatalf("Save = %q, %v", path, err)
			}
			p := f.store.ReadPost(path)
			if p.SkippedMedia != tt.want {
				t.Fatalf("SkippedMedia = %q, want %q", p.SkippedMedia, tt.want)
			}
			if len(p.Files) != 0 {
				t.Fatalf("Files = %v, want none", p.Files)
			}
		})
	}
}

func TestSaveForceMediaIgnoresSkipRules(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	m := msg(1, time.Now().Add(-time.Hour), "for sale")
	m.Media = &source.Media{Data: []byte("clip"), Name: "clip.mp4", MimeType: "video/mp4"}

	path, err := f.svc.Save(context.Background(), m, SaveOptions{ForceMedia: true})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	p := f.store.ReadPost(path)
	if len(p.Files) != 1 || p.SkippedMedia != "" {
		t.Fatalf("forced save files=%v skipped=%q", p.Files, p.SkippedMedia)
	}
	if _, ok := f.store.ReadMediaMeta(f.store.MediaPath(p.Files[0])); !ok {
		t.Fatalf("media meta sidecar missing")
	}
}

func TestSaveDuplicateDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, nil, Deps{Dedup: dedup.NewDeduplicator(rdb, time.Minute)})
	ctx := context.Background()
	m := msg(7, time.Now().Add(-time.Hour), "bike, 200 gel")

	path, err := f.svc.Save(ctx, m, SaveOptions{})
	if err != nil || path == "" {
		t.Fatalf("first Save = %q, %v", path, err)
	}
	again, err := f.svc.Save(ctx, m, SaveOptions{})
	if err != nil || again != "" {
		t.Fatalf("duplicate Save = %q, %v; want skip", again, err)
	}

	edited := msg(7, m.Date, "bike, 180 gel")
	got, err := f.svc.Save(ctx, edited, SaveOptions{})
	if err != nil || got != path {
		t.Fatalf("edited Save = %q, %v", got, err)
	}
	if p := f.store.ReadPost(path); p.Text != "bike, 180 gel" {
		t.Fatalf("Text = %q, want edited text", p.Text)
	}
}

func TestSaveTopicFilter(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Source.Chats = []string{"market/7"} }, Deps{})
	ctx := context.Background()
	date := time.Now().Add(-time.Hour)

	tests := []struct {
		name    string
		id      int64
		topic   int64
		created bool
		saved   bool
	}{
		{"other topic", 1, 8, false, false},
		{"general", 2, 0, false, false},
		{"allowed topic", 3, 7, false, true},
		{"topic opener", 7, 0, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := msg(tt.id, date, "flat for rent")
			m.TopicID = tt.topic
			m.TopicCreated = tt.created
			path, err := f.svc.Save(ctx, m, SaveOptions{})
			if err != nil {
				t.Fatalf("Save: %v", err)
			}
			if (path != "") != tt.saved {
				t.Fatalf("saved = %v, want %v", path != "", tt.saved)
			}
		})
	}
}

func TestRemoveLocal(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	m := msg(3, time.Now().Add(-time.Hour), "sofa")
	m.Media = image("sofa-image")

	path, err := f.svc.Save(context.Background(), m, SaveOptions{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	media := f.store.MediaPath(f.store.ReadPost(path).Files[0])
	if !store.Exists(media) {
		t.Fatalf("media not stored")
	}

	f.svc.RemoveLocal(path)
	if store.Exists(path) || store.Exists(media) || store.Exists(store.MediaMetaPath(media)) {
		t.Fatalf("RemoveLocal left files behind")
	}
}

func TestFetchMissingRespectsCutoffAndProgress(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Store.KeepDays = 7 }, Deps{})
	now := time.Now()
	recent := msg(10, now.Add(-2*time.Hour), "recent")
	old := msg(9, now.Add(-30*24*time.Hour), "old")
	f.appendMsgs(t, old, recent)

	// 早于保留期的进度被忽略
	if err := f.store.WriteProgress("market", now.Add(-60*24*time.Hour)); err != nil {
		t.Fatalf("WriteProgress: %v", err)
	}
	if err := f.svc.FetchMissing(context.Background()); err != nil {
		t.Fatalf("FetchMissing: %v", err)
	}
	if !store.Exists(f.store.RawPath("market", recent.Date, recent.ID)) {
		t.Fatalf("recent message not fetched")
	}
	if store.Exists(f.store.RawPath("market", old.Date, old.ID)) {
		t.Fatalf("message older than cutoff fetched")
	}
	progress, ok := f.store.ReadProgress("market")
	if !ok || progress.Before(now.Add(-time.Minute)) {
		t.Fatalf("progress = %v, %v", progress, ok)
	}

	// 进度之前的消息不再拉取
	late := msg(11, now.Add(-time.Hour), "arrived late")
	f.appendMsgs(t, late)
	if err := f.svc.FetchMissing(context.Background()); err != nil {
		t.Fatalf("FetchMissing: %v", err)
	}
	if store.Exists(f.store.RawPath("market", late.Date, late.ID)) {
		t.Fatalf("message before progress should not be fetched")
	}
}

func TestRemoveDeleted(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	ctx := context.Background()
	date := time.Now().Add(-time.Hour)
	keep, gone := msg(1, date, "still here"), msg(2, date, "deleted upstream")
	f.appendMsgs(t, keep, gone)
	for _, m := range []*source.Message{keep, gone} {
		if _, err := f.svc.Save(ctx, m, SaveOptions{}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	f.appendMsgs(t, &source.Message{ID: 2, Chat: "market", Deleted: true})

	if err := f.svc.RemoveDeleted(ctx); err != nil {
		t.Fatalf("RemoveDeleted: %v", err)
	}
	if !store.Exists(f.store.RawPath("market", date, 1)) {
		t.Fatalf("live message removed")
	}
	if store.Exists(f.store.RawPath("market", date, 2)) {
		t.Fatalf("deleted message kept")
	}
}

func TestRefetch(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	ctx := context.Background()
	date := time.Now().Add(-time.Hour)

	stale := msg(1, date, "old text")
	path, err := f.svc.Save(ctx, stale, SaveOptions{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	lot := f.store.LotPathForRaw(path)
	if err := store.WriteFileAtomic(lot, []byte("[]")); err != nil {
		t.Fatalf("write lot: %v", err)
	}
	empty := msg(2, date, "")
	emptyPath, err := f.svc.Save(ctx, empty, SaveOptions{})
	if err != nil || emptyPath == "" {
		t.Fatalf("Save empty = %q, %v", emptyPath, err)
	}

	f.appendMsgs(t, msg(1, date, "fresh text"))
	if err := f.store.WriteJSON(f.store.BrokenMetaPath(), []brokenRef{{Chat: "market", ID: 1}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	if err := f.svc.Refetch(ctx); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if p := f.store.ReadPost(path); p == nil || p.Text != "fresh text" {
		t.Fatalf("refetched post = %+v", p)
	}
	if store.Exists(lot) {
		t.Fatalf("lots of refetched post should be dropped")
	}
	if store.Exists(emptyPath) {
		t.Fatalf("empty post missing upstream should be removed")
	}
	if store.Exists(f.store.BrokenMetaPath()) {
		t.Fatalf("broken meta list should be cleared")
	}
}

func TestHandleUpdateDelete(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	ctx := context.Background()
	m := msg(4, time.Now().Add(-time.Hour), "table")
	path, err := f.svc.Save(ctx, m, SaveOptions{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	f.svc.handleUpdate(ctx, source.Update{Kind: source.UpdateDelete, Chat: "market", Messages: []*source.Message{{ID: 4}}})
	if store.Exists(path) {
		t.Fatalf("deleted message kept")
	}
}

func TestExtractAuthor(t *testing.T) {
	tests := []struct {
		name string
		msg  *source.Message
		want string
	}{
		{"user", &source.Message{Sender: &source.User{ID: 1, Username: "bob"}}, "user"},
		{"channel", &source.Message{SenderChat: &source.Channel{ID: -100, Title: "Deals"}, PostAuthor: "Ann"}, "channel"},
		{"forward", &source.Message{Forward: &source.Forward{FromName: "Kate"}}, "forward"},
		{"service", &source.Message{}, "service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := extractAuthor(tt.msg)
			if string(p.AuthorType) != tt.want {
				t.Fatalf("AuthorType = %q, want %q", p.AuthorType, tt.want)
			}
		})
	}

	p := extractAuthor(&source.Message{Sender: &source.User{ID: 1, Username: "bob"}})
	if p.TGLink != "https://t.me/bob" || p.Contact() == "" {
		t.Fatalf("user author = %+v", p)
	}
}
