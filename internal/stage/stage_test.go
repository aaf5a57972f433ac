package stage

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/moderation"
	"marketfeed/internal/store"
)

func newTestDetector(t *testing.T) (*Detector, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(t.TempDir(), logger)
	gate := moderation.New([]string{"spammer"}, nil, []string{"en"})
	return NewDetector(st, gate, logger), st
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

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func writePost(t *testing.T, st *store.Store, id int64, sender string) string {
	t.Helper()
	p := &model.Post{
		ID:             id,
		Chat:           "market",
		Date:           time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC),
		SenderUsername: sender,
		AuthorType:     model.AuthorUser,
		Text:           "selling a sofa",
	}
	path := st.RawPath(p.Chat, p.Date, p.ID)
	if err := st.WritePost(path, p); err != nil {
		t.Fatalf("WritePost: %v", err)
	}
	return path
}

const completeLot = `{"timestamp":"2024-05-03T10:00:00Z","contact:telegram":"@seller","title_en":"Sofa","description_en":"Blue sofa"}`

func TestStale(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	out := filepath.Join(dir, "out")
	writeFile(t, src, "x")

	if !Stale(src, out) {
		t.Fatalf("missing output should be stale")
	}
	writeFile(t, out, "y")
	now := time.Now()
	touch(t, src, now)
	touch(t, out, now.Add(-time.Hour))
	if !Stale(src, out) {
		t.Fatalf("older output should be stale")
	}
	touch(t, out, now.Add(time.Hour))
	if Stale(src, out) {
		t.Fatalf("newer output should not be stale")
	}
}

func TestPendingLots(t *testing.T) {
	d, st := newTestDetector(t)
	fresh := writePost(t, st, 1, "alice")
	done := writePost(t, st, 2, "alice")
	writePost(t, st, 3, "spammer")
	writeFile(t, st.LotPathForRaw(done), "["+completeLot+"]")
	touch(t, st.LotPathForRaw(done), time.Now().Add(time.Hour))

	got := d.PendingLots()
	if len(got) != 1 || got[0] != fresh {
		t.Fatalf("PendingLots = %v, want [%s]", got, fresh)
	}

	// 源消息更新后重新进入队列
	touch(t, done, time.Now().Add(2*time.Hour))
	if got := d.PendingLots(); len(got) != 2 {
		t.Fatalf("edited post should be pending again, got %v", got)
	}
}

func TestPendingCaptionsSkipsModerated(t *testing.T) {
	d, st := newTestDetector(t)
	writePost(t, st, 1, "spammer")
	writePost(t, st, 2, "alice")

	date := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	blocked, _, err := st.SaveMedia("market", date, ".jpg", []byte("blocked"))
	if err != nil {
		t.Fatalf("SaveMedia: %v", err)
	}
	allowed, _, err := st.SaveMedia("market", date, ".jpg", []byte("allowed"))
	if err != nil {
		t.Fatalf("SaveMedia: %v", err)
	}
	captioned, _, err := st.SaveMedia("market", date, ".png", []byte("captioned"))
	if err != nil {
		t.Fatalf("SaveMedia: %v", err)
	}
	video, _, err := st.SaveMedia("market", date, ".mp4", []byte("video"))
	if err != nil {
		t.Fatalf("SaveMedia: %v", err)
	}
	for rel, id := range map[string]int64{blocked: 1, allowed: 2, captioned: 2, video: 2} {
		if err := st.WriteMediaMeta(st.MediaPath(rel), model.MediaMeta{MessageID: id, Date: "2024-05-03T10:00:00Z"}); err != nil {
			t.Fatalf("WriteMediaMeta: %v", err)
		}
	}
	if err := st.WriteCaption(st.MediaPath(captioned), model.Caption{"en": "a chair"}); err != nil {
		t.Fatalf("WriteCaption: %v", err)
	}

	got := d.PendingCaptions()
	if len(got) != 1 || got[0] != st.MediaPath(allowed) {
		t.Fatalf("PendingCaptions = %v, want [%s]", got, st.MediaPath(allowed))
	}
}

func TestPendingCaptionsSkipsModeratedAlbumParts(t *testing.T) {
	d, st := newTestDetector(t)
	date := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)

	// 相册的第二部分合并在第一部分的文件里，没有自己的 <message_id>.md。
	album := func(first int64, sender string, payloads ...string) []string {
		p := &model.Post{
			ID:             first,
			Chat:           "market",
			Date:           date,
			SenderUsername: sender,
			AuthorType:     model.AuthorUser,
			GroupID:        first * 100,
			Text:           "selling a sofa",
		}
		var paths []string
		for i, data := range payloads {
			rel, _, err := st.SaveMedia("market", date, ".jpg", []byte(data))
			if err != nil {
				t.Fatalf("SaveMedia: %v", err)
			}
			id := first + int64(i)
			if err := st.WriteMediaMeta(st.MediaPath(rel), model.MediaMeta{MessageID: id, Date: date.Format(time.RFC3339)}); err != nil {
				t.Fatalf("WriteMediaMeta: %v", err)
			}
			p.Files = append(p.Files, rel)
			p.FileIDs = append(p.FileIDs, id)
			paths = append(paths, st.MediaPath(rel))
		}
		if err := st.WritePost(st.RawPath(p.Chat, p.Date, p.ID), p); err != nil {
			t.Fatalf("WritePost: %v", err)
		}
		return paths
	}
	album(10, "spammer", "spam-1", "spam-2")
	allowed := album(20, "alice", "sofa-1", "sofa-2")

	got := d.PendingCaptions()
	want := map[string]bool{allowed[0]: true, allowed[1]: true}
	if len(got) != len(want) {
		t.Fatalf("PendingCaptions = %v, want %v", got, allowed)
	}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected pending caption %s", p)
		}
	}
}

func TestPendingEmbeddings(t *testing.T) {
	tests := []struct {
		name        string
		lots        string
		vec         string // 空表示不写向量文件
		wantPending bool
		wantVec     string // 非空时检查处理后的向量文件内容前缀
		wantRemoved bool
	}{
		{name: "missing vector", lots: "[" + completeLot + "]", wantPending: true},
		{name: "array matches", lots: "[" + completeLot + "]", vec: `[{"id":"x-0","vec":[1,2]}]`},
		{name: "legacy single lot upgraded", lots: "[" + completeLot + "]", vec: `{"id":"x-0","vec":[1,2]}`, wantVec: "["},
		{name: "legacy multi lot removed", lots: "[" + completeLot + "," + completeLot + "]", vec: `{"id":"x-0","vec":[1,2]}`, wantPending: true, wantRemoved: true},
		{name: "count mismatch removed", lots: "[" + completeLot + "," + completeLot + "]", vec: `[{"id":"x-0","vec":[1,2]}]`, wantPending: true, wantRemoved: true},
		{name: "corrupt removed", lots: "[" + completeLot + "]", vec: `not json`, wantPending: true, wantRemoved: true},
		{name: "fraud lot skipped", lots: `[{"timestamp":"2024-05-03T10:00:00Z","contact:telegram":"@seller","title_en":"t","description_en":"d","fraud":"spam"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, st := newTestDetector(t)
			lotPath := filepath.Join(st.Dir(store.LotsDir), "market", "2024", "05", "1.json")
			writeFile(t, lotPath, tt.lots)
			vecPath := st.EmbeddingPathForLot(lotPath)
			if tt.vec != "" {
				writeFile(t, vecPath, tt.vec)
				touch(t, vecPath, time.Now().Add(time.Hour))
			}

			got := d.PendingEmbeddings()
			if pending := len(got) == 1; pending != tt.wantPending {
				t.Fatalf("pending = %v (%v), want %v", pending, got, tt.wantPending)
			}
			if tt.wantRemoved && store.Exists(vecPath) {
				t.Fatalf("invalid vector file should be removed")
			}
			if tt.wantVec != "" {
				data, err := os.ReadFile(vecPath)
				if err != nil {
					t.Fatalf("read vector: %v", err)
				}
				if !bytes.HasPrefix(data, []byte(tt.wantVec)) {
					t.Fatalf("vector file = %s, want prefix %s", data, tt.wantVec)
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	d, st := newTestDetector(t)
	raw := writePost(t, st, 1, "alice")
	writePost(t, st, 2, "spammer")

	issues, err := d.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(issues) != 1 || issues[0].Check != Lots || issues[0].Source != raw {
		t.Fatalf("issues = %+v, want one missing lot for %s", issues, raw)
	}

	lotPath := st.LotPathForRaw(raw)
	writeFile(t, lotPath, "["+completeLot+"]")
	issues, err = d.Validate(Embeddings)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(issues) != 1 || issues[0].Output != st.EmbeddingPathForLot(lotPath) {
		t.Fatalf("issues = %+v, want one missing vector", issues)
	}

	if _, err := d.Validate("bogus"); err == nil {
		t.Fatalf("unknown check should fail")
	}
}

func TestWriteNUL(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteNUL(&buf, []string{"a", "b c"}); err != nil {
		t.Fatalf("WriteNUL: %v", err)
	}
	if got := buf.String(); got != "a\x00b c\x00" {
		t.Fatalf("WriteNUL = %q", got)
	}
}
