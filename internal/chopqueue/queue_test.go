package chopqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/moderation"
	"marketfeed/internal/store"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) dispatch(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func newTestQueue(t *testing.T, rec *recorder) (*Queue, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(t.TempDir(), logger)
	gate := moderation.New([]string{"spammer"}, nil, nil)
	q := New(st, gate, Options{
		Cooldown:      20 * time.Second,
		CheckInterval: 10 * time.Millisecond,
		Dispatch:      rec.dispatch,
	}, logger)
	return q, st
}

func TestDebounce(t *testing.T) {
	d := NewDebounce(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.Reset(now)
	if d.Ready(now.Add(59 * time.Second)) {
		t.Fatalf("should not be ready before cooldown")
	}
	if !d.Ready(now.Add(time.Minute)) {
		t.Fatalf("should be ready at deadline")
	}
	d.Reset(now.Add(30 * time.Second))
	if !d.Deadline().Equal(now.Add(90 * time.Second)) {
		t.Fatalf("Deadline = %v", d.Deadline())
	}
}

func TestEnqueueRejectsModerated(t *testing.T) {
	rec := &recorder{}
	q, _ := newTestQueue(t, rec)
	if q.Enqueue("/raw/1.md", &model.Post{SenderUsername: "spammer", Text: "hi"}) {
		t.Fatalf("moderated post should not be queued")
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d", q.Len())
	}
}

func TestProcessWaitsForCaptionsAndCooldown(t *testing.T) {
	rec := &recorder{}
	q, st := newTestQueue(t, rec)
	ctx := context.Background()
	now := time.Now()

	date := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	img, _, err := st.SaveMedia("market", date, ".jpg", []byte("img"))
	if err != nil {
		t.Fatalf("SaveMedia: %v", err)
	}
	video, _, err := st.SaveMedia("market", date, ".mp4", []byte("vid"))
	if err != nil {
		t.Fatalf("SaveMedia: %v", err)
	}
	post := &model.Post{Text: "sofa", Files: []string{img, video}}
	q.enqueueAt("/raw/1.md", post, now)

	if n := q.Process(ctx, now.Add(time.Minute)); n != 0 {
		t.Fatalf("dispatched with pending caption")
	}

	if err := st.WriteCaption(st.MediaPath(img), model.Caption{"en": "a sofa"}); err != nil {
		t.Fatalf("WriteCaption: %v", err)
	}
	// 相册新部分到达，冷却期重置
	q.enqueueAt("/raw/1.md", post, now.Add(time.Minute))
	if n := q.Process(ctx, now.Add(time.Minute+10*time.Second)); n != 0 {
		t.Fatalf("dispatched during cooldown")
	}
	if n := q.Process(ctx, now.Add(time.Minute+20*time.Second)); n != 1 {
		t.Fatalf("Process = %d, want 1", n)
	}
	if q.Len() != 0 || rec.count() != 1 {
		t.Fatalf("entry should be dispatched once, queue=%d dispatched=%d", q.Len(), rec.count())
	}
}

func TestFlushIgnoresCooldown(t *testing.T) {
	rec := &recorder{}
	q, _ := newTestQueue(t, rec)
	q.Enqueue("/raw/1.md", &model.Post{Text: "sofa"})

	if err := q.Flush(context.Background(), time.Second); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("dispatched = %d, want 1", rec.count())
	}
}

func TestFlushTimeoutPersistsAndRestores(t *testing.T) {
	rec := &recorder{}
	q, st := newTestQueue(t, rec)

	date := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	img, _, err := st.SaveMedia("market", date, ".png", []byte("img"))
	if err != nil {
		t.Fatalf("SaveMedia: %v", err)
	}
	raw := st.RawPath("market", date, 1)
	p := &model.Post{ID: 1, Chat: "market", Date: date, SenderUsername: "alice", Text: "sofa", Files: []string{img}}
	if err := st.WritePost(raw, p); err != nil {
		t.Fatalf("WritePost: %v", err)
	}
	q.Enqueue(raw, p)

	err = q.Flush(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrFlushTimeout) {
		t.Fatalf("Flush error = %v, want ErrFlushTimeout", err)
	}
	if rec.count() != 0 {
		t.Fatalf("entry with pending caption must not be dispatched")
	}

	restored, _ := newTestQueueWithStore(t, st, rec)
	if n := restored.Restore(); n != 1 {
		t.Fatalf("Restore = %d, want 1", n)
	}
	if err := st.WriteCaption(st.MediaPath(img), model.Caption{"en": "x"}); err != nil {
		t.Fatalf("WriteCaption: %v", err)
	}
	if n := restored.Process(context.Background(), time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("Process after restore = %d, want 1", n)
	}
}

func newTestQueueWithStore(t *testing.T, st *store.Store, rec *recorder) (*Queue, *store.Store) {
	t.Helper()
	return New(st, nil, Options{CheckInterval: 10 * time.Millisecond, Dispatch: rec.dispatch}, st.Logger()), st
}

func TestRunExitsWhenEmpty(t *testing.T) {
	rec := &recorder{}
	q, _ := newTestQueue(t, rec)
	q.cooldown = 0
	q.Enqueue("/raw/1.md", &model.Post{Text: "sofa"})

	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not exit")
	}
	if rec.count() != 1 {
		t.Fatalf("dispatched = %d", rec.count())
	}
}
