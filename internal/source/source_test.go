package source

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendAll(t *testing.T, s *Spool, msgs ...*Message) {
	t.Helper()
	for _, m := range msgs {
		if err := s.Append(m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestSpoolHistoryAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewSpool(t.TempDir(), 0, testLogger())
	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	appendAll(t, s,
		&Message{ID: 3, Chat: "market", Date: base.Add(2 * time.Hour), Text: "third"},
		&Message{ID: 1, Chat: "market", Date: base, Text: "first"},
		&Message{ID: 2, Chat: "market", Date: base.Add(time.Hour), Text: "second"},
		&Message{ID: 2, Chat: "market", Date: base.Add(time.Hour), Text: "second, edited", Edited: true},
		&Message{ID: 3, Chat: "market", Deleted: true},
	)
	// 损坏的行被跳过
	f, _ := os.OpenFile(filepath.Join(s.dir, "market.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	_, _ = f.WriteString("{broken\n")
	_ = f.Close()

	got, err := s.History(ctx, "market", base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 || got[0].ID != 2 || got[0].Text != "second, edited" {
		t.Fatalf("History = %+v", got)
	}

	all, _ := s.History(ctx, "market", time.Time{})
	if len(all) != 2 || all[0].ID != 1 || all[1].ID != 2 {
		t.Fatalf("History(all) ids = %v", all)
	}

	msgs, err := s.Get(ctx, "market", 1, 3, 99)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 1 {
		t.Fatalf("Get = %+v", msgs)
	}

	none, err := s.History(ctx, "unknown", time.Time{})
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown chat = %v, %v", none, err)
	}
}

func TestSpoolDownload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewSpool(dir, 0, testLogger())
	if err := os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		media   *Media
		want    string
		wantErr bool
	}{
		{"inline", &Media{Data: []byte("inline")}, "inline", false},
		{"file", &Media{Path: "photo.jpg"}, "jpeg", false},
		{"escape", &Media{Path: "../secret"}, "", true},
		{"missing", &Media{Path: "nope.jpg"}, "", true},
		{"no media", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := s.Download(ctx, &Message{ID: 1, Media: tt.media})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if string(data) != tt.want {
				t.Fatalf("data = %q", data)
			}
		})
	}
}

func TestGroupUpdates(t *testing.T) {
	msgs := []*Message{
		{ID: 1, GroupID: 10},
		{ID: 2},
		{ID: 3, GroupID: 10},
		{ID: 4, Edited: true},
		{ID: 5, Deleted: true},
	}
	got := groupUpdates("market", msgs)
	kinds := make([]UpdateKind, len(got))
	for i, u := range got {
		kinds[i] = u.Kind
	}
	want := []UpdateKind{UpdateAlbum, UpdateNew, UpdateEdit, UpdateDelete}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if len(got[0].Messages) != 2 {
		t.Fatalf("album parts = %d", len(got[0].Messages))
	}
}

func TestSpoolListen(t *testing.T) {
	s := NewSpool(t.TempDir(), 10*time.Millisecond, testLogger())
	appendAll(t, s, &Message{ID: 1, Chat: "market", Text: "before listen"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := s.Listen(ctx, []string{"market"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	appendAll(t, s, &Message{ID: 2, Chat: "market", Text: "after"})

	select {
	case u := <-updates:
		if u.Kind != UpdateNew || u.Messages[0].ID != 2 {
			t.Fatalf("unexpected update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	cancel()
	for range updates {
	}
}

func TestBridgeListen(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query()["chat"]; len(got) != 1 || got[0] != "market" {
			http.Error(w, "bad chats", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []Update{
			{Kind: UpdateNew, Chat: "other", Messages: []*Message{{ID: 9, Text: "ignored"}}},
			{Kind: UpdateEdit, Chat: "@market", Messages: []*Message{{ID: 7, Text: "edited"}}},
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		// 保持连接直到客户端断开
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	spool := NewSpool(t.TempDir(), 0, testLogger())
	b := NewBridge("ws"+strings.TrimPrefix(srv.URL, "http"), spool, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := b.Listen(ctx, []string{"market"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	select {
	case u := <-updates:
		if u.Chat != "market" || u.Kind != UpdateEdit || !u.Messages[0].Edited || u.Messages[0].Chat != "market" {
			t.Fatalf("unexpected update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	got, err := spool.Get(context.Background(), "market", 7)
	if err != nil || len(got) != 1 || got[0].Text != "edited" {
		t.Fatalf("bridge should persist to spool: %v %v", got, err)
	}

	cancel()
	for range updates {
	}
}
