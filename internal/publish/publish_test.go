package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketfeed/internal/catalog"
	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/pkg/events"
	"marketfeed/internal/search"
	"marketfeed/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type sent struct {
	email string
	lotID string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, lot *model.CatalogLot, sub *model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{email: sub.Email, lotID: lot.LotID})
	return nil
}

type fixture struct {
	st       *store.Store
	cat      *catalog.Catalog
	idx      *search.Index
	notifier *fakeNotifier
	alerter  *Alerter
	logger   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat, err := catalog.Open(config.CatalogConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "catalog.db")})
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	idx, err := search.NewMemOnly()
	if err != nil {
		t.Fatalf("NewMemOnly: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	n := &fakeNotifier{}
	return &fixture{
		st:       store.New(t.TempDir(), logger),
		cat:      cat,
		idx:      idx,
		notifier: n,
		alerter:  NewAlerter(cat, n, logger),
		logger:   logger,
	}
}

func (f *fixture) writeLot(t *testing.T, name, title string) string {
	t.Helper()
	path := filepath.Join(f.st.Dir(store.LotsDir), "market", "2024", "05", name+".json")
	l := &model.Lot{
		Timestamp:    "2024-05-03T10:00:00Z",
		Titles:       map[string]string{"en": title},
		Descriptions: map[string]string{"en": "in good condition"},
		Source:       model.LotSource{Chat: "market", AuthorTG: "alice"},
	}
	if err := f.st.WriteLots(path, []*model.Lot{l}); err != nil {
		t.Fatalf("WriteLots: %v", err)
	}
	return path
}

func TestRunDirectAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.cat.CreateSubscription(ctx, &model.Subscription{Email: "buyer@example.com", Keyword: "bike"}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	bike := f.writeLot(t, "1", "City bike")
	f.writeLot(t, "2", "Sofa")

	s := NewStage(f.st, nil, f.cat, []string{"en"}, Options{Index: f.idx, Alerter: f.alerter}, f.logger)
	r, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Created != 2 || r.Updated != 0 || r.Removed != 0 {
		t.Fatalf("report = %+v", r)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].lotID != "market/2024/05/1-0" {
		t.Fatalf("sent = %+v", f.notifier.sent)
	}
	if hits, _ := f.idx.Search("sofa", 5); len(hits) != 1 {
		t.Fatalf("sofa hits = %+v", hits)
	}

	r, err = s.Run(ctx)
	if err != nil || r.Created != 0 || r.Updated != 2 {
		t.Fatalf("second run = %+v, %v", r, err)
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("duplicate alert: %+v", f.notifier.sent)
	}

	f.st.RemoveLotFile(bike)
	r, err = s.Run(ctx)
	if err != nil || r.Removed != 1 {
		t.Fatalf("run after delete = %+v, %v", r, err)
	}
	if _, err := f.cat.GetLot(ctx, "market/2024/05/1-0"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("removed lot still in catalog: %v", err)
	}
	if hits, _ := f.idx.Search("bike", 5); len(hits) != 0 {
		t.Fatalf("removed lot still indexed: %+v", hits)
	}
}

func TestAlertFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.cat.CreateSubscription(ctx, &model.Subscription{Email: "buyer@example.com", Keyword: "bike"}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	f.writeLot(t, "1", "City bike")
	if _, err := NewStage(f.st, nil, f.cat, []string{"en"}, Options{}, f.logger).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.notifier.err = errors.New("smtp down")
	if _, err := f.alerter.Alert(ctx, "market/2024/05/1-0"); err == nil {
		t.Fatalf("expected send error")
	}
	f.notifier.err = nil
	n, err := f.alerter.Alert(ctx, "market/2024/05/1-0")
	if err != nil || n != 1 {
		t.Fatalf("retry = %d, %v", n, err)
	}
	if n, _ := f.alerter.Alert(ctx, "missing"); n != 0 {
		t.Fatalf("missing lot alerted")
	}
}

func TestRunWithEventStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	const stream = "test:lots"
	consumer, err := events.NewConsumer(rdb, f.logger, stream, "alerts", "c1", events.WithBlockTime(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := f.cat.CreateSubscription(ctx, &model.Subscription{Email: "buyer@example.com", Keyword: "bike"}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	f.writeLot(t, "1", "City bike")

	s := NewStage(f.st, nil, f.cat, []string{"en"}, Options{Events: events.NewProducer(rdb, f.logger, stream), Alerter: f.alerter}, f.logger)
	if _, err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.notifier.sent) != 0 {
		t.Fatalf("alert sent before the event was consumed")
	}

	msgs, err := consumer.Read(ctx)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Read = %d, %v", len(msgs), err)
	}
	f.alerter.handle(ctx, consumer, msgs[0])
	if len(f.notifier.sent) != 1 {
		t.Fatalf("sent = %+v", f.notifier.sent)
	}
	if pending, err := consumer.Pending(ctx); err != nil || pending != 0 {
		t.Fatalf("pending = %d, %v", pending, err)
	}
}

func TestIndexerApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.writeLot(t, "1", "Mountain bike")
	if _, err := NewStage(f.st, nil, f.cat, []string{"en"}, Options{}, f.logger).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	x := NewIndexer(f.cat, f.idx, f.logger)
	const id = "market/2024/05/1-0"

	if err := x.Apply(ctx, events.NewPublishedMessage(id, "publish")); err != nil {
		t.Fatalf("Apply published: %v", err)
	}
	if hits, _ := f.idx.Search("mountain", 5); len(hits) != 1 || hits[0].ID != id {
		t.Fatalf("hits = %+v", hits)
	}
	if err := x.Apply(ctx, events.NewRemovedMessage(id, "publish")); err != nil {
		t.Fatalf("Apply removed: %v", err)
	}
	if n, _ := f.idx.Count(); n != 0 {
		t.Fatalf("count = %d after removal", n)
	}
	// 目录中不存在的 Lot 不应进入索引。
	if err := x.Apply(ctx, events.NewPublishedMessage("missing", "publish")); err != nil {
		t.Fatalf("Apply missing: %v", err)
	}
	if n, _ := f.idx.Count(); n != 0 {
		t.Fatalf("count = %d for missing lot", n)
	}
}
