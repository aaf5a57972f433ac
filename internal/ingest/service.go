// Package ingest 把来源消息写入原始消息存储。
//
// Service 负责话题过滤、作者提取、媒体下载、相册合并、重复投递判重，
// 以及把写入后的消息交给切分等待队列。
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"marketfeed/internal/album"
	"marketfeed/internal/chopqueue"
	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/moderation"
	"marketfeed/internal/pkg/dedup"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/pkg/ratelimit"
	"marketfeed/internal/source"
	"marketfeed/internal/store"
)

// albumWindow 是相册补全时向前后各查询的消息数。
const albumWindow = 9

// Dispatcher 把单个文件交给下游阶段（例如图片描述）。
type Dispatcher interface {
	Dispatch(ctx context.Context, stage, path string) error
}

// NopDispatcher 丢弃所有派发（测试模式）。
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(context.Context, string, string) error { return nil }

// SaveOptions 控制单条消息的保存方式。
type SaveOptions struct {
	Replace    bool   // 整体替换已有记录（重新拉取）
	OldPath    string // 替换时的旧路径
	ForceMedia bool   // 忽略媒体跳过规则
}

// Deps 是 Service 的依赖。
type Deps struct {
	Store    *store.Store
	Gate     *moderation.Gate
	Source   source.Source
	Albums   *album.Index
	Chop     *chopqueue.Queue
	Dedup    *dedup.Deduplicator // 可选
	Limiter  ratelimit.Limiter   // 可选，限制下载速率
	Dispatch Dispatcher          // 可选
}

// Service 是采集服务。
type Service struct {
	cfg    *config.Config
	store  *store.Store
	gate   *moderation.Gate
	src    source.Source
	albums *album.Index
	chop   *chopqueue.Queue
	dedup  *dedup.Deduplicator
	limit  ratelimit.Limiter
	disp   Dispatcher
	logger *slog.Logger

	chats  []string
	topics map[string][]int
	sem    chan struct{}

	lastActivity atomic.Int64
	now          func() time.Time
}

// New 创建采集服务。
//
// 参数:
//   - cfg: 全局配置（聊天列表、下载并发、媒体策略）
//   - deps: 依赖
//   - logger: 日志记录器
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Store == nil || deps.Source == nil {
		return nil, fmt.Errorf("store and source are required")
	}
	if deps.Gate == nil {
		deps.Gate = moderation.New(cfg.Moderation.Blacklist, cfg.Moderation.BannedSubstrings, cfg.Store.Langs)
	}
	if deps.Albums == nil {
		deps.Albums = album.NewIndex(deps.Store, logger)
	}
	if deps.Chop == nil {
		deps.Chop = chopqueue.New(deps.Store, deps.Gate, chopqueue.Options{
			Cooldown:      cfg.Pipeline.ChopCooldown,
			CheckInterval: cfg.Pipeline.ChopCheckInterval,
		}, logger)
	}
	if deps.Dispatch == nil || cfg.App.TestMode {
		deps.Dispatch = NopDispatcher{}
	}
	workers := cfg.App.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	srcCfg := cfg.Source
	chats := srcCfg.ChatNames()

	s := &Service{
		cfg:    cfg,
		store:  deps.Store,
		gate:   deps.Gate,
		src:    deps.Source,
		albums: deps.Albums,
		chop:   deps.Chop,
		dedup:  deps.Dedup,
		limit:  deps.Limiter,
		disp:   deps.Dispatch,
		logger: logger,
		chats:  chats,
		topics: srcCfg.Topics,
		sem:    make(chan struct{}, workers),
		now:    time.Now,
	}
	s.markActivity()
	return s, nil
}

// Chats 返回镜像的聊天列表。
func (s *Service) Chats() []string { return s.chats }

// ChopQueue 返回切分等待队列。
func (s *Service) ChopQueue() *chopqueue.Queue { return s.chop }

func (s *Service) markActivity() { s.lastActivity.Store(s.now().UnixNano()) }

// Idle 返回距离上一次处理消息的时长。
func (s *Service) Idle() time.Duration {
	return s.now().Sub(time.Unix(0, s.lastActivity.Load()))
}

// SaveBounded 在下载并发限制内保存消息。
func (s *Service) SaveBounded(ctx context.Context, msg *source.Message, opts SaveOptions) (string, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-s.sem }()
	return s.Save(ctx, msg, opts)
}

// Save 把一条消息写入存储。
//
// 返回值:
//   - string: 写入的原始消息路径；消息被跳过时为空
//   - error: 违反写入不变量或存储失败
func (s *Service) Save(ctx context.Context, msg *source.Message, opts SaveOptions) (string, error) {
	s.markActivity()
	chat := msg.Chat
	log := s.logger.With(slog.String("chat", chat), slog.Int64("id", msg.ID))
	log.Debug("processing message")

	if !s.allowedTopic(chat, msg) {
		log.Debug("skipping topic")
		metrics.IngestMessagesTotal.WithLabelValues("topic").Inc()
		return "", nil
	}
	author := extractAuthor(msg)
	if s.gate.ShouldSkipUser(author.SenderUsername) {
		log.Debug("skipping blacklisted user", slog.String("user", author.SenderUsername))
		metrics.IngestMessagesTotal.WithLabelValues("blacklisted").Inc()
		return "", nil
	}

	fingerprint := deliveryFingerprint(msg)
	if !opts.Replace && !opts.ForceMedia {
		dup, err := s.dedup.IsDuplicate(ctx, chat, msg.ID, fingerprint)
		if err != nil {
			log.Warn("dedup check failed", slog.String("error", err.Error()))
		} else if dup {
			log.Debug("duplicate delivery")
			metrics.IngestMessagesTotal.WithLabelValues("duplicate").Inc()
			return "", nil
		}
	}

	path, err := s.save(ctx, msg, author, opts, log)
	if err != nil || path == "" {
		// 下次投递需要重新处理
		if derr := s.dedup.Delete(ctx, chat, msg.ID, fingerprint); derr != nil {
			log.Warn("dedup delete failed", slog.String("error", derr.Error()))
		}
	}
	switch {
	case err != nil:
		metrics.IngestMessagesTotal.WithLabelValues("error").Inc()
	case path == "":
		metrics.IngestMessagesTotal.WithLabelValues("skipped").Inc()
	default:
		metrics.IngestMessagesTotal.WithLabelValues("saved").Inc()
	}
	return path, err
}

func (s *Service) save(ctx context.Context, msg *source.Message, author model.Post, opts SaveOptions, log *slog.Logger) (string, error) {
	chat := msg.Chat
	var groupPath string
	if msg.GroupID != 0 {
		groupPath, _ = s.albums.Lookup(chat, msg.GroupID)
	}
	path := opts.OldPath
	if path == "" {
		path = groupPath
	}
	if path == "" {
		path = s.store.RawPath(chat, msg.Date, msg.ID)
	}

	var prev *model.Post
	if !opts.Replace && store.Exists(path) {
		prev = s.store.ReadPost(path)
		if prev != nil && opts.ForceMedia {
			prev.SkippedMedia = ""
		}
	}

	files, skipped := s.fetchMedia(ctx, msg, prev, opts.ForceMedia, log)

	next := author
	next.ID = msg.ID
	next.Chat = chat
	next.Date = msg.Date
	next.ReplyTo = msg.ReplyTo
	next.GroupID = msg.GroupID
	next.IsAdmin = msg.IsAdmin
	next.Text = cleanText(msg.Text)
	for _, f := range files {
		next.Files = append(next.Files, f)
		next.FileIDs = append(next.FileIDs, msg.ID)
	}
	if skipped != "" && !opts.ForceMedia {
		next.SkippedMedia = skipped
	}

	post := &next
	if prev != nil {
		post = album.Merge(prev, &next)
	}

	if post.Contact() == "" {
		log.Warn("missing contact", slog.String("preview", preview(post.Text, 120)))
		return "", nil
	}
	if post.Sender == 0 && post.SenderChat == 0 {
		log.Debug("sender id unavailable")
	}

	if opts.Replace && opts.OldPath != "" && opts.OldPath != path && store.Exists(opts.OldPath) {
		s.store.Remove(opts.OldPath)
		s.dropLots(opts.OldPath)
	}
	if opts.Replace && store.Exists(path) {
		s.store.Remove(path)
	}
	if err := s.store.WritePost(path, post); err != nil {
		return "", fmt.Errorf("write post %s: %w", path, err)
	}
	if opts.Replace {
		s.dropLots(path)
	}

	if msg.GroupID != 0 {
		s.albums.Remember(chat, msg.GroupID, path)
		if !opts.Replace && groupPath == "" {
			s.fetchAlbum(ctx, msg)
		}
	}

	log.Info("wrote message", slog.String("path", path))
	s.chop.Enqueue(path, post)
	return path, nil
}

// fetchAlbum 在相册第一个部分写入后，拉取相邻 ID 中属于同一相册的其他部分。
func (s *Service) fetchAlbum(ctx context.Context, msg *source.Message) {
	start := max(1, msg.ID-albumWindow)
	ids := make([]int64, 0, 2*albumWindow+1)
	for id := start; id <= msg.ID+albumWindow; id++ {
		if id != msg.ID {
			ids = append(ids, id)
		}
	}
	others, err := s.src.Get(ctx, msg.Chat, ids...)
	if err != nil {
		s.logger.Error("failed to fetch album",
			slog.String("chat", msg.Chat),
			slog.Int64("id", msg.ID),
			slog.String("error", err.Error()))
		return
	}
	for _, other := range others {
		if other.ID == msg.ID || other.GroupID != msg.GroupID {
			continue
		}
		if _, err := s.Save(ctx, other, SaveOptions{}); err != nil {
			s.logger.Error("save album part failed",
				slog.String("chat", other.Chat),
				slog.Int64("id", other.ID),
				slog.String("error", err.Error()))
		}
	}
}

// dropLots 删除原始消息对应的 Lot 文件。
func (s *Service) dropLots(rawPath string) {
	lot := s.store.LotPathForRaw(rawPath)
	if s.store.Remove(lot) {
		s.logger.Info("dropped lots after refetch", slog.String("file", lot))
	}
}

// RemoveLocal 删除原始消息及其媒体、旁车与 Lot。
func (s *Service) RemoveLocal(path string) {
	if path == "" || !store.Exists(path) {
		return
	}
	if p := s.store.ReadPost(path); p != nil {
		for _, f := range p.Files {
			s.store.RemoveMedia(s.store.MediaPath(f))
		}
		if p.GroupID != 0 {
			s.albums.Forget(p.Chat, p.GroupID)
		}
	}
	lot := s.store.LotPathForRaw(path)
	if s.store.Remove(lot) {
		s.logger.Info("dropped lots", slog.String("file", lot))
	}
	if s.store.Remove(path) {
		s.logger.Info("deleted raw post", slog.String("file", path))
	}
}

// allowedTopic 判断消息是否属于允许的论坛话题。未配置话题的聊天不过滤。
func (s *Service) allowedTopic(chat string, msg *source.Message) bool {
	allowed := s.topics[chat]
	if len(allowed) == 0 {
		return true
	}
	topic := msg.TopicID
	if topic == 0 && msg.TopicCreated {
		topic = msg.ID
	}
	if topic == 0 {
		return false
	}
	for _, id := range allowed {
		if int64(id) == topic {
			return true
		}
	}
	return false
}

// cleanText 去掉转发频道附加的尾注。
func cleanText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "View original post", ""))
}

func preview(text string, n int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	r := []rune(text)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

// deliveryFingerprint 是判重用的内容摘要：正文、媒体描述与编辑标记。
func deliveryFingerprint(msg *source.Message) []byte {
	fp := struct {
		Text  string `json:"t"`
		Group int64  `json:"g,omitempty"`
		Media string `json:"m,omitempty"`
		Size  int64  `json:"s,omitempty"`
	}{Text: msg.Text, Group: msg.GroupID}
	if msg.Media != nil {
		fp.Media = msg.Media.Path + "|" + msg.Media.Name + "|" + msg.Media.MimeType
		fp.Size = msg.Media.Size
		if fp.Size == 0 {
			fp.Size = int64(len(msg.Media.Data))
		}
	}
	data, _ := json.Marshal(fp)
	return data
}
