package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/internal/source"
	"marketfeed/internal/store"
)

// progressEvery 控制批量保存时进度日志的频率。
const progressEvery = 50

// JoinAll 确保所有配置的聊天可访问。单个聊天失败只记录日志。
func (s *Service) JoinAll(ctx context.Context) {
	for _, chat := range s.chats {
		if err := s.src.Join(ctx, chat); err != nil {
			s.logger.Error("failed to join chat", slog.String("chat", chat), slog.String("error", err.Error()))
			continue
		}
		s.logger.Debug("joined chat", slog.String("chat", chat))
	}
}

// saveBatch 在并发限制内保存一批消息，返回成功写入的数量。
func (s *Service) saveBatch(ctx context.Context, label string, msgs []*source.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	var (
		wg    sync.WaitGroup
		done  atomic.Int64
		saved atomic.Int64
	)
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(msg *source.Message) {
			defer wg.Done()
			path, err := s.SaveBounded(ctx, msg, SaveOptions{})
			if err != nil {
				s.logger.Error("save message failed",
					slog.String("chat", msg.Chat),
					slog.Int64("id", msg.ID),
					slog.String("error", err.Error()))
			} else if path != "" {
				saved.Add(1)
			}
			if n := done.Add(1); n%progressEvery == 0 {
				s.logger.Info("batch progress",
					slog.String("batch", label),
					slog.Int64("done", n),
					slog.Int("total", len(msgs)))
			}
		}(msg)
	}
	wg.Wait()
	return int(saved.Load())
}

// FetchMissing 拉取保留期内本地缺失的消息并推进同步进度。
//
// 起点为同步进度与保留期截止时间中较晚者；早于截止时间的进度被忽略。
func (s *Service) FetchMissing(ctx context.Context) error {
	now := s.now()
	cutoff := now.Add(-s.cfg.Store.KeepDuration())
	for _, chat := range s.chats {
		if err := ctx.Err(); err != nil {
			return err
		}
		since := cutoff
		if progress, ok := s.store.ReadProgress(chat); ok {
			if progress.Before(cutoff) {
				s.logger.Info("ignoring stale progress", slog.String("chat", chat), slog.String("date", progress.Format(time.RFC3339)))
			} else {
				since = progress
			}
		}

		msgs, err := s.src.History(ctx, chat, since)
		if err != nil {
			s.logger.Error("fetch history failed", slog.String("chat", chat), slog.String("error", err.Error()))
			continue
		}
		var missing []*source.Message
		for _, m := range msgs {
			if !m.Date.Before(now) {
				break
			}
			if m.Chat == "" {
				m.Chat = chat
			}
			if store.Exists(s.store.RawPath(chat, m.Date, m.ID)) {
				continue
			}
			missing = append(missing, m)
		}
		count := s.saveBatch(ctx, chat, missing)
		s.logger.Info("synced chat", slog.String("chat", chat), slog.Int("new_messages", count))
		if now.After(since) {
			if err := s.store.WriteProgress(chat, now); err != nil {
				s.logger.Warn("save progress failed", slog.String("chat", chat), slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// RemoveDeleted 删除保留期内上游已不存在（或已清空）的本地消息。
func (s *Service) RemoveDeleted(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.Store.KeepDuration())
	for _, chat := range s.chats {
		count := 0
		for _, path := range s.store.Walk(filepath.Join(store.RawDir, chat), store.WalkOptions{Ext: ".md"}) {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := s.store.ReadPost(path)
			if p == nil || p.Date.Before(cutoff) {
				continue
			}
			msgs, err := s.src.Get(ctx, chat, p.ID)
			if err != nil {
				s.logger.Error("failed to fetch message",
					slog.String("chat", chat),
					slog.Int64("id", p.ID),
					slog.String("error", err.Error()))
				continue
			}
			if len(msgs) > 0 && !msgs[0].Empty() {
				continue
			}
			s.RemoveLocal(path)
			count++
			s.logger.Info("deleted message", slog.String("chat", chat), slog.Int64("id", p.ID))
		}
		if count > 0 {
			s.logger.Info("removed deleted", slog.String("chat", chat), slog.Int("count", count))
		}
	}
	return nil
}

// brokenRef 是损坏元数据清单中的一项。
type brokenRef struct {
	Chat string `json:"chat"`
	ID   int64  `json:"id"`
}

type refetchTarget struct {
	brokenRef
	path   string
	broken bool
}

// Refetch 重新拉取元数据损坏（记录在 broken_meta.json）或内容为空的消息。
//
// 上游已不存在或重新保存被跳过的消息会被删除；拉取失败的损坏项保留在清单中等待下次。
func (s *Service) Refetch(ctx context.Context) error {
	targets := make(map[brokenRef]*refetchTarget)
	var order []brokenRef

	var broken []brokenRef
	brokenFile := s.store.BrokenMetaPath()
	if s.store.ReadJSON(brokenFile, &broken) {
		for _, b := range broken {
			if b.Chat == "" || b.ID == 0 {
				continue
			}
			if _, ok := targets[b]; !ok {
				targets[b] = &refetchTarget{brokenRef: b, path: s.findRaw(b.Chat, b.ID), broken: true}
				order = append(order, b)
			}
		}
	}

	for _, path := range s.store.WalkRaw(false) {
		p := s.store.ReadPost(path)
		if p == nil || strings.TrimSpace(p.Text) != "" || len(p.Files) > 0 {
			continue
		}
		key := brokenRef{Chat: p.Chat, ID: p.ID}
		if key.Chat == "" || key.ID == 0 {
			continue
		}
		if _, ok := targets[key]; !ok {
			targets[key] = &refetchTarget{brokenRef: key, path: path}
			order = append(order, key)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	var remaining []brokenRef
	for _, key := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := targets[key]
		msgs, err := s.src.Get(ctx, t.Chat, t.ID)
		if err != nil {
			s.logger.Error("failed to refetch",
				slog.String("chat", t.Chat),
				slog.Int64("id", t.ID),
				slog.String("error", err.Error()))
			if t.broken {
				remaining = append(remaining, t.brokenRef)
			}
			continue
		}
		if len(msgs) == 0 {
			s.RemoveLocal(t.path)
			continue
		}
		msg := msgs[0]
		if msg.Chat == "" {
			msg.Chat = t.Chat
		}
		newPath, err := s.SaveBounded(ctx, msg, SaveOptions{Replace: true, OldPath: t.path})
		if err != nil {
			s.logger.Error("refetch save failed",
				slog.String("chat", t.Chat),
				slog.Int64("id", t.ID),
				slog.String("error", err.Error()))
			if t.broken {
				remaining = append(remaining, t.brokenRef)
			}
			continue
		}
		if newPath == "" {
			s.RemoveLocal(t.path)
		}
	}

	if len(remaining) > 0 {
		return s.store.WriteJSON(brokenFile, remaining)
	}
	if err := os.Remove(brokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// findRaw 在聊天目录下查找消息文件。
func (s *Service) findRaw(chat string, id int64) string {
	name := strconv.FormatInt(id, 10) + ".md"
	for _, path := range s.store.Walk(filepath.Join(store.RawDir, chat), store.WalkOptions{Ext: ".md"}) {
		if filepath.Base(path) == name {
			return path
		}
	}
	return ""
}

// FetchOne 强制拉取单条消息（忽略媒体跳过规则），随后清空切分队列。
func (s *Service) FetchOne(ctx context.Context, chat string, id int64) (string, error) {
	msgs, err := s.src.Get(ctx, chat, id)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", source.ErrNotFound
	}
	msg := msgs[0]
	if msg.Chat == "" {
		msg.Chat = chat
	}
	path, err := s.SaveBounded(ctx, msg, SaveOptions{ForceMedia: true})
	if err != nil {
		return "", err
	}
	if text := preview(strings.TrimSpace(msg.Text), 200); text != "" {
		s.logger.Info("fetched message", slog.String("chat", chat), slog.Int64("id", id), slog.String("text", text))
	}
	if ferr := s.chop.Flush(ctx, s.cfg.Pipeline.FlushTimeout); ferr != nil {
		s.logger.Warn("chop queue flush incomplete", slog.String("error", ferr.Error()))
	}
	return path, nil
}
