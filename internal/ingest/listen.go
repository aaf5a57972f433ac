package ingest

import (
	"context"
	"log/slog"
	"time"

	"marketfeed/internal/source"
)

const (
	heartbeatInterval = time.Minute
	idleWarnAfter     = 5 * time.Minute
)

// Listen 订阅实时更新并逐条保存，直到 ctx 被取消或来源关闭。
//
// 相册更新按部分依次保存；独立推送的相册部分会被忽略，由相册更新负责。
func (s *Service) Listen(ctx context.Context) error {
	updates, err := s.src.Listen(ctx, s.chats)
	if err != nil {
		return err
	}
	s.logger.Info("listening for updates", slog.Int("chats", len(s.chats)))

	go s.heartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				s.logger.Warn("update stream closed")
				return ctx.Err()
			}
			s.handleUpdate(ctx, u)
		}
	}
}

func (s *Service) handleUpdate(ctx context.Context, u source.Update) {
	for _, msg := range u.Messages {
		if msg.Chat == "" {
			msg.Chat = u.Chat
		}
		switch u.Kind {
		case source.UpdateNew:
			if msg.GroupID != 0 {
				continue
			}
		case source.UpdateDelete:
			if path := s.findRaw(msg.Chat, msg.ID); path != "" {
				s.RemoveLocal(path)
				s.logger.Info("deleted message", slog.String("chat", msg.Chat), slog.Int64("id", msg.ID))
			}
			continue
		}
		if _, err := s.SaveBounded(ctx, msg, SaveOptions{}); err != nil {
			s.logger.Error("save update failed",
				slog.String("kind", string(u.Kind)),
				slog.String("chat", msg.Chat),
				slog.Int64("id", msg.ID),
				slog.String("error", err.Error()))
		}
		if u.Kind == source.UpdateEdit {
			s.logger.Debug("saved edit", slog.String("chat", msg.Chat), slog.Int64("id", msg.ID))
		}
	}
	s.markActivity()
}

// heartbeat 定期记录心跳，长时间没有更新时告警。
func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := s.Idle()
			if idle >= idleWarnAfter {
				s.logger.Warn("no updates received recently", slog.Int("idle_seconds", int(idle.Seconds())))
			} else {
				s.logger.Debug("heartbeat", slog.Int("idle_seconds", int(idle.Seconds())))
			}
		}
	}
}
