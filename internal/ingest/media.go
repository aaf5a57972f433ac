package ingest

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/source"
	"marketfeed/internal/stage"
	"marketfeed/internal/store"
)

// 媒体跳过原因。
const (
	SkipVideo     = "video"
	SkipAudio     = "audio"
	SkipTooLarge  = "image-too-large"
	SkipTooOld    = "too-old"
	SkipTimeout   = "timeout"
	SkipDownload  = "download"
	SkipTestMode  = "test-mode"
	defaultMaxImg = 10 * 1024 * 1024
)

var audioExts = map[string]bool{".mp3": true, ".wav": true, ".ogg": true, ".m4a": true}

// mediaSkipReason 返回媒体不应下载的原因，空字符串表示可以下载。
func (s *Service) mediaSkipReason(msg *source.Message) string {
	m := msg.Media
	if m == nil {
		return ""
	}
	ext := strings.ToLower(mediaExt(m))
	mime := strings.ToLower(m.MimeType)
	switch {
	case ext == ".mp4" || strings.HasPrefix(mime, "video/"):
		return SkipVideo
	case audioExts[ext] || strings.HasPrefix(mime, "audio/") || m.Voice:
		return SkipAudio
	}
	maxBytes := s.cfg.Store.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxImg
	}
	if strings.HasPrefix(mime, "image/") && m.Size > maxBytes {
		return SkipTooLarge
	}
	if age := s.cfg.Store.MediaMaxAge; age > 0 && !msg.Date.IsZero() && s.now().Sub(msg.Date) > age {
		return SkipTooOld
	}
	return ""
}

// fetchMedia 下载消息媒体并返回新增的相对路径与跳过原因。
//
// 已有记录中存在属于该消息的文件时不再下载（重复投递）。
func (s *Service) fetchMedia(ctx context.Context, msg *source.Message, prev *model.Post, force bool, log *slog.Logger) ([]string, string) {
	if msg.Media == nil {
		return nil, ""
	}
	hasPrev := prev != nil && len(prev.Files) > 0

	reason := ""
	if !force {
		reason = s.mediaSkipReason(msg)
	}
	if reason == "" && s.cfg.App.TestMode {
		reason = SkipTestMode
	}
	if reason != "" {
		log.Info("skipping media", slog.String("reason", reason))
		metrics.MediaSkippedTotal.WithLabelValues(reason).Inc()
		if hasPrev {
			return nil, ""
		}
		return nil, reason
	}

	if prev != nil && ownsFile(prev, msg.ID) {
		log.Debug("keeping existing media", slog.Int("files", len(prev.Files)))
		return nil, ""
	}

	log.Debug("downloading media")
	data, err := s.download(ctx, msg)
	if err != nil {
		reason := SkipDownload
		if errors.Is(err, context.DeadlineExceeded) {
			reason = SkipTimeout
			log.Error("media download timed out")
		} else {
			log.Warn("cannot download media", slog.String("error", err.Error()))
		}
		metrics.MediaSkippedTotal.WithLabelValues(reason).Inc()
		if hasPrev {
			return nil, ""
		}
		return nil, reason
	}

	rel, err := s.saveMedia(ctx, msg, data)
	if err != nil {
		log.Error("store media failed", slog.String("error", err.Error()))
		metrics.MediaSkippedTotal.WithLabelValues(SkipDownload).Inc()
		if hasPrev {
			return nil, ""
		}
		return nil, SkipDownload
	}
	return []string{rel}, ""
}

func ownsFile(p *model.Post, id int64) bool {
	for i := range p.Files {
		if p.OwnerOf(i) == id {
			return true
		}
	}
	return false
}

// download 在下载超时与限流内读取媒体。
func (s *Service) download(ctx context.Context, msg *source.Message) ([]byte, error) {
	timeout := s.cfg.Store.DownloadTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if s.limit != nil {
		if err := s.limit.Acquire(dctx); err != nil {
			return nil, err
		}
	}
	return s.src.Download(dctx, msg)
}

// saveMedia 保存媒体与元数据旁车，图片且没有描述时派发描述任务。
func (s *Service) saveMedia(ctx context.Context, msg *source.Message, data []byte) (string, error) {
	rel, _, err := s.store.SaveMedia(msg.Chat, msg.Date, mediaExt(msg.Media), data)
	if err != nil {
		return "", err
	}
	path := s.store.MediaPath(rel)

	if strings.HasPrefix(strings.ToLower(msg.Media.MimeType), "image/") || store.IsImage(path) {
		if !store.HasCaption(path) {
			if err := s.disp.Dispatch(ctx, stage.Captions, path); err != nil {
				s.logger.Warn("schedule caption failed",
					slog.String("file", path),
					slog.String("error", err.Error()))
			}
		} else {
			s.logger.Debug("caption exists", slog.String("file", path))
		}
	}

	meta := model.MediaMeta{
		MessageID: msg.ID,
		Date:      msg.Date.Format(time.RFC3339),
		Original:  msg.Media.Name,
	}
	if err := s.store.WriteMediaMeta(path, meta); err != nil {
		return "", err
	}
	return rel, nil
}

// mediaExt 返回媒体扩展名：优先使用声明的扩展名，其次原始文件名，再次 MIME 类型。
func mediaExt(m *source.Media) string {
	if m.Ext != "" {
		if !strings.HasPrefix(m.Ext, ".") {
			return "." + m.Ext
		}
		return m.Ext
	}
	if ext := filepath.Ext(m.Name); ext != "" {
		return ext
	}
	if ext := filepath.Ext(m.Path); ext != "" {
		return ext
	}
	switch strings.ToLower(m.MimeType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ""
}
