package enrich

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/provider"
	"marketfeed/internal/stage"
	"marketfeed/internal/store"
)

// Caption 为一张图片生成多语言描述并写入 <stem>.caption.json。
//
// 已有最新描述时返回 ErrSkipped。模型输出缺少任一语言时不写入。
func (e *Enricher) Caption(ctx context.Context, mediaPath string) error {
	start := time.Now()
	log := e.logger.With(slog.String("stage", stage.Captions), slog.String("file", mediaPath))
	if f, ok := store.CaptionFile(mediaPath); ok && !stage.Stale(mediaPath, f) {
		log.Info("caption exists")
		return ErrSkipped
	}
	data, err := os.ReadFile(mediaPath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	chat := e.chatOf(mediaPath)
	prompt := strings.NewReplacer("{chat}", chat, "{langs}", strings.Join(e.langs, ", ")).Replace(captionPrompt)
	log.Debug("captioning", slog.String("chat", chat), slog.Int("prompt_tokens", provider.EstimateTokens(prompt)))

	req := provider.ChatRequest{
		Messages: []provider.Message{
			provider.TextMessage(provider.RoleSystem, prompt),
			provider.ImageMessage(imageMIME(mediaPath), base64.StdEncoding.EncodeToString(data)),
		},
		Schema: &provider.Schema{Name: "describe_image", Schema: captionSchema(e.langs)},
	}
	raw, model, err := provider.CallWithFallback(ctx, e.complete, req, e.cfg.CaptionModels, log)
	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(stage.Captions, "failed").Inc()
		return fmt.Errorf("caption %s: %w", mediaPath, err)
	}

	caption, err := parseCaption(raw, e.langs)
	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(stage.Captions, "invalid").Inc()
		log.Error("invalid caption", slog.String("model", model), slog.String("error", err.Error()))
		return err
	}
	if err := e.store.WriteCaption(mediaPath, caption); err != nil {
		return err
	}
	metrics.StageRunsTotal.WithLabelValues(stage.Captions, "success").Inc()
	metrics.StageDuration.WithLabelValues(stage.Captions).Observe(time.Since(start).Seconds())
	log.Info("caption", slog.String("model", model), slog.String("text", store.PickCaption(caption, e.langs[0])))
	return nil
}

// chatOf 返回媒体所属聊天（media/ 下的第一级目录）。
func (e *Enricher) chatOf(mediaPath string) string {
	rel := e.store.MediaRel(mediaPath)
	if rel == "" {
		return ""
	}
	chat, _, _ := strings.Cut(rel, "/")
	return chat
}

func captionSchema(langs []string) map[string]any {
	props := make(map[string]any, len(langs))
	required := make([]string, 0, len(langs))
	for _, l := range langs {
		props["caption_"+l] = map[string]any{"type": "string"}
		required = append(required, "caption_"+l)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// parseCaption 解析模型输出，要求每种语言都有非空描述。
func parseCaption(raw string, langs []string) (model.Caption, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(provider.StripFences(raw)), &data); err != nil {
		return nil, fmt.Errorf("decode caption: %w", err)
	}
	out := make(model.Caption, len(langs))
	var missing []string
	for _, l := range langs {
		text, _ := data["caption_"+l].(string)
		if strings.TrimSpace(text) == "" {
			missing = append(missing, l)
			continue
		}
		out[l] = text
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing caption languages: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func imageMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
