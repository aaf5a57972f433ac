package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/provider"
	"marketfeed/internal/stage"
	"marketfeed/internal/store"
)

const chopInstructions = `

You will receive a raw marketplace post with optional image captions.
Return a JSON object {"lots": [...]} with separate lots and their file references.
For each of these languages: {langs}, produce title_<lang> and description_<lang> fields.
Respond with JSON only. Do not use code fences or any extra text.`

// Chop 把一条原始消息切分为 Lot 并写入 lots/ 下的镜像路径。
//
// 第一个模型是小模型：当它返回多个 Lot、翻译不全或归类为 misc / announcement 时，
// 继续尝试后面的大模型；大模型全部失败时退回小模型的结果。
//
// 返回值:
//   - string: 写入的 Lot 文件路径
//   - error: ErrSkipped（审核、缺少描述、空消息或已是最新）或模型 / 存储错误
func (e *Enricher) Chop(ctx context.Context, rawPath string) (string, error) {
	start := time.Now()
	out := e.store.LotPathForRaw(rawPath)
	log := e.logger.With(slog.String("stage", stage.Lots), slog.String("path", rawPath))
	if out == "" {
		return "", fmt.Errorf("not a raw post path: %s", rawPath)
	}
	if !stage.Stale(rawPath, out) {
		log.Debug("lot file up to date", slog.String("out", out))
		return out, ErrSkipped
	}

	post := e.store.ReadPost(rawPath)
	if post == nil {
		return "", fmt.Errorf("read post %s: unreadable", rawPath)
	}
	if reason := e.gate.MessageSkipReason(post); reason != "" {
		log.Info("skipping message", slog.String("reason", reason))
		return "", ErrSkipped
	}

	prompt, reason := e.chopInput(post)
	if reason != "" {
		log.Info("skipping message", slog.String("reason", reason))
		return "", ErrSkipped
	}
	system := chopBlueprint + strings.ReplaceAll(chopInstructions, "{langs}", strings.Join(e.langs, ", "))
	log.Debug("prompt tokens",
		slog.Int("system", provider.EstimateTokens(system)),
		slog.Int("user", provider.EstimateTokens(prompt)))

	lots, err := e.extract(ctx, system, prompt, log)
	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(stage.Lots, "failed").Inc()
		return "", fmt.Errorf("chop %s: %w", rawPath, err)
	}

	rel := e.store.RawRel(rawPath)
	for _, l := range lots {
		e.fillFromPost(l, post, rel)
	}
	if err := e.store.WriteLots(out, lots); err != nil {
		metrics.StageRunsTotal.WithLabelValues(stage.Lots, "invalid").Inc()
		return "", err
	}
	metrics.StageRunsTotal.WithLabelValues(stage.Lots, "success").Inc()
	metrics.StageDuration.WithLabelValues(stage.Lots).Observe(time.Since(start).Seconds())
	log.Info("wrote lots", slog.String("out", out), slog.Int("count", len(lots)))
	return out, nil
}

// chopInput 拼接消息正文与图片描述；缺少媒体或描述时返回跳过原因。
func (e *Enricher) chopInput(post *model.Post) (string, string) {
	var parts []string
	if text := strings.TrimSpace(post.Text); text != "" {
		parts = append(parts, "Message text:\n"+text)
	}
	captions := 0
	for _, rel := range post.Files {
		path := e.store.MediaPath(rel)
		if !store.Exists(path) {
			return "", "missing-media"
		}
		if !store.IsImage(path) {
			continue
		}
		if !store.HasCaption(path) {
			return "", "missing-caption"
		}
		caption := store.PickCaption(e.store.ReadCaption(path), e.langs[0])
		parts = append(parts, "Image "+rel+":\n"+strings.TrimSpace(caption))
		captions++
	}
	if strings.TrimSpace(post.Text) == "" && captions == 0 {
		return "", "empty"
	}
	return strings.Join(parts, "\n\n"), ""
}

// extract 按模型列表调用切分，实现小模型结果的升级与回退。
func (e *Enricher) extract(ctx context.Context, system, prompt string, log *slog.Logger) ([]*model.Lot, error) {
	models := e.cfg.ChopModels
	req := provider.ChatRequest{
		Messages: []provider.Message{
			provider.TextMessage(provider.RoleSystem, system),
			provider.TextMessage(provider.RoleUser, prompt),
		},
		Schema: &provider.Schema{Name: "extract_lots", Schema: lotsSchema(e.langs)},
	}

	var miniLots []*model.Lot
	for i, m := range models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req.Model = m
		log.Info("calling model", slog.String("model", m))
		raw, err := e.complete.Complete(ctx, req)
		if err != nil {
			log.Error("failed to chop", slog.String("model", m), slog.String("error", err.Error()))
			continue
		}
		lots, err := parseLots(raw)
		if err != nil || !validLots(lots) {
			log.Info("invalid result", slog.String("model", m))
			continue
		}
		if i == 0 && len(models) > 1 && e.needsFullModel(lots) {
			log.Info("mini model result needs full model", slog.Int("count", len(lots)))
			miniLots = lots
			continue
		}
		log.Info("model succeeded", slog.String("model", m))
		return lots, nil
	}
	if miniLots != nil {
		log.Info("falling back to mini model result")
		return miniLots, nil
	}
	return nil, provider.ErrAllModelsFailed
}

// needsFullModel 判断小模型的结果是否值得交给大模型复核。
func (e *Enricher) needsFullModel(lots []*model.Lot) bool {
	if len(lots) > 1 {
		return true
	}
	for _, l := range lots {
		if !l.Complete(e.langs) {
			return true
		}
		switch l.Deal() {
		case "misc", "announcement":
			return true
		}
	}
	return false
}

// parseLots 接受 {"lots": [...]}、单个对象或数组。
func parseLots(raw string) ([]*model.Lot, error) {
	raw = provider.StripFences(raw)
	var wrapper struct {
		Lots []json.RawMessage `json:"lots"`
	}
	var items []json.RawMessage
	switch {
	case strings.HasPrefix(raw, "["):
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("decode lots: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
			return nil, fmt.Errorf("decode lots: %w", err)
		}
		items = wrapper.Lots
		if items == nil {
			items = []json.RawMessage{json.RawMessage(raw)}
		}
	}
	lots := make([]*model.Lot, 0, len(items))
	for _, it := range items {
		l := &model.Lot{}
		if err := json.Unmarshal(it, l); err != nil {
			return nil, fmt.Errorf("decode lot: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, nil
}

func validLots(lots []*model.Lot) bool {
	if len(lots) == 0 {
		return false
	}
	for _, l := range lots {
		if len(l.Titles) == 0 && len(l.Descriptions) == 0 && len(l.Facets) == 0 {
			return false
		}
	}
	return true
}

// fillFromPost 用原始消息补全来源字段；时间戳总是取消息时间。
func (e *Enricher) fillFromPost(l *model.Lot, post *model.Post, rel string) {
	if l.Source.Chat == "" {
		l.Source.Chat = post.Chat
	}
	if l.Source.MessageID == 0 {
		l.Source.MessageID = post.ID
	}
	if l.Source.Path == "" {
		l.Source.Path = rel
	}
	if l.Source.AuthorTG == "" {
		l.Source.AuthorTG = post.SenderUsername
	}
	if l.Source.Author == "" {
		l.Source.Author = post.SenderName
	}
	l.Timestamp = post.Date.Format(time.RFC3339)
	if len(l.Files) == 0 && len(post.Files) > 0 {
		l.Files = append([]string(nil), post.Files...)
	}
	if l.Seller() == "" {
		if post.SenderPhone != "" {
			l.SetFacet(model.KeyContactPhone, post.SenderPhone)
		} else if post.PostAuthor != "" {
			l.SetFacet(model.KeyContactName, post.PostAuthor)
		}
	}
}

func lotsSchema(langs []string) map[string]any {
	props := make(map[string]any, 2*len(langs))
	required := make([]string, 0, 2*len(langs))
	for _, l := range langs {
		for _, k := range []string{"title_" + l, "description_" + l} {
			props[k] = map[string]any{"type": "string"}
			required = append(required, k)
		}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"lots": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"properties":           props,
					"required":             required,
					"additionalProperties": true,
				},
			},
		},
		"required":             []string{"lots"},
		"additionalProperties": false,
	}
}
