// Package provider 封装外部模型服务：对话补全（图片描述、切分）与文本向量。
//
// 调用方只依赖 Completer / Embedder 接口。OpenAI 兼容实现见 openai.go，
// 测试模式下使用 Disabled，所有调用直接失败，条目留给下一次扫描。
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"marketfeed/internal/pkg/metrics"
)

var (
	// ErrAllModelsFailed 表示回退列表中的所有模型都失败了。
	ErrAllModelsFailed = errors.New("all models failed")
	// ErrDisabled 表示外部调用被关闭（测试模式）。
	ErrDisabled = errors.New("provider disabled in test mode")
)

// Role 是消息角色。
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Part 是多模态消息的一个片段。
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL 引用图片（通常是 data URL）。
type ImageURL struct {
	URL string `json:"url"`
}

// Message 是一条对话消息。Content 为纯文本，Parts 非空时优先使用 Parts。
type Message struct {
	Role    Role
	Content string
	Parts   []Part
}

// TextMessage 创建纯文本消息。
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text}
}

// ImageMessage 创建只包含一张图片的用户消息。
func ImageMessage(mime string, b64 string) Message {
	return Message{Role: RoleUser, Parts: []Part{{
		Type:     "image_url",
		ImageURL: &ImageURL{URL: "data:" + mime + ";base64," + b64},
	}}}
}

// Schema 是结构化输出使用的 JSON Schema。
type Schema struct {
	Name   string
	Schema map[string]any
}

// ChatRequest 是一次补全请求，Model 由调用方或回退逻辑填写。
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	Schema      *Schema
}

// Completer 执行对话补全并返回文本内容。
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// Embedder 为一批文本生成向量，结果与输入一一对应。
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float64, error)
}

// CallWithFallback 依次尝试 models，返回第一个成功的结果。
//
// 每次尝试都会记录日志；全部失败时返回包装了最后一个错误的 ErrAllModelsFailed。
//
// 返回值:
//   - string: 模型输出
//   - string: 成功的模型名
//   - error: ErrAllModelsFailed
func CallWithFallback(ctx context.Context, c Completer, req ChatRequest, models []string, logger *slog.Logger) (string, string, error) {
	if len(models) == 0 {
		return "", "", fmt.Errorf("%w: no models configured", ErrAllModelsFailed)
	}
	var lastErr error
	for _, model := range models {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		r := req
		r.Model = model
		logger.Info("calling model", slog.String("model", model))
		out, err := c.Complete(ctx, r)
		if err != nil {
			lastErr = err
			logger.Error("model call failed", slog.String("model", model), slog.String("error", err.Error()))
			continue
		}
		logger.Info("model succeeded", slog.String("model", model))
		return out, model, nil
	}
	return "", "", fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
}

// Disabled 是测试模式下的实现，所有调用都返回 ErrDisabled。
type Disabled struct{}

func (Disabled) Complete(context.Context, ChatRequest) (string, error) {
	metrics.ProviderCallsTotal.WithLabelValues("disabled", "skipped").Inc()
	return "", ErrDisabled
}

func (Disabled) Embed(context.Context, string, []string) ([][]float64, error) {
	metrics.ProviderCallsTotal.WithLabelValues("disabled", "skipped").Inc()
	return nil, ErrDisabled
}

// StripFences 去掉模型偶尔包裹在 JSON 外的代码块标记。
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// EstimateTokens 粗略估算 token 数（约 4 个字符一个 token），仅用于日志。
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return max(1, (len(text)+3)/4)
}
