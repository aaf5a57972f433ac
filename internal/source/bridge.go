package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const reconnectDelay = 5 * time.Second

// Bridge 通过 WebSocket 接收实时更新，历史查询与媒体读取委托给 Spool。
//
// 收到的每条消息都会追加到 spool，使后续的 Get / History（相册补全、重新拉取）能看到它。
type Bridge struct {
	url    string
	spool  *Spool
	logger *slog.Logger
	dialer *websocket.Dialer
}

// NewBridge 创建实时桥。
func NewBridge(bridgeURL string, spool *Spool, logger *slog.Logger) *Bridge {
	return &Bridge{
		url:    bridgeURL,
		spool:  spool,
		logger: logger,
		dialer: websocket.DefaultDialer,
	}
}

func (b *Bridge) Join(ctx context.Context, chat string) error { return b.spool.Join(ctx, chat) }

func (b *Bridge) History(ctx context.Context, chat string, since time.Time) ([]*Message, error) {
	return b.spool.History(ctx, chat, since)
}

func (b *Bridge) Get(ctx context.Context, chat string, ids ...int64) ([]*Message, error) {
	return b.spool.Get(ctx, chat, ids...)
}

func (b *Bridge) Download(ctx context.Context, msg *Message) ([]byte, error) {
	return b.spool.Download(ctx, msg)
}

// Listen 连接桥并推送更新，连接断开时自动重连，直到 ctx 被取消。
func (b *Bridge) Listen(ctx context.Context, chats []string) (<-chan Update, error) {
	if _, err := url.Parse(b.url); err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}
	wanted := make(map[string]bool, len(chats))
	for _, c := range chats {
		wanted[c] = true
	}

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		for {
			if err := b.subscribe(ctx, wanted, out); err != nil && ctx.Err() == nil {
				b.logger.Error("bridge connection error, reconnecting", slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}()
	return out, nil
}

func (b *Bridge) buildURL(chats map[string]bool) string {
	u, err := url.Parse(b.url)
	if err != nil {
		return b.url
	}
	q := u.Query()
	for c := range chats {
		q.Add("chat", c)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *Bridge) subscribe(ctx context.Context, wanted map[string]bool, out chan<- Update) error {
	wsURL := b.buildURL(wanted)
	conn, _, err := b.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}
	defer conn.Close()
	b.logger.Info("connected to bridge", slog.String("url", wsURL))

	// ReadMessage 不感知 ctx，取消时关闭连接以解除阻塞
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}
		u, err := parseUpdate(data)
		if err != nil {
			b.logger.Warn("invalid bridge frame", slog.String("error", err.Error()))
			continue
		}
		if len(wanted) > 0 && !wanted[u.Chat] {
			continue
		}
		for _, m := range u.Messages {
			if err := b.spool.Append(m); err != nil {
				b.logger.Warn("spool append failed",
					slog.String("chat", m.Chat),
					slog.Int64("id", m.ID),
					slog.String("error", err.Error()))
			}
		}
		select {
		case out <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseUpdate 解析桥推送的帧并补全消息的聊天名。
func parseUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("unmarshal update: %w", err)
	}
	u.Chat = strings.TrimPrefix(u.Chat, "@")
	if u.Chat == "" || len(u.Messages) == 0 {
		return u, fmt.Errorf("empty update")
	}
	switch u.Kind {
	case UpdateNew, UpdateEdit, UpdateAlbum, UpdateDelete:
	default:
		return u, fmt.Errorf("unknown update kind %q", u.Kind)
	}
	for _, m := range u.Messages {
		if m.Chat == "" {
			m.Chat = u.Chat
		}
		if u.Kind == UpdateDelete {
			m.Deleted = true
		}
		if u.Kind == UpdateEdit {
			m.Edited = true
		}
	}
	return u, nil
}

var _ Source = (*Bridge)(nil)
