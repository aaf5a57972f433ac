package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Spool 从 JSONL 目录读取消息：每个聊天一个 <chat>.jsonl 文件，每行一条 Message。
//
// 同一 ID 的后续行覆盖前面的行（编辑），deleted 为 true 的行表示消息已被删除。
// 媒体可以内联在 data 字段，也可以通过 path 引用 spool 目录下的文件。
type Spool struct {
	dir          string
	pollInterval time.Duration
	logger       *slog.Logger

	mu sync.Mutex // 保护 Append
}

// NewSpool 创建 spool 来源。
func NewSpool(dir string, pollInterval time.Duration, logger *slog.Logger) *Spool {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Spool{dir: dir, pollInterval: pollInterval, logger: logger}
}

func (s *Spool) chatFile(chat string) string {
	return filepath.Join(s.dir, chat+".jsonl")
}

// Join 创建聊天文件（如果不存在）。
func (s *Spool) Join(ctx context.Context, chat string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.OpenFile(s.chatFile(chat), os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("join chat %s: %w", chat, err)
	}
	return f.Close()
}

// Append 追加一条消息记录。
func (s *Spool) Append(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	f, err := os.OpenFile(s.chatFile(msg.Chat), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append spool: %w", err)
	}
	return nil
}

// load 读取聊天的当前消息视图。
func (s *Spool) load(chat string) (map[int64]*Message, error) {
	f, err := os.Open(s.chatFile(chat))
	if errors.Is(err, os.ErrNotExist) {
		return map[int64]*Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()

	msgs := make(map[int64]*Message)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		msg, err := s.decode(chat, raw)
		if err != nil {
			s.logger.Warn("invalid spool line",
				slog.String("chat", chat),
				slog.Int("line", line),
				slog.String("error", err.Error()))
			continue
		}
		if msg.Deleted {
			delete(msgs, msg.ID)
			continue
		}
		msgs[msg.ID] = msg
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	return msgs, nil
}

func (s *Spool) decode(chat string, raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.ID <= 0 {
		return nil, fmt.Errorf("missing id")
	}
	if msg.Chat == "" {
		msg.Chat = chat
	}
	return &msg, nil
}

// History 返回 since 之后（含）的消息，按 ID 升序。
func (s *Spool) History(ctx context.Context, chat string, since time.Time) ([]*Message, error) {
	msgs, err := s.load(chat)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Date.Before(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, ctx.Err()
}

// Get 按 ID 获取消息。
func (s *Spool) Get(ctx context.Context, chat string, ids ...int64) ([]*Message, error) {
	msgs, err := s.load(chat)
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, id := range ids {
		if m, ok := msgs[id]; ok {
			out = append(out, m)
		}
	}
	return out, ctx.Err()
}

// Download 返回内联媒体或读取引用的文件。
func (s *Spool) Download(ctx context.Context, msg *Message) ([]byte, error) {
	if msg.Media == nil {
		return nil, fmt.Errorf("message %d has no media", msg.ID)
	}
	if len(msg.Media.Data) > 0 {
		return msg.Media.Data, nil
	}
	if msg.Media.Path == "" || !filepath.IsLocal(msg.Media.Path) {
		return nil, fmt.Errorf("invalid media path %q", msg.Media.Path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, msg.Media.Path))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	return data, nil
}

// Listen 轮询聊天文件的新增行。启动前已存在的内容不会被推送。
func (s *Spool) Listen(ctx context.Context, chats []string) (<-chan Update, error) {
	offsets := make(map[string]int64, len(chats))
	for _, chat := range chats {
		if info, err := os.Stat(s.chatFile(chat)); err == nil {
			offsets[chat] = info.Size()
		}
	}

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, chat := range chats {
				updates, next := s.poll(chat, offsets[chat])
				offsets[chat] = next
				for _, u := range updates {
					select {
					case out <- u:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// poll 读取 offset 之后的完整行，返回更新与新的偏移。
func (s *Spool) poll(chat string, offset int64) ([]Update, int64) {
	f, err := os.Open(s.chatFile(chat))
	if err != nil {
		return nil, offset
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() < offset {
		// 文件被截断，从头开始
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset
	}

	var msgs []*Message
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// 不完整的最后一行留到下次
			break
		}
		offset += int64(len(line))
		raw := bytes.TrimSpace(line)
		if len(raw) == 0 {
			continue
		}
		msg, err := s.decode(chat, raw)
		if err != nil {
			s.logger.Warn("invalid spool line", slog.String("chat", chat), slog.String("error", err.Error()))
			continue
		}
		msgs = append(msgs, msg)
	}
	return groupUpdates(chat, msgs), offset
}

// groupUpdates 把一批消息转换为更新，同一相册的部分合并到一个 Album 更新中。
func groupUpdates(chat string, msgs []*Message) []Update {
	var out []Update
	albums := make(map[int64]int)
	for _, m := range msgs {
		switch {
		case m.Deleted:
			out = append(out, Update{Kind: UpdateDelete, Chat: chat, Messages: []*Message{m}})
		case m.Edited:
			out = append(out, Update{Kind: UpdateEdit, Chat: chat, Messages: []*Message{m}})
		case m.GroupID != 0:
			if i, ok := albums[m.GroupID]; ok {
				out[i].Messages = append(out[i].Messages, m)
				continue
			}
			albums[m.GroupID] = len(out)
			out = append(out, Update{Kind: UpdateAlbum, Chat: chat, Messages: []*Message{m}})
		default:
			out = append(out, Update{Kind: UpdateNew, Chat: chat, Messages: []*Message{m}})
		}
	}
	return out
}

var _ Source = (*Spool)(nil)
