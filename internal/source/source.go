// Package source 定义聊天消息来源。
//
// 采集服务只依赖 Source 接口；具体传输由 Spool（JSONL 目录）和 Bridge（WebSocket 实时桥）实现。
package source

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound 表示上游不存在该消息（已删除）。
var ErrNotFound = errors.New("message not found")

// User 是消息发送者。
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Name 返回显示名。
func (u *User) Name() string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(strings.Join([]string{u.FirstName, u.LastName}, " "))
}

// Channel 是以频道身份发送时的频道。
type Channel struct {
	ID    int64  `json:"id"`
	Title string `json:"title,omitempty"`
}

// Forward 是转发来源。
type Forward struct {
	FromID   int64  `json:"from_id,omitempty"`
	FromName string `json:"from_name,omitempty"`
}

// Media 描述消息附带的媒体。
type Media struct {
	Path     string `json:"path,omitempty"` // 相对 spool 目录的文件路径
	Data     []byte `json:"data,omitempty"` // 内联内容（base64）
	Name     string `json:"name,omitempty"` // 原始文件名
	Ext      string `json:"ext,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

// Message 是来源产出的一条消息记录。
type Message struct {
	ID           int64     `json:"id"`
	Chat         string    `json:"chat"`
	Date         time.Time `json:"date"`
	Sender       *User     `json:"sender,omitempty"`
	SenderChat   *Channel  `json:"sender_chat,omitempty"`
	Forward      *Forward  `json:"forward,omitempty"`
	PostAuthor   string    `json:"post_author,omitempty"`
	ReplyTo      int64     `json:"reply_to,omitempty"`
	TopicID      int64     `json:"topic_id,omitempty"`      // 论坛话题 ID
	TopicCreated bool      `json:"topic_created,omitempty"` // 该消息创建了话题
	GroupID      int64     `json:"group_id,omitempty"`
	IsAdmin      bool      `json:"is_admin,omitempty"`
	Text         string    `json:"text,omitempty"`
	Media        *Media    `json:"media,omitempty"`
	Edited       bool      `json:"edited,omitempty"`
	Deleted      bool      `json:"deleted,omitempty"`
}

// Empty 报告消息既无文本也无媒体。
func (m *Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && m.Media == nil
}

// UpdateKind 是实时更新的类型。
type UpdateKind string

const (
	UpdateNew    UpdateKind = "new"
	UpdateEdit   UpdateKind = "edit"
	UpdateAlbum  UpdateKind = "album"
	UpdateDelete UpdateKind = "delete"
)

// Update 是一次实时推送。相册的各部分在同一个 Update 中。
type Update struct {
	Kind     UpdateKind `json:"kind"`
	Chat     string     `json:"chat"`
	Messages []*Message `json:"messages"`
}

// Source 是消息传输层。单条消息的失败不应中断批处理。
type Source interface {
	// Join 确保可以访问聊天。
	Join(ctx context.Context, chat string) error
	// History 返回 since 之后（含）的消息，按 ID 升序。
	History(ctx context.Context, chat string, since time.Time) ([]*Message, error)
	// Get 按 ID 获取消息，不存在的 ID 被省略。
	Get(ctx context.Context, chat string, ids ...int64) ([]*Message, error)
	// Download 读取消息媒体内容。
	Download(ctx context.Context, msg *Message) ([]byte, error)
	// Listen 订阅实时更新，ctx 取消时关闭返回的通道。
	Listen(ctx context.Context, chats []string) (<-chan Update, error)
}
