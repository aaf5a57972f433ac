package model

import (
	"strings"
	"time"
)

// AuthorType 描述消息作者的来源。
type AuthorType string

const (
	AuthorUser    AuthorType = "user"
	AuthorChannel AuthorType = "channel"
	AuthorForward AuthorType = "forward"
	AuthorService AuthorType = "service"
)

// Post 表示来自聊天源的一条原始消息。
//
// (Chat, ID) 全局唯一。相册消息的多个部分合并到同一个 Post 中，
// 此时 ID 为各部分中最小的消息 ID，FileIDs 与 Files 一一对应记录每个文件的来源消息。
type Post struct {
	ID   int64     // 消息 ID
	Chat string    // 聊天名
	Date time.Time // 消息时间（带时区）

	Sender          int64      // 发送者用户 ID（0 表示未知）
	SenderUsername  string     // 发送者用户名
	SenderName      string     // 发送者显示名
	SenderPhone     string     // 发送者电话
	PostAuthor      string     // 频道签名
	TGLink          string     // 发送者链接
	SenderChat      int64      // 以频道身份发送时的频道 ID
	SenderChatTitle string     // 频道标题
	FwdFromID       int64      // 转发来源用户 ID
	FwdFromName     string     // 转发来源名称
	AuthorType      AuthorType // 作者类型

	ReplyTo      int64             // 回复的消息 ID
	GroupID      int64             // 相册 ID（0 表示非相册）
	IsAdmin      bool              // 发送者是否为管理员
	Files        []string          // 媒体相对路径（有序、唯一）
	FileIDs      []int64           // 每个文件所属的消息 ID
	SkippedMedia string            // 媒体被跳过的原因
	TextID       int64             // 正文所属的消息 ID（0 表示与 ID 相同）
	Extra        map[string]string // 未识别的头部字段

	Text string // 正文
}

// Contact 返回第一个非空的联系方式，没有则返回空字符串。
func (p *Post) Contact() string {
	for _, v := range []string{p.SenderPhone, p.SenderUsername, p.PostAuthor, p.TGLink, p.SenderName} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// HasTimestamp 判断时间是否有效（非零且不在未来）。
func (p *Post) HasTimestamp(now time.Time) bool {
	return !p.Date.IsZero() && !p.Date.After(now)
}

// OwnerOf 返回 Files[i] 所属的消息 ID。
func (p *Post) OwnerOf(i int) int64 {
	if i < len(p.FileIDs) && p.FileIDs[i] != 0 {
		return p.FileIDs[i]
	}
	return p.ID
}

// TextOwner 返回正文所属的消息 ID。
func (p *Post) TextOwner() int64 {
	if p.TextID != 0 {
		return p.TextID
	}
	return p.ID
}

// Clone 返回深拷贝。
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	c := *p
	c.Files = append([]string(nil), p.Files...)
	c.FileIDs = append([]int64(nil), p.FileIDs...)
	if p.Extra != nil {
		c.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// ParseTimestamp 解析 ISO 时间；未带时区视为 UTC。
func ParseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
