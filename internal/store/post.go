package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"marketfeed/internal/model"
)

// 写入边界上的不变量错误。出现这些错误说明上游有逻辑缺陷，调用方必须停止这一次写入。
var (
	ErrMissingContact   = errors.New("post has no contact")
	ErrMissingTimestamp = errors.New("post has no valid timestamp")
	ErrMissingField     = errors.New("post is missing a required field")
	ErrDuplicateFiles   = errors.New("post has duplicate files")
	ErrFileOwners       = errors.New("post file owners do not match files")
)

// clockSkew 允许消息时间略微超前于本机时间。
const clockSkew = time.Minute

// 头部字段的固定输出顺序，Extra 中的键按字母序排在后面。
var postHeaderOrder = []string{
	"id", "chat", "date",
	"sender", "sender_username", "sender_name", "sender_phone", "post_author", "tg_link",
	"sender_chat", "sender_chat_title", "fwd_from_id", "fwd_from_name", "author_type",
	"reply_to", "group_id", "is_admin", "files", "file_ids", "skipped_media", "text_id",
}

// ValidatePost 检查写入前必须满足的不变量。
func ValidatePost(p *model.Post, now time.Time) error {
	if p == nil {
		return fmt.Errorf("%w: nil post", ErrMissingField)
	}
	if p.ID == 0 {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if p.Chat == "" {
		return fmt.Errorf("%w: chat", ErrMissingField)
	}
	if p.Date.IsZero() {
		return fmt.Errorf("%w: date", ErrMissingField)
	}
	if !p.HasTimestamp(now.Add(clockSkew)) {
		return ErrMissingTimestamp
	}
	if p.Contact() == "" {
		return ErrMissingContact
	}
	seen := make(map[string]struct{}, len(p.Files))
	for _, f := range p.Files {
		if _, ok := seen[f]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateFiles, f)
		}
		seen[f] = struct{}{}
	}
	if len(p.FileIDs) != 0 && len(p.FileIDs) != len(p.Files) {
		return ErrFileOwners
	}
	return nil
}

// WritePost 校验并整体写入原始消息。
//
// 返回值:
//
//	error: 不变量错误（ErrMissingContact 等）或 IO 错误
func (s *Store) WritePost(path string, p *model.Post) error {
	if err := ValidatePost(p, time.Now()); err != nil {
		return fmt.Errorf("write post %s: %w", path, err)
	}
	data := EncodePost(p)
	if err := WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write post %s: %w", path, err)
	}
	s.logger.Debug("wrote post", slog.String("path", path))
	return nil
}

// ReadPost 读取原始消息。文件缺失或损坏时返回 nil 并记录日志。
func (s *Store) ReadPost(path string) *model.Post {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("post missing", slog.String("path", path))
		} else {
			s.logger.Warn("read post failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	}
	p, err := DecodePost(data)
	if err != nil {
		s.logger.Error("parse post failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	return p
}

// ReadHeader 只读取头部的键值对，不解析正文。
func ReadHeader(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	header := make(map[string]string)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			header[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return header
}

// EncodePost 把消息编码为 "key: value" 头部 + 空行 + 正文。空值不输出。
func EncodePost(p *model.Post) []byte {
	fields := postFields(p)
	var b strings.Builder
	for _, k := range postHeaderOrder {
		if v, ok := fields[k]; ok {
			b.WriteString(k + ": " + v + "\n")
		}
	}
	extra := make([]string, 0, len(p.Extra))
	for k, v := range p.Extra {
		if _, fixed := fields[k]; fixed || strings.TrimSpace(v) == "" || isFixedPostKey(k) {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		b.WriteString(k + ": " + oneLine(p.Extra[k]) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(p.Text))
	b.WriteString("\n")
	return []byte(b.String())
}

func postFields(p *model.Post) map[string]string {
	f := make(map[string]string)
	putStr := func(k, v string) {
		if v = oneLine(v); v != "" {
			f[k] = v
		}
	}
	putInt := func(k string, v int64) {
		if v != 0 {
			f[k] = strconv.FormatInt(v, 10)
		}
	}
	putInt("id", p.ID)
	putStr("chat", p.Chat)
	if !p.Date.IsZero() {
		f["date"] = p.Date.Format(time.RFC3339)
	}
	putInt("sender", p.Sender)
	putStr("sender_username", p.SenderUsername)
	putStr("sender_name", p.SenderName)
	putStr("sender_phone", p.SenderPhone)
	putStr("post_author", p.PostAuthor)
	putStr("tg_link", p.TGLink)
	putInt("sender_chat", p.SenderChat)
	putStr("sender_chat_title", p.SenderChatTitle)
	putInt("fwd_from_id", p.FwdFromID)
	putStr("fwd_from_name", p.FwdFromName)
	putStr("author_type", string(p.AuthorType))
	putInt("reply_to", p.ReplyTo)
	putInt("group_id", p.GroupID)
	if p.IsAdmin {
		f["is_admin"] = "true"
	}
	if len(p.Files) > 0 {
		data, _ := json.Marshal(p.Files)
		f["files"] = string(data)
		if len(p.FileIDs) == len(p.Files) {
			ids, _ := json.Marshal(p.FileIDs)
			f["file_ids"] = string(ids)
		}
	}
	putStr("skipped_media", p.SkippedMedia)
	if p.TextID != p.ID {
		putInt("text_id", p.TextID)
	}
	return f
}

func isFixedPostKey(k string) bool {
	for _, fixed := range postHeaderOrder {
		if k == fixed {
			return true
		}
	}
	return false
}

func oneLine(v string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(v, "\r", " "), "\n", " "))
}

// DecodePost 解析消息文件。未知头部字段保存在 Extra 中。
func DecodePost(data []byte) (*model.Post, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	p := &model.Post{}
	bodyStart := len(lines)
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			bodyStart = i + 1
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if err := setPostField(p, strings.TrimSpace(k), strings.TrimSpace(v)); err != nil {
			return nil, err
		}
	}
	if bodyStart < len(lines) {
		p.Text = strings.TrimSpace(strings.Join(lines[bodyStart:], "\n"))
	}
	if len(p.FileIDs) != len(p.Files) {
		p.FileIDs = nil
	}
	return p, nil
}

func setPostField(p *model.Post, k, v string) error {
	if v == "" || v == "None" {
		return nil
	}
	parseInt := func() (int64, error) {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", k, err)
		}
		return n, nil
	}
	var err error
	switch k {
	case "id":
		p.ID, err = parseInt()
	case "chat":
		p.Chat = v
	case "date":
		t, ok := model.ParseTimestamp(v)
		if !ok {
			return fmt.Errorf("field date: bad timestamp %q", v)
		}
		p.Date = t
	case "sender":
		p.Sender, err = parseInt()
	case "sender_username":
		p.SenderUsername = v
	case "sender_name":
		p.SenderName = v
	case "sender_phone":
		p.SenderPhone = v
	case "post_author":
		p.PostAuthor = v
	case "tg_link":
		p.TGLink = v
	case "sender_chat":
		p.SenderChat, err = parseInt()
	case "sender_chat_title":
		p.SenderChatTitle = v
	case "fwd_from_id":
		p.FwdFromID, err = parseInt()
	case "fwd_from_name":
		p.FwdFromName = v
	case "author_type":
		p.AuthorType = model.AuthorType(v)
	case "reply_to":
		p.ReplyTo, err = parseInt()
	case "group_id":
		p.GroupID, err = parseInt()
	case "is_admin":
		p.IsAdmin = v == "true" || v == "True" || v == "1"
	case "files":
		p.Files, err = ParseFileList(v)
	case "file_ids":
		var ids []int64
		if jerr := json.Unmarshal([]byte(v), &ids); jerr != nil {
			return fmt.Errorf("field file_ids: %w", jerr)
		}
		p.FileIDs = ids
	case "skipped_media":
		p.SkippedMedia = v
	case "text_id":
		p.TextID, err = parseInt()
	default:
		if p.Extra == nil {
			p.Extra = make(map[string]string)
		}
		p.Extra[k] = v
	}
	return err
}

// ParseFileList 解析 files 头部。既接受 JSON 数组，也接受单引号风格的旧格式。
func ParseFileList(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "[]" {
		return nil, nil
	}
	var files []string
	if err := json.Unmarshal([]byte(v), &files); err == nil {
		return files, nil
	}
	if !strings.HasPrefix(v, "[") || !strings.HasSuffix(v, "]") {
		return nil, fmt.Errorf("field files: not a list: %q", v)
	}
	inner := strings.TrimSpace(v[1 : len(v)-1])
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if len(part) >= 2 && (part[0] == '\'' || part[0] == '"') && part[len(part)-1] == part[0] {
			part = part[1 : len(part)-1]
		}
		if part != "" {
			files = append(files, part)
		}
	}
	return files, nil
}
