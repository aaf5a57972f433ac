package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"marketfeed/internal/model"
)

const (
	captionJSONSuffix   = ".caption.json"
	captionLegacySuffix = ".caption.md"
	captionKeyPrefix    = "caption_"
)

// imageExts 是需要生成图片描述的扩展名。
var imageExts = map[string]bool{".png": true, ".gif": true, ".webp": true}

// IsImage 判断媒体文件是否为需要描述的图片。
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return strings.HasPrefix(ext, ".jpg") || ext == ".jpeg" || imageExts[ext]
}

// IsSidecar 判断文件是否为媒体旁车（元数据或描述）。
func IsSidecar(path string) bool {
	return strings.HasSuffix(path, ".md") || strings.HasSuffix(path, captionJSONSuffix)
}

// MediaPath 返回相对路径对应的绝对路径。
func (s *Store) MediaPath(rel string) string {
	return filepath.Join(s.Dir(MediaDir), filepath.FromSlash(rel))
}

// MediaRel 返回媒体相对 media/ 的路径。
func (s *Store) MediaRel(path string) string {
	rel, err := filepath.Rel(s.Dir(MediaDir), path)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// SaveMedia 以内容寻址方式保存媒体，已存在时复用。
//
// 返回值:
//
//	string: 相对 media/ 的路径（chat/YYYY/MM/<sha256><ext>）
//	bool: 是否新写入
func (s *Store) SaveMedia(chat string, date time.Time, ext string, data []byte) (string, bool, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + strings.ToLower(ext)
	rel := filepath.ToSlash(filepath.Join(chat, date.Format("2006"), date.Format("01"), name))
	path := s.MediaPath(rel)
	if Exists(path) {
		s.logger.Debug("media exists", slog.String("path", path))
		return rel, false, nil
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return "", false, fmt.Errorf("save media: %w", err)
	}
	s.logger.Info("stored media", slog.String("path", path), slog.Int("bytes", len(data)))
	return rel, true, nil
}

// MediaMetaPath 返回元数据旁车路径（<file>.md）。
func MediaMetaPath(mediaPath string) string { return mediaPath + ".md" }

// legacyMetaPath 是旧版的 <stem>.md 旁车。
func legacyMetaPath(mediaPath string) string {
	return strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + ".md"
}

// WriteMediaMeta 写入媒体元数据旁车，空值不输出。
func (s *Store) WriteMediaMeta(mediaPath string, meta model.MediaMeta) error {
	var b strings.Builder
	if meta.MessageID != 0 {
		b.WriteString("message_id: " + strconv.FormatInt(meta.MessageID, 10) + "\n")
	}
	if meta.Date != "" {
		b.WriteString("date: " + meta.Date + "\n")
	}
	if meta.Original != "" {
		b.WriteString("original: " + oneLine(meta.Original) + "\n")
	}
	return WriteFileAtomic(MediaMetaPath(mediaPath), []byte(b.String()))
}

// ReadMediaMeta 读取媒体元数据，缺失时返回 false。
func (s *Store) ReadMediaMeta(mediaPath string) (model.MediaMeta, bool) {
	for _, p := range []string{MediaMetaPath(mediaPath), legacyMetaPath(mediaPath)} {
		if !Exists(p) {
			continue
		}
		return parseMediaMeta(ReadHeader(p)), true
	}
	return model.MediaMeta{}, false
}

// ParseMediaMetaFile 解析一个旁车文件。
func ParseMediaMetaFile(path string) model.MediaMeta {
	return parseMediaMeta(ReadHeader(path))
}

func parseMediaMeta(h map[string]string) model.MediaMeta {
	meta := model.MediaMeta{Date: h["date"], Original: h["original"]}
	if id, err := strconv.ParseInt(h["message_id"], 10, 64); err == nil {
		meta.MessageID = id
	}
	return meta
}

// MediaForMeta 返回旁车对应的媒体文件路径。
func MediaForMeta(metaPath string) string {
	return strings.TrimSuffix(metaPath, ".md")
}

// CaptionPath 返回图片描述文件路径（<stem>.caption.json）。
func CaptionPath(mediaPath string) string {
	return strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + captionJSONSuffix
}

func captionCandidates(mediaPath string) []string {
	stem := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath))
	return []string{
		stem + captionJSONSuffix,
		mediaPath + captionJSONSuffix,
		stem + captionLegacySuffix,
		mediaPath + captionLegacySuffix,
	}
}

// CaptionFile 返回已存在的描述文件路径。
func CaptionFile(mediaPath string) (string, bool) {
	for _, p := range captionCandidates(mediaPath) {
		if Exists(p) {
			return p, true
		}
	}
	return "", false
}

// HasCaption 判断图片是否已有描述（JSON 或旧版 Markdown）。
func HasCaption(mediaPath string) bool {
	_, ok := CaptionFile(mediaPath)
	return ok
}

// ReadCaption 读取多语言描述。旧版单语言描述以 "" 为键返回。
func (s *Store) ReadCaption(mediaPath string) model.Caption {
	path, ok := CaptionFile(mediaPath)
	if !ok {
		return nil
	}
	if strings.HasSuffix(path, captionLegacySuffix) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return nil
		}
		return model.Caption{"": text}
	}
	var raw map[string]any
	if !s.ReadJSON(path, &raw) {
		return nil
	}
	out := make(model.Caption)
	for k, v := range raw {
		text, ok := v.(string)
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		out[strings.TrimPrefix(k, captionKeyPrefix)] = text
	}
	return out
}

// WriteCaption 写入多语言描述（caption_<lang> 键）。
func (s *Store) WriteCaption(mediaPath string, caption model.Caption) error {
	out := make(map[string]string, len(caption))
	for lang, text := range caption {
		if strings.TrimSpace(text) == "" {
			continue
		}
		out[captionKeyPrefix+lang] = strings.TrimSpace(text)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal caption: %w", err)
	}
	if err := WriteFileAtomic(CaptionPath(mediaPath), append(data, '\n')); err != nil {
		return fmt.Errorf("write caption: %w", err)
	}
	s.logger.Debug("wrote caption", slog.String("path", CaptionPath(mediaPath)))
	return nil
}

// PickCaption 从多语言描述中选出一段文本。
func PickCaption(c model.Caption, lang string) string {
	if len(c) == 0 {
		return ""
	}
	for _, k := range []string{lang, "en", ""} {
		if v := strings.TrimSpace(c[k]); v != "" {
			return v
		}
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return c[keys[0]]
}

// RemoveMedia 删除媒体文件及其所有旁车。
func (s *Store) RemoveMedia(mediaPath string) int {
	removed := 0
	paths := append([]string{mediaPath, MediaMetaPath(mediaPath), legacyMetaPath(mediaPath)}, captionCandidates(mediaPath)...)
	for _, p := range paths {
		if s.Remove(p) {
			removed++
			s.logger.Info("deleted media", slog.String("file", p))
		}
	}
	return removed
}
