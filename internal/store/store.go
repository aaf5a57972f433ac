// Package store 实现基于文件系统的内容存储。
//
// 目录布局（相对数据根目录）：
//
//	raw/<chat>/<YYYY>/<MM>/<id>.md          原始消息
//	media/<chat>/<YYYY>/<MM>/<sha256><ext>  媒体（内容寻址）
//	lots/<与 raw 相同>.json                 抽取出的 Lot 数组
//	vectors/<与 lots 相同>.json             向量
//	similar/、more_user/、prices/           派生缓存
//	state/                                  进度与队列
//
// 写操作整体替换文件（临时文件 + rename）；读操作失败时记录日志并返回空值，从不向上抛出。
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// 存储子目录。
const (
	RawDir      = "raw"
	MediaDir    = "media"
	LotsDir     = "lots"
	VectorsDir  = "vectors"
	SimilarDir  = "similar"
	MoreUserDir = "more_user"
	PricesDir   = "prices"
	StateDir    = "state"
	OntologyDir = "ontology"
)

// Store 是数据根目录的句柄。
//
// 它不持有任何可变状态，可以被多个阶段并发使用。
type Store struct {
	root   string
	logger *slog.Logger
}

// New 创建 Store。
//
// 参数:
//
//	root: 数据根目录
//	logger: 日志器
func New(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Store{root: abs, logger: logger}
}

// Root 返回数据根目录的绝对路径。
func (s *Store) Root() string { return s.root }

// Dir 返回子目录的绝对路径。
func (s *Store) Dir(name string) string { return filepath.Join(s.root, name) }

// Logger 返回存储使用的日志器。
func (s *Store) Logger() *slog.Logger { return s.logger }

// RawPath 返回消息文件路径。
func (s *Store) RawPath(chat string, date time.Time, id int64) string {
	return filepath.Join(s.Dir(RawDir), chat, date.Format("2006"), date.Format("01"), strconv.FormatInt(id, 10)+".md")
}

// RawRel 返回消息相对 raw/ 的路径（即 Lot 中的 source:path）。
func (s *Store) RawRel(rawPath string) string {
	rel, err := filepath.Rel(s.Dir(RawDir), rawPath)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// RawFromRel 把 source:path 还原为绝对路径。
func (s *Store) RawFromRel(rel string) string {
	return filepath.Join(s.Dir(RawDir), filepath.FromSlash(rel))
}

// LotPathForRaw 返回原始消息对应的 Lot 文件路径。
func (s *Store) LotPathForRaw(rawPath string) string {
	return s.mirror(rawPath, RawDir, LotsDir)
}

// RawPathForLot 返回 Lot 文件对应的原始消息路径。
func (s *Store) RawPathForLot(lotPath string) string {
	p := s.mirror(lotPath, LotsDir, RawDir)
	if p == "" {
		return ""
	}
	return strings.TrimSuffix(p, ".json") + ".md"
}

// EmbeddingPathForLot 返回 Lot 文件对应的向量文件路径。
func (s *Store) EmbeddingPathForLot(lotPath string) string {
	return s.mirror(lotPath, LotsDir, VectorsDir)
}

// LotPathForEmbedding 返回向量文件对应的 Lot 文件路径。
func (s *Store) LotPathForEmbedding(vecPath string) string {
	return s.mirror(vecPath, VectorsDir, LotsDir)
}

// CachePathForLot 返回 Lot 文件在某个缓存目录（similar / more_user / prices）下的镜像路径。
func (s *Store) CachePathForLot(cacheDir, lotPath string) string {
	return s.mirror(lotPath, LotsDir, cacheDir)
}

// SimilarPathForLot 返回 Lot 文件的相似度缓存路径。
func (s *Store) SimilarPathForLot(lotPath string) string {
	return s.CachePathForLot(SimilarDir, lotPath)
}

// MoreUserPathForLot 返回 Lot 文件的"同一卖家"缓存路径。
func (s *Store) MoreUserPathForLot(lotPath string) string {
	return s.CachePathForLot(MoreUserDir, lotPath)
}

// PricePathForLot 返回 Lot 文件的价格缓存路径。
func (s *Store) PricePathForLot(lotPath string) string { return s.CachePathForLot(PricesDir, lotPath) }

// LotPathForCache 返回缓存文件对应的 Lot 文件路径。
func (s *Store) LotPathForCache(cacheDir, cachePath string) string {
	return s.mirror(cachePath, cacheDir, LotsDir)
}

// mirror 把 from/ 下的路径映射到 to/ 下，扩展名换成 .json。
func (s *Store) mirror(path, from, to string) string {
	rel, err := filepath.Rel(s.Dir(from), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel)) + ".json"
	return filepath.Join(s.Dir(to), rel)
}

// LotID 返回 Lot 的稳定标识：lot 文件相对路径（无扩展名）加序号。
func (s *Store) LotID(lotPath string, index int) string {
	rel, err := filepath.Rel(s.Dir(LotsDir), lotPath)
	if err != nil {
		rel = filepath.Base(lotPath)
	}
	rel = filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
	return rel + "-" + strconv.Itoa(index)
}

// LotPathForID 从 Lot ID 还原 lot 文件路径。
func (s *Store) LotPathForID(id string) string {
	base := id
	if i := strings.LastIndex(id, "-"); i > 0 {
		if _, err := strconv.Atoi(id[i+1:]); err == nil {
			base = id[:i]
		}
	}
	return filepath.Join(s.Dir(LotsDir), filepath.FromSlash(base)+".json")
}

// WalkOptions 控制 Walk 的行为。
type WalkOptions struct {
	Ext         string // 只返回该扩展名的文件（为空表示全部）
	NewestFirst bool   // 按 mtime 倒序
}

// Walk 列出子目录下的文件（绝对路径）。目录不存在时返回空。
func (s *Store) Walk(dir string, opts WalkOptions) []string {
	type entry struct {
		path  string
		mtime time.Time
	}
	var entries []entry
	root := s.Dir(dir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if opts.Ext != "" && filepath.Ext(path) != opts.Ext {
			return nil
		}
		e := entry{path: path}
		if opts.NewestFirst {
			if info, err := d.Info(); err == nil {
				e.mtime = info.ModTime()
			}
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("walk store dir failed", slog.String("dir", root), slog.String("error", err.Error()))
	}
	if opts.NewestFirst {
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].mtime.Equal(entries[j].mtime) {
				return entries[i].path > entries[j].path
			}
			return entries[i].mtime.After(entries[j].mtime)
		})
	} else {
		sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out
}

// WalkRaw 列出原始消息文件。
func (s *Store) WalkRaw(newestFirst bool) []string {
	return s.Walk(RawDir, WalkOptions{Ext: ".md", NewestFirst: newestFirst})
}

// WalkLots 列出 Lot 文件。
func (s *Store) WalkLots(newestFirst bool) []string {
	return s.Walk(LotsDir, WalkOptions{Ext: ".json", NewestFirst: newestFirst})
}

// WalkMedia 列出媒体文件（不含旁车）。
func (s *Store) WalkMedia(newestFirst bool) []string {
	var out []string
	for _, p := range s.Walk(MediaDir, WalkOptions{NewestFirst: newestFirst}) {
		if !IsSidecar(p) {
			out = append(out, p)
		}
	}
	return out
}

// ModTime 返回文件修改时间；不存在时 ok 为 false。
func ModTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Exists 判断文件是否存在。
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove 删除文件，不存在时视为成功。返回是否真的删除了文件。
func (s *Store) Remove(path string) bool {
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove file failed", slog.String("path", path), slog.String("error", err.Error()))
	}
	return false
}

// WriteFileAtomic 整体写入文件：先写同目录临时文件再 rename。
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteJSON 以缩进格式整体写入 JSON。
func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := WriteFileAtomic(path, append(data, '\n')); err != nil {
		return err
	}
	s.logger.Debug("wrote json", slog.String("path", path))
	return nil
}

// ReadJSON 读取 JSON 到 v。文件不存在返回 false 且不记录错误，解析失败记录日志并返回 false。
func (s *Store) ReadJSON(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read json failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Error("parse json failed", slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	return true
}

// PruneEmptyDirs 自底向上删除 dir 下的空目录（不删除 dir 本身），返回删除数量。
func (s *Store) PruneEmptyDirs(dir string) int {
	root := s.Dir(dir)
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	// 深的目录排在前面
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	removed := 0
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(d); err == nil {
			removed++
		}
	}
	return removed
}
