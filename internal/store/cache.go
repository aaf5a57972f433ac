package store

import (
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

// RatesFile 是 AI 汇率文件名（位于 prices/ 下）。
const RatesFile = "rates.json"

// LoadSimilar 读取相似度缓存。格式不合法的条目被丢弃。
func (s *Store) LoadSimilar() map[string][]model.Neighbor {
	out := make(map[string][]model.Neighbor)
	for _, path := range s.Walk(SimilarDir, WalkOptions{Ext: ".json"}) {
		var entries []model.SimilarEntry
		if !s.ReadJSON(path, &entries) {
			continue
		}
		for _, e := range entries {
			if e.ID == "" {
				continue
			}
			valid := make([]model.Neighbor, 0, len(e.Similar))
			for _, n := range e.Similar {
				if n.ID != "" {
					valid = append(valid, n)
				}
			}
			out[e.ID] = valid
		}
	}
	if len(out) > 0 {
		s.logger.Info("loaded similar cache", slog.Int("count", len(out)))
	}
	return out
}

// SaveSimilar 按 Lot 文件分组写入相似度缓存，并删除不再对应任何条目的缓存文件。
func (s *Store) SaveSimilar(sim map[string][]model.Neighbor) error {
	files := make(map[string][]model.SimilarEntry)
	for id, neighbors := range sim {
		path := s.CachePathForLot(SimilarDir, s.LotPathForID(id))
		if neighbors == nil {
			neighbors = []model.Neighbor{}
		}
		files[path] = append(files[path], model.SimilarEntry{ID: id, Similar: neighbors})
	}
	for path, entries := range files {
		sort.Slice(entries, func(i, j int) bool { return lotIDLess(entries[i].ID, entries[j].ID) })
		if err := s.WriteJSON(path, entries); err != nil {
			return fmt.Errorf("save similar: %w", err)
		}
	}
	removeStaleCache(s, SimilarDir, files)
	return nil
}

// LoadMoreUser 读取"同一卖家"缓存。
func (s *Store) LoadMoreUser() map[string][]string {
	out := make(map[string][]string)
	for _, path := range s.Walk(MoreUserDir, WalkOptions{Ext: ".json"}) {
		var entries []model.MoreUserEntry
		if !s.ReadJSON(path, &entries) {
			continue
		}
		for _, e := range entries {
			ids := make([]string, 0, len(e.MoreUser))
			for _, r := range e.MoreUser {
				ids = append(ids, r.ID)
			}
			out[e.ID] = ids
		}
	}
	return out
}

// SaveMoreUser 写入"同一卖家"缓存，并删除过期文件。
func (s *Store) SaveMoreUser(more map[string][]string) error {
	files := make(map[string][]model.MoreUserEntry)
	for id, others := range more {
		path := s.CachePathForLot(MoreUserDir, s.LotPathForID(id))
		refs := make([]model.UserRef, 0, len(others))
		for _, o := range others {
			refs = append(refs, model.UserRef{ID: o})
		}
		files[path] = append(files[path], model.MoreUserEntry{ID: id, MoreUser: refs})
	}
	for path, entries := range files {
		sort.Slice(entries, func(i, j int) bool { return lotIDLess(entries[i].ID, entries[j].ID) })
		if err := s.WriteJSON(path, entries); err != nil {
			return fmt.Errorf("save more_user: %w", err)
		}
	}
	removeStaleCache(s, MoreUserDir, files)
	return nil
}

// SavePrices 写入价格缓存，并删除过期文件。
func (s *Store) SavePrices(entries []model.PriceEntry) error {
	files := make(map[string][]model.PriceEntry)
	for _, e := range entries {
		path := s.CachePathForLot(PricesDir, s.LotPathForID(e.ID))
		files[path] = append(files[path], e)
	}
	for path, items := range files {
		sort.Slice(items, func(i, j int) bool { return lotIDLess(items[i].ID, items[j].ID) })
		if err := s.WriteJSON(path, items); err != nil {
			return fmt.Errorf("save prices: %w", err)
		}
	}
	removeStaleCache(s, PricesDir, files)
	return nil
}

// LoadPrices 读取价格缓存。
func (s *Store) LoadPrices() map[string]model.PriceEntry {
	out := make(map[string]model.PriceEntry)
	for _, path := range s.Walk(PricesDir, WalkOptions{Ext: ".json"}) {
		if filepath.Base(path) == RatesFile && filepath.Dir(path) == s.Dir(PricesDir) {
			continue
		}
		var items []model.PriceEntry
		if !s.ReadJSON(path, &items) {
			continue
		}
		for _, it := range items {
			out[it.ID] = it
		}
	}
	return out
}

// SaveRates 写入 AI 汇率。
func (s *Store) SaveRates(rates map[string]float64) error {
	return s.WriteJSON(filepath.Join(s.Dir(PricesDir), RatesFile), rates)
}

// LoadRates 读取 AI 汇率。
func (s *Store) LoadRates() map[string]float64 {
	rates := make(map[string]float64)
	s.ReadJSON(filepath.Join(s.Dir(PricesDir), RatesFile), &rates)
	return rates
}

// removeStaleCache 删除 dir 下不在 keep 中的缓存文件。
func removeStaleCache[T any](s *Store, dir string, keep map[string][]T) {
	rates := filepath.Join(s.Dir(PricesDir), RatesFile)
	removed := 0
	for _, path := range s.Walk(dir, WalkOptions{Ext: ".json"}) {
		if _, ok := keep[path]; ok || path == rates {
			continue
		}
		if s.Remove(path) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("removed stale cache files", slog.String("dir", dir), slog.Int("count", removed))
	}
}

// ReadProgress 读取聊天的同步进度（已完整同步到的时间点）。缺失或损坏时返回 false。
func (s *Store) ReadProgress(chat string) (time.Time, bool) {
	data, err := os.ReadFile(s.progressPath(chat))
	if err != nil {
		return time.Time{}, false
	}
	ts, ok := model.ParseTimestamp(strings.TrimSpace(string(data)))
	if !ok {
		s.logger.Warn("invalid progress file", slog.String("chat", chat))
		return time.Time{}, false
	}
	return ts, true
}

// WriteProgress 写入同步进度。
func (s *Store) WriteProgress(chat string, ts time.Time) error {
	if err := WriteFileAtomic(s.progressPath(chat), []byte(ts.Format(time.RFC3339))); err != nil {
		return err
	}
	s.logger.Info("saved progress", slog.String("chat", chat), slog.String("date", ts.Format(time.RFC3339)))
	return nil
}

func (s *Store) progressPath(chat string) string {
	return filepath.Join(s.Dir(StateDir), chat+".txt")
}

// BrokenMetaPath 返回元数据损坏消息清单的路径。
func (s *Store) BrokenMetaPath() string {
	return filepath.Join(s.Dir(OntologyDir), "broken_meta.json")
}

// lotIDLess 按路径再按数字序号比较 Lot ID。
func lotIDLess(a, b string) bool {
	pa, ia := splitLotID(a)
	pb, ib := splitLotID(b)
	if pa != pb {
		return pa < pb
	}
	return ia < ib
}

func splitLotID(id string) (string, int) {
	if i := strings.LastIndex(id, "-"); i > 0 {
		if n, err := strconv.Atoi(id[i+1:]); err == nil {
			return id[:i], n
		}
	}
	return id, 0
}
