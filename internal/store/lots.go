package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"marketfeed/internal/model"
)

// Lot 写入边界上的不变量错误。
var (
	ErrLotTimestamp = errors.New("lot has no valid timestamp")
	ErrLotSeller    = errors.New("lot has no seller")
)

// Gate 是存储层用来过滤已审核内容的判定接口。
type Gate interface {
	ShouldSkipMessage(p *model.Post) bool
	ShouldSkipLot(l *model.Lot) bool
}

// ValidateLot 检查 Lot 写入前必须满足的不变量。
func ValidateLot(l *model.Lot, now time.Time) error {
	if _, ok := l.Time(now.Add(clockSkew)); !ok {
		return ErrLotTimestamp
	}
	if l.Seller() == "" {
		return ErrLotSeller
	}
	return nil
}

// WriteLots 校验并整体写入 Lot 数组。空字段在序列化时被丢弃。
func (s *Store) WriteLots(path string, lots []*model.Lot) error {
	now := time.Now()
	for i, l := range lots {
		if err := ValidateLot(l, now); err != nil {
			return fmt.Errorf("write lots %s: lot %d: %w", path, i, err)
		}
	}
	if lots == nil {
		lots = []*model.Lot{}
	}
	if err := s.WriteJSON(path, lots); err != nil {
		return fmt.Errorf("write lots %s: %w", path, err)
	}
	return nil
}

// ReadLots 读取 Lot 文件，接受单个对象或数组。文件缺失或损坏时返回 nil。
//
// 返回的 Lot 已填充运行时字段 ID 与 File。
func (s *Store) ReadLots(path string) []*model.Lot {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read lots failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	}
	lots, err := decodeLots(data)
	if err != nil {
		s.logger.Error("parse lots failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	for i, l := range lots {
		l.ID = s.LotID(path, i)
		l.File = path
	}
	return lots
}

func decodeLots(data []byte) ([]*model.Lot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty file")
	}
	if trimmed[0] == '{' {
		var l model.Lot
		if err := json.Unmarshal(trimmed, &l); err != nil {
			return nil, err
		}
		return []*model.Lot{&l}, nil
	}
	var lots []*model.Lot
	if err := json.Unmarshal(trimmed, &lots); err != nil {
		return nil, err
	}
	for i, l := range lots {
		if l == nil {
			return nil, fmt.Errorf("lot %d is not an object", i)
		}
	}
	return lots, nil
}

// LoadLiveLots 返回所有通过审核的 Lot。
//
// 如果 Lot 的原始消息仍然存在，会一并检查消息本身是否应被跳过。
func (s *Store) LoadLiveLots(gate Gate) []*model.Lot {
	var out []*model.Lot
	for _, path := range s.Walk(LotsDir, WalkOptions{Ext: ".json"}) {
		lots := s.ReadLots(path)
		if len(lots) == 0 {
			continue
		}
		if gate != nil && s.sourceSkipped(gate, lots[0]) {
			continue
		}
		for _, l := range lots {
			if gate != nil && gate.ShouldSkipLot(l) {
				continue
			}
			out = append(out, l)
		}
	}
	s.logger.Info("loaded lots", slog.Int("count", len(out)))
	return out
}

func (s *Store) sourceSkipped(gate Gate, l *model.Lot) bool {
	if l.Source.Path == "" {
		return false
	}
	raw := s.RawFromRel(l.Source.Path)
	if !Exists(raw) {
		return false
	}
	p := s.ReadPost(raw)
	return p != nil && gate.ShouldSkipMessage(p)
}

// RemoveLotFile 删除 Lot 文件及其向量。
func (s *Store) RemoveLotFile(lotPath string) {
	if s.Remove(lotPath) {
		s.logger.Info("deleted lot", slog.String("file", lotPath))
	}
	if vec := s.EmbeddingPathForLot(lotPath); vec != "" && s.Remove(vec) {
		s.logger.Info("deleted embedding", slog.String("file", vec))
	}
}
