package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"marketfeed/internal/model"
)

// EmbeddingFormat 描述向量文件的格式。
type EmbeddingFormat int

const (
	EmbeddingMissing EmbeddingFormat = iota
	EmbeddingCorrupt
	EmbeddingObject // 旧版单对象 {id, vec}
	EmbeddingArray  // [{id, vec}, ...]
)

// ReadEmbeddings 读取向量文件并返回记录与格式。
func (s *Store) ReadEmbeddings(path string) ([]model.EmbeddingRecord, EmbeddingFormat) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read embeddings failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil, EmbeddingCorrupt
		}
		return nil, EmbeddingMissing
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, EmbeddingCorrupt
	}
	switch trimmed[0] {
	case '{':
		var rec model.EmbeddingRecord
		if err := json.Unmarshal(trimmed, &rec); err != nil || rec.ID == "" || len(rec.Vec) == 0 {
			return nil, EmbeddingCorrupt
		}
		return []model.EmbeddingRecord{rec}, EmbeddingObject
	case '[':
		var recs []model.EmbeddingRecord
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, EmbeddingCorrupt
		}
		for _, r := range recs {
			if r.ID == "" || len(r.Vec) == 0 {
				return nil, EmbeddingCorrupt
			}
		}
		return recs, EmbeddingArray
	default:
		return nil, EmbeddingCorrupt
	}
}

// WriteEmbeddings 以数组格式整体写入向量。
func (s *Store) WriteEmbeddings(path string, recs []model.EmbeddingRecord) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("marshal embeddings: %w", err)
	}
	if err := WriteFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write embeddings: %w", err)
	}
	s.logger.Debug("wrote embeddings", slog.String("path", path), slog.Int("count", len(recs)))
	return nil
}

// LoadAllEmbeddings 返回 Lot ID 到向量的映射。
func (s *Store) LoadAllEmbeddings() map[string][]float64 {
	out := make(map[string][]float64)
	for _, path := range s.Walk(VectorsDir, WalkOptions{Ext: ".json"}) {
		recs, format := s.ReadEmbeddings(path)
		if format == EmbeddingCorrupt {
			s.logger.Error("bad embedding file", slog.String("file", path))
			continue
		}
		for _, r := range recs {
			out[r.ID] = r.Vec
		}
	}
	s.logger.Info("loaded embeddings", slog.Int("count", len(out)))
	return out
}
