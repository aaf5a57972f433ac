// Package ontology 统计 Lot 字段的取值分布，输出人工复核用的清单。
//
// 输出位于 <data>/ontology/：
//
//	fields.json      字段 → 取值 → 次数（不含易变字段与多语言文本）
//	misparsed.json   缺少任一语言标题或描述的 Lot
//	fraud.json       被标记为欺诈的 Lot
//	<field>.json     每个多语言文本字段的取值 → 次数
package ontology

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"marketfeed/internal/model"
	"marketfeed/internal/store"
)

// 输出文件名。
const (
	FieldsFile    = "fields.json"
	MisparsedFile = "misparsed.json"
	FraudFile     = "fraud.json"
)

var skipFields = map[string]struct{}{
	model.KeyTimestamp: {},
	model.KeyContactTG: {},
	model.KeyFiles:     {},
}

var skipPrefixes = []string{"source:", "title_", "description_"}

// Flagged 是复核清单中的一项。
type Flagged struct {
	ID   string         `json:"id"`
	File string         `json:"file"`
	Lot  map[string]any `json:"lot"`
}

// Result 是一次扫描的统计结果。
type Result struct {
	Fields    map[string]map[string]int
	Misparsed []Flagged
	Fraud     []Flagged
	Values    map[string]map[string]int // 多语言文本字段 → 取值 → 次数
}

// ReviewFields 返回需要逐值复核的多语言字段。
func ReviewFields(langs []string) []string {
	out := make([]string, 0, 2*len(langs))
	for _, l := range langs {
		out = append(out, "title_"+l, "description_"+l)
	}
	return out
}

// Collect 统计 lots。lots 需要带有运行时 ID 与 File。
func Collect(lots []*model.Lot, langs []string, root string) Result {
	review := ReviewFields(langs)
	r := Result{
		Fields: make(map[string]map[string]int),
		Values: make(map[string]map[string]int, len(review)),
	}
	for _, f := range review {
		r.Values[f] = make(map[string]int)
	}
	for _, l := range lots {
		flat := l.ToMap()
		flagged := Flagged{ID: l.ID, File: relTo(root, l.File), Lot: flat}
		if !l.Complete(langs) {
			r.Misparsed = append(r.Misparsed, flagged)
		}
		if l.Fraud != "" {
			r.Fraud = append(r.Fraud, flagged)
		}
		for _, f := range review {
			if v, ok := flat[f].(string); ok {
				r.Values[f][v]++
			}
		}
		for k, v := range flat {
			if skipped(k) {
				continue
			}
			counts := r.Fields[k]
			if counts == nil {
				counts = make(map[string]int)
				r.Fields[k] = counts
			}
			counts[valueKey(v)]++
		}
	}
	return r
}

func skipped(key string) bool {
	if _, ok := skipFields[key]; ok {
		return true
	}
	for _, p := range skipPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// valueKey 把取值转成统计键：字符串原样，其余用紧凑 JSON。
func valueKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func relTo(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

// Scanner 扫描存储并写出复核清单。
type Scanner struct {
	store  *store.Store
	langs  []string
	logger *slog.Logger
}

// NewScanner 创建 Scanner。
func NewScanner(st *store.Store, langs []string, logger *slog.Logger) *Scanner {
	return &Scanner{store: st, langs: langs, logger: logger}
}

// Dir 返回输出目录。
func (s *Scanner) Dir() string { return s.store.Dir(store.OntologyDir) }

// Run 扫描全部 Lot 并写出统计文件。
func (s *Scanner) Run(ctx context.Context) (Result, error) {
	var lots []*model.Lot
	for _, path := range s.store.WalkLots(false) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		lots = append(lots, s.store.ReadLots(path)...)
	}
	s.logger.Info("scanning ontology", slog.Int("lots", len(lots)))

	r := Collect(lots, s.langs, s.store.Dir(store.LotsDir))
	outputs := map[string]any{
		FieldsFile:    r.Fields,
		MisparsedFile: nonNil(r.Misparsed),
		FraudFile:     nonNil(r.Fraud),
	}
	for f, values := range r.Values {
		outputs[f+".json"] = values
	}
	for name, v := range outputs {
		if err := s.store.WriteJSON(filepath.Join(s.Dir(), name), v); err != nil {
			return r, fmt.Errorf("write ontology %s: %w", name, err)
		}
	}
	s.logger.Info("ontology written",
		slog.String("dir", s.Dir()),
		slog.Int("fields", len(r.Fields)),
		slog.Int("misparsed", len(r.Misparsed)),
		slog.Int("fraud", len(r.Fraud)))
	return r, nil
}

func nonNil(items []Flagged) []Flagged {
	if items == nil {
		return []Flagged{}
	}
	return items
}
