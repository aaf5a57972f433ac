// Package stage 判断哪些存储条目需要（重新）处理，并校验各阶段输出是否齐全。
//
// 所有列表都以绝对路径返回，按 mtime 从新到旧排序，使最近的消息优先处理。
package stage

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"marketfeed/internal/model"
	"marketfeed/internal/moderation"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/store"
)

// 阶段名称。
const (
	Captions   = "captions"
	Lots       = "lots"
	Embeddings = "vectors"
)

// AllChecks 是 Validate 默认执行的检查。
var AllChecks = []string{Captions, Lots, Embeddings}

// reportLimit 是每项检查逐条记录的缺失数上限。
const reportLimit = 20

// Stale 判断输出是否需要重新生成：输出不存在，或比源文件旧。
func Stale(src, out string) bool {
	outTime, ok := store.ModTime(out)
	if !ok {
		return true
	}
	srcTime, ok := store.ModTime(src)
	if !ok {
		return false
	}
	return outTime.Before(srcTime)
}

// Detector 基于存储与审核规则列出待处理条目。
type Detector struct {
	store  *store.Store
	gate   *moderation.Gate
	logger *slog.Logger
}

// NewDetector 创建 Detector。
func NewDetector(st *store.Store, gate *moderation.Gate, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = st.Logger()
	}
	if gate == nil {
		gate = moderation.New(nil, nil, nil)
	}
	return &Detector{store: st, gate: gate, logger: logger}
}

// Pending 按阶段名返回待处理列表。
func (d *Detector) Pending(name string) ([]string, error) {
	var out []string
	switch name {
	case Captions:
		out = d.PendingCaptions()
	case Lots:
		out = d.PendingLots()
	case Embeddings:
		out = d.PendingEmbeddings()
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	metrics.StagePending.WithLabelValues(name).Set(float64(len(out)))
	return out, nil
}

// PendingCaptions 返回缺少描述的图片。
//
// 如果图片所属消息（通过元数据中的 message_id 或消息的 files 头部定位）未通过审核，则跳过。
func (d *Detector) PendingCaptions() []string {
	var out []string
	owners := make(map[string]map[string]string)
	for _, path := range d.store.WalkMedia(true) {
		if store.IsSidecar(path) || !store.IsImage(path) {
			continue
		}
		if captionFile, ok := store.CaptionFile(path); ok && !Stale(path, captionFile) {
			continue
		}
		if reason := d.mediaSkipReason(path, owners); reason != "" {
			d.logger.Debug("skip caption", slog.String("path", path), slog.String("reason", reason))
			continue
		}
		out = append(out, path)
	}
	return out
}

// mediaSkipReason 查找媒体所属消息并返回其审核结果。
//
// 相册的后续部分合并在第一个部分的文件里，<message_id>.md 不存在，
// 这时按聊天反查 files 头部。owners 缓存每个聊天的反查结果。
func (d *Detector) mediaSkipReason(mediaPath string, owners map[string]map[string]string) string {
	rel := d.store.MediaRel(mediaPath)
	if rel == "" {
		return ""
	}
	raw := ""
	if meta, ok := d.store.ReadMediaMeta(mediaPath); ok && meta.MessageID != 0 {
		candidate := d.store.RawFromRel(filepath.ToSlash(filepath.Join(filepath.Dir(rel), fmt.Sprintf("%d.md", meta.MessageID))))
		if store.Exists(candidate) {
			raw = candidate
		}
	}
	if raw == "" {
		chat, _, _ := strings.Cut(rel, "/")
		byFile, ok := owners[chat]
		if !ok {
			byFile = d.mediaOwners(chat)
			owners[chat] = byFile
		}
		if raw = byFile[rel]; raw == "" {
			return ""
		}
	}
	return d.gate.MessageSkipReason(d.store.ReadPost(raw))
}

// mediaOwners 读取聊天下所有原始消息的 files 头部，返回 媒体相对路径 → 原始消息路径。
func (d *Detector) mediaOwners(chat string) map[string]string {
	out := make(map[string]string)
	for _, raw := range d.store.Walk(filepath.Join(store.RawDir, chat), store.WalkOptions{Ext: ".md"}) {
		files, err := store.ParseFileList(store.ReadHeader(raw)["files"])
		if err != nil {
			d.logger.Debug("bad files header", slog.String("path", raw))
			continue
		}
		for _, f := range files {
			if _, ok := out[f]; !ok {
				out[f] = raw
			}
		}
	}
	return out
}

// PendingLots 返回需要抽取 Lot 的原始消息。
func (d *Detector) PendingLots() []string {
	var out []string
	for _, raw := range d.store.WalkRaw(true) {
		if !Stale(raw, d.store.LotPathForRaw(raw)) {
			continue
		}
		p := d.store.ReadPost(raw)
		if p == nil {
			d.logger.Warn("unreadable post", slog.String("path", raw))
			continue
		}
		if reason := d.gate.MessageSkipReason(p); reason != "" {
			d.logger.Debug("skip chop", slog.String("path", raw), slog.String("reason", reason))
			continue
		}
		out = append(out, raw)
	}
	return out
}

// PendingEmbeddings 返回需要生成向量的 Lot 文件。
//
// 检查过程中会修复向量文件：旧版单对象且只有一个 Lot 时升级为数组；
// 内容损坏或数量与 Lot 不一致时删除。
func (d *Detector) PendingEmbeddings() []string {
	var out []string
	for _, lotPath := range d.store.WalkLots(true) {
		lots := d.store.ReadLots(lotPath)
		if len(lots) == 0 {
			continue
		}
		if reason := d.lotSkipReason(lots); reason != "" {
			d.logger.Debug("skip embed", slog.String("path", lotPath), slog.String("reason", reason))
			continue
		}
		if d.needsEmbedding(lotPath, len(lots)) {
			out = append(out, lotPath)
		}
	}
	return out
}

func (d *Detector) lotSkipReason(lots []*model.Lot) string {
	if src := lots[0].Source.Path; src != "" {
		raw := d.store.RawFromRel(src)
		if store.Exists(raw) {
			if reason := d.gate.MessageSkipReason(d.store.ReadPost(raw)); reason != "" {
				return reason
			}
		}
	}
	for _, l := range lots {
		if reason := d.gate.LotSkipReason(l); reason != "" {
			return "lot:" + reason
		}
	}
	return ""
}

func (d *Detector) needsEmbedding(lotPath string, count int) bool {
	vecPath := d.store.EmbeddingPathForLot(lotPath)
	if Stale(lotPath, vecPath) {
		return true
	}
	recs, format := d.store.ReadEmbeddings(vecPath)
	switch format {
	case store.EmbeddingMissing:
		return true
	case store.EmbeddingObject:
		if count == 1 {
			if err := d.store.WriteEmbeddings(vecPath, recs); err != nil {
				d.logger.Error("upgrade embedding failed", slog.String("path", vecPath), slog.String("error", err.Error()))
				return true
			}
			d.logger.Info("upgraded legacy embedding", slog.String("path", vecPath))
			return false
		}
	case store.EmbeddingArray:
		if len(recs) == count {
			return false
		}
	}
	d.logger.Warn("removing invalid embedding", slog.String("path", vecPath), slog.Int("lots", count), slog.Int("vectors", len(recs)))
	d.store.Remove(vecPath)
	return true
}

// Issue 是一条缺失输出记录。
type Issue struct {
	Check  string
	Source string
	Output string
}

// Validate 执行校验并返回所有缺失项。checks 为空时执行全部检查。
//
// 每项检查最多逐条记录 reportLimit 条，其余只记录数量。
func (d *Detector) Validate(checks ...string) ([]Issue, error) {
	if len(checks) == 0 {
		checks = AllChecks
	}
	var all []Issue
	for _, check := range checks {
		var issues []Issue
		switch check {
		case Captions:
			issues = d.missingCaptions()
		case Lots:
			issues = d.missingLots()
		case Embeddings:
			issues = d.missingEmbeddings()
		default:
			return nil, fmt.Errorf("unknown check %q", check)
		}
		d.report(check, issues)
		all = append(all, issues...)
	}
	return all, nil
}

func (d *Detector) report(check string, issues []Issue) {
	if len(issues) == 0 {
		return
	}
	for i, is := range issues {
		if i == reportLimit {
			d.logger.Warn("further missing outputs omitted", slog.String("check", check), slog.Int("count", len(issues)-reportLimit))
			break
		}
		d.logger.Error("missing output", slog.String("check", check), slog.String("source", is.Source), slog.String("output", is.Output))
	}
	d.logger.Warn("missing "+check, slog.Int("count", len(issues)))
}

func (d *Detector) missingCaptions() []Issue {
	var out []Issue
	for _, path := range d.store.WalkMedia(false) {
		if store.IsSidecar(path) || !store.IsImage(path) || store.HasCaption(path) {
			continue
		}
		out = append(out, Issue{Check: Captions, Source: path, Output: store.CaptionPath(path)})
	}
	return out
}

func (d *Detector) missingLots() []Issue {
	var out []Issue
	for _, raw := range d.store.WalkRaw(false) {
		lot := d.store.LotPathForRaw(raw)
		if store.Exists(lot) {
			continue
		}
		if p := d.store.ReadPost(raw); p != nil && d.gate.ShouldSkipMessage(p) {
			continue
		}
		out = append(out, Issue{Check: Lots, Source: raw, Output: lot})
	}
	return out
}

func (d *Detector) missingEmbeddings() []Issue {
	var out []Issue
	for _, lotPath := range d.store.WalkLots(false) {
		vec := d.store.EmbeddingPathForLot(lotPath)
		if !Stale(lotPath, vec) {
			continue
		}
		out = append(out, Issue{Check: Embeddings, Source: lotPath, Output: vec})
	}
	return out
}

// WriteNUL 以 NUL 分隔输出路径，便于 xargs -0 消费。
func WriteNUL(w io.Writer, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := io.WriteString(w, strings.Join(paths, "\x00")+"\x00")
	return err
}
