// Package album 把同一相册的多条消息合并为一个存储记录。
//
// 相册的各部分以任意顺序、可能跨进程重启到达。第一个被处理的部分决定存储路径，
// 后续部分都合并到该文件。合并规则对文件列表和正文是可交换的，因此最终结果与到达顺序无关。
package album

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"marketfeed/internal/model"
	"marketfeed/internal/store"
)

// Index 维护 (chat, group id) → 存储路径的映射。
//
// 内存命中是快速路径；未命中时扫描该聊天的全部原始消息读取 group_id 头部，结果按聊天缓存。
type Index struct {
	store  *store.Store
	logger *slog.Logger

	mu      sync.Mutex
	groups  map[string]map[int64]string
	scanned map[string]bool
}

// NewIndex 创建 Index。
func NewIndex(st *store.Store, logger *slog.Logger) *Index {
	if logger == nil {
		logger = st.Logger()
	}
	return &Index{
		store:   st,
		logger:  logger,
		groups:  make(map[string]map[int64]string),
		scanned: make(map[string]bool),
	}
}

// Lookup 返回相册已选定的存储路径。
func (ix *Index) Lookup(chat string, groupID int64) (string, bool) {
	if groupID == 0 {
		return "", false
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if path, ok := ix.groups[chat][groupID]; ok {
		return path, true
	}
	if ix.scanned[chat] {
		return "", false
	}
	found := ix.scan(chat)
	ix.scanned[chat] = true
	m := ix.chatGroups(chat)
	for id, path := range found {
		if _, ok := m[id]; !ok {
			m[id] = path
		}
	}
	path, ok := m[groupID]
	return path, ok
}

// Remember 记录相册的存储路径。
func (ix *Index) Remember(chat string, groupID int64, path string) {
	if groupID == 0 {
		return
	}
	ix.mu.Lock()
	ix.chatGroups(chat)[groupID] = path
	ix.mu.Unlock()
}

// Forget 删除相册记录（消息被删除时调用）。
func (ix *Index) Forget(chat string, groupID int64) {
	ix.mu.Lock()
	delete(ix.groups[chat], groupID)
	ix.mu.Unlock()
}

func (ix *Index) chatGroups(chat string) map[int64]string {
	m, ok := ix.groups[chat]
	if !ok {
		m = make(map[int64]string)
		ix.groups[chat] = m
	}
	return m
}

// scan 读取聊天下所有原始消息的 group_id 头部。
func (ix *Index) scan(chat string) map[int64]string {
	out := make(map[int64]string)
	files := ix.store.Walk(filepath.Join(store.RawDir, chat), store.WalkOptions{Ext: ".md"})
	for _, path := range files {
		v := store.ReadHeader(path)["group_id"]
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id == 0 {
			ix.logger.Debug("bad group id", slog.String("file", path))
			continue
		}
		if prev, ok := out[id]; !ok || path < prev {
			out[id] = path
		}
	}
	ix.logger.Debug("scanned groups", slog.String("chat", chat), slog.Int("groups", len(out)))
	return out
}

// Merge 把相册的新部分合并到已存储的记录中，不修改输入。
//
// 规则：
//   - 文件取并集并去重，按所属消息 ID、再按首次出现顺序排列；
//   - 正文取携带非空正文的最小 ID 部分，同一部分的编辑以新内容为准；
//   - ID 取最小值，Date 随最小 ID 部分；
//   - 其余字段以后到者为准（空值不覆盖）；
//   - 合并后有文件时清除 skipped_media。
func Merge(prev, next *model.Post) *model.Post {
	if prev == nil {
		return next.Clone()
	}
	if next == nil {
		return prev.Clone()
	}
	out := prev.Clone()
	overlay(out, next)

	if next.ID != 0 && (out.ID == 0 || next.ID < prev.ID) {
		out.ID = next.ID
		out.Date = next.Date
	} else {
		out.ID = prev.ID
		out.Date = prev.Date
	}

	out.Text, out.TextID = mergeText(prev, next)
	if out.TextID == out.ID {
		out.TextID = 0
	}

	out.Files, out.FileIDs = mergeFiles(prev, next)
	if len(out.Files) > 0 {
		out.SkippedMedia = ""
	} else if out.SkippedMedia == "" {
		out.SkippedMedia = prev.SkippedMedia
	}
	return out
}

func mergeText(prev, next *model.Post) (string, int64) {
	switch {
	case next.Text == "":
		return prev.Text, prev.TextOwner()
	case prev.Text == "":
		return next.Text, next.TextOwner()
	case next.TextOwner() <= prev.TextOwner():
		return next.Text, next.TextOwner()
	default:
		return prev.Text, prev.TextOwner()
	}
}

type fileRef struct {
	path  string
	owner int64
	order int
}

func mergeFiles(prev, next *model.Post) ([]string, []int64) {
	seen := make(map[string]*fileRef)
	var refs []*fileRef
	add := func(p *model.Post) {
		for i, f := range p.Files {
			owner := p.OwnerOf(i)
			if r, ok := seen[f]; ok {
				if owner < r.owner {
					r.owner = owner
				}
				continue
			}
			r := &fileRef{path: f, owner: owner}
			seen[f] = r
			refs = append(refs, r)
		}
	}
	add(prev)
	add(next)
	if len(refs) == 0 {
		return nil, nil
	}
	// 同一部分内部保持原顺序，与到达顺序无关。
	for _, p := range []*model.Post{prev, next} {
		for i, f := range p.Files {
			if r := seen[f]; r.owner == p.OwnerOf(i) {
				r.order = i
			}
		}
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].owner != refs[j].owner {
			return refs[i].owner < refs[j].owner
		}
		return refs[i].order < refs[j].order
	})
	files := make([]string, len(refs))
	owners := make([]int64, len(refs))
	for i, r := range refs {
		files[i] = r.path
		owners[i] = r.owner
	}
	return files, owners
}

// overlay 把 next 的非空元数据覆盖到 dst。
func overlay(dst, next *model.Post) {
	setStr := func(d *string, v string) {
		if v != "" {
			*d = v
		}
	}
	setInt := func(d *int64, v int64) {
		if v != 0 {
			*d = v
		}
	}
	setStr(&dst.Chat, next.Chat)
	setInt(&dst.Sender, next.Sender)
	setStr(&dst.SenderUsername, next.SenderUsername)
	setStr(&dst.SenderName, next.SenderName)
	setStr(&dst.SenderPhone, next.SenderPhone)
	setStr(&dst.PostAuthor, next.PostAuthor)
	setStr(&dst.TGLink, next.TGLink)
	setInt(&dst.SenderChat, next.SenderChat)
	setStr(&dst.SenderChatTitle, next.SenderChatTitle)
	setInt(&dst.FwdFromID, next.FwdFromID)
	setStr(&dst.FwdFromName, next.FwdFromName)
	if next.AuthorType != "" {
		dst.AuthorType = next.AuthorType
	}
	setInt(&dst.ReplyTo, next.ReplyTo)
	setInt(&dst.GroupID, next.GroupID)
	dst.IsAdmin = dst.IsAdmin || next.IsAdmin
	setStr(&dst.SkippedMedia, next.SkippedMedia)
	for k, v := range next.Extra {
		if dst.Extra == nil {
			dst.Extra = make(map[string]string)
		}
		dst.Extra[k] = v
	}
}
