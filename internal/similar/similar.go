package similar

import (
	"sort"

	"marketfeed/internal/model"
)

const (
	// neighborK 是全局近邻查询的 k（包含自身）。
	neighborK = MaxNeighbors + 1
	// MaxMoreUser 是"同一卖家"列表的上限。
	MaxMoreUser = 20
	userK       = MaxMoreUser + 1
)

// Compute 为 newIDs 计算近邻并写入 cache，同时把结果互惠插入到近邻的列表中。
//
// vecs 只应包含仍然有效的 Lot。没有向量的 ID 得到空列表。
func Compute(cache *Cache, newIDs []string, vecs map[string][]float64) {
	ids := make([]string, 0, len(vecs))
	for id, v := range vecs {
		if len(v) > 0 {
			ids = append(ids, id)
		}
	}
	ix := newIndex(ids, vecs)
	k := min(neighborK, ix.size())

	todo := append([]string(nil), newIDs...)
	sort.Strings(todo)
	for _, id := range todo {
		sims := ix.neighbors(id, k)
		cache.Set(id, sims)
		cache.InsertReciprocal(id, sims)
	}
}

// ByUser 为每个至少有两个 Lot 的卖家建立独立的近邻索引。
//
// 只在同一卖家的 Lot 之间查找，最多返回 MaxMoreUser 个 ID。
func ByUser(lots []*model.Lot, vecs map[string][]float64) map[string][]string {
	groups := make(map[string][]string)
	for _, l := range lots {
		seller := l.Seller()
		if seller == "" || len(vecs[l.ID]) == 0 {
			continue
		}
		groups[seller] = append(groups[seller], l.ID)
	}

	out := make(map[string][]string)
	for _, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		ix := newIndex(ids, vecs)
		k := min(userK, ix.size())
		for _, id := range ids {
			neighbors := ix.neighbors(id, k)
			more := make([]string, len(neighbors))
			for i, n := range neighbors {
				more[i] = n.ID
			}
			out[id] = more
		}
	}
	return out
}

// NewIDs 返回需要计算近邻的 ID：缓存中没有的，以及缓存为空但现在已有向量的。
func NewIDs(cache *Cache, live map[string]struct{}, vecs map[string][]float64) []string {
	withVec := 0
	for id := range live {
		if len(vecs[id]) > 0 {
			withVec++
		}
	}
	var out []string
	for id := range live {
		list, ok := cache.Get(id)
		switch {
		case !ok:
			out = append(out, id)
		case len(list) == 0 && len(vecs[id]) > 0 && withVec > 1:
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
