package similar

import (
	"math"
	"sort"

	"marketfeed/internal/model"
)

// index 是暴力余弦近邻索引，向量在构建时归一化。
type index struct {
	ids  []string
	pos  map[string]int
	unit [][]float64
}

func newIndex(ids []string, vecs map[string][]float64) *index {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	ix := &index{ids: sorted, pos: make(map[string]int, len(sorted)), unit: make([][]float64, len(sorted))}
	for i, id := range sorted {
		ix.pos[id] = i
		ix.unit[i] = normalize(vecs[id])
	}
	return ix
}

func (ix *index) size() int { return len(ix.ids) }

// neighbors 返回 id 的 k-1 个最近邻（k 包含自身），按余弦距离升序。
// id 不在索引中时返回 nil。
func (ix *index) neighbors(id string, k int) []model.Neighbor {
	self, ok := ix.pos[id]
	if !ok {
		return nil
	}
	q := ix.unit[self]
	out := make([]model.Neighbor, 0, len(ix.ids)-1)
	for i, v := range ix.unit {
		if i == self {
			continue
		}
		out = append(out, model.Neighbor{ID: ix.ids[i], Dist: cosineDistance(q, v)})
	}
	sortNeighbors(out)
	if limit := k - 1; len(out) > limit {
		out = out[:max(limit, 0)]
	}
	return out
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return nil
	}
	n := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// cosineDistance 计算两个单位向量的余弦距离；零向量或维度不同视为不相关（距离 1）。
func cosineDistance(a, b []float64) float64 {
	if a == nil || b == nil || len(a) != len(b) {
		return 1
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	d := 1 - dot
	if d < 0 {
		return 0
	}
	return d
}
