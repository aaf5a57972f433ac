// Package similar 维护 Lot 的近邻缓存与"同一卖家"索引。
//
// 近邻计算会修改其他 Lot 的缓存（互惠插入），所以所有修改都通过显式传入的 *Cache 进行。
package similar

import (
	"sort"

	"marketfeed/internal/model"
)

// MaxNeighbors 是每个 Lot 缓存的近邻上限。
const MaxNeighbors = 6

// Cache 是可变的近邻缓存：Lot ID → 按距离升序的近邻列表。
type Cache struct {
	entries map[string][]model.Neighbor
}

// NewCache 包装已加载的缓存。entries 会被原地修改。
func NewCache(entries map[string][]model.Neighbor) *Cache {
	if entries == nil {
		entries = make(map[string][]model.Neighbor)
	}
	return &Cache{entries: entries}
}

// Get 返回 id 的近邻列表及其是否存在。
func (c *Cache) Get(id string) ([]model.Neighbor, bool) {
	n, ok := c.entries[id]
	return n, ok
}

// Set 整体替换 id 的近邻列表。
func (c *Cache) Set(id string, neighbors []model.Neighbor) {
	if neighbors == nil {
		neighbors = []model.Neighbor{}
	}
	c.entries[id] = neighbors
}

// Len 返回条目数。
func (c *Cache) Len() int { return len(c.entries) }

// Entries 返回底层映射，用于持久化。
func (c *Cache) Entries() map[string][]model.Neighbor { return c.entries }

// Prune 删除不在 live 中的条目，以及列表中指向它们的引用。
//
// 返回值:
//   - int: 删除的条目数
func (c *Cache) Prune(live map[string]struct{}) int {
	removed := 0
	for id := range c.entries {
		if _, ok := live[id]; !ok {
			delete(c.entries, id)
			removed++
		}
	}
	for id, list := range c.entries {
		kept := list[:0]
		for _, n := range list {
			if _, ok := live[n.ID]; ok {
				kept = append(kept, n)
			}
		}
		c.entries[id] = kept
	}
	return removed
}

// InsertReciprocal 把 (id, dist) 插入 neighbors 中每个 Lot 的列表。
//
// 已存在的引用更新距离；列表保持升序并截断到 MaxNeighbors。
func (c *Cache) InsertReciprocal(id string, neighbors []model.Neighbor) {
	for _, n := range neighbors {
		list := c.entries[n.ID]
		found := false
		for i := range list {
			if list[i].ID == id {
				list[i].Dist = n.Dist
				found = true
				break
			}
		}
		if !found {
			list = append(list, model.Neighbor{ID: id, Dist: n.Dist})
		}
		sortNeighbors(list)
		if len(list) > MaxNeighbors {
			list = list[:MaxNeighbors]
		}
		c.entries[n.ID] = list
	}
}

func sortNeighbors(list []model.Neighbor) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Dist != list[j].Dist {
			return list[i].Dist < list[j].Dist
		}
		return list[i].ID < list[j].ID
	})
}
