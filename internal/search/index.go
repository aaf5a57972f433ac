// Package search 维护已发布 Lot 的全文索引。
package search

import (
	"errors"
	"fmt"
	"time"

	"marketfeed/internal/model"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Index 封装 Bleve 索引。
type Index struct {
	index bleve.Index
}

// Document 是索引中的一条 Lot。
type Document struct {
	ID          string
	Title       string
	Description string
	Seller      string
	Chat        string
	Deal        string
	AIPrice     float64
	PostedAt    time.Time
}

// Hit 是一条搜索结果。
type Hit struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Score     float64             `json:"score"`
	Fragments map[string][]string `json:"fragments,omitempty"`
}

// Open 打开或创建磁盘索引。
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Index{index: idx}, nil
}

// NewMemOnly 创建内存索引（测试与一次性命令使用）。
func NewMemOnly() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create memory index: %w", err)
	}
	return &Index{index: idx}, nil
}

// buildIndexMapping 标题与描述使用标准分析器（多语言文本不做词干化），
// 卖家、聊天与交易类型按关键词精确匹配。
func buildIndexMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = "standard"

	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("Title", text)
	doc.AddFieldMappingsAt("Description", text)
	doc.AddFieldMappingsAt("Seller", keyword)
	doc.AddFieldMappingsAt("Chat", keyword)
	doc.AddFieldMappingsAt("Deal", keyword)
	doc.AddFieldMappingsAt("AIPrice", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt("PostedAt", bleve.NewDateTimeFieldMapping())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// FromCatalog 由目录镜像构造索引文档。
func FromCatalog(l *model.CatalogLot) *Document {
	return &Document{
		ID:          l.LotID,
		Title:       l.Title,
		Description: l.Description,
		Seller:      l.Seller,
		Chat:        l.Chat,
		Deal:        l.Deal,
		AIPrice:     l.AIPrice,
		PostedAt:    l.PostedAt,
	}
}

// Close 关闭索引。
func (i *Index) Close() error { return i.index.Close() }

// IndexDocument 添加或覆盖一条文档。
func (i *Index) IndexDocument(doc *Document) error {
	return i.index.Index(doc.ID, doc)
}

// IndexBatch 批量写入文档。
func (i *Index) IndexBatch(docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := i.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, d); err != nil {
			return fmt.Errorf("batch index %s: %w", d.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Delete 删除文档。
func (i *Index) Delete(id string) error { return i.index.Delete(id) }

// Search 执行查询字符串搜索（支持引号、布尔运算符、模糊 ~），结果带高亮片段。
func (i *Index) Search(queryStr string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	query := bleve.NewQueryStringQuery(queryStr)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Fields = []string{"Title"}

	res, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score, Fragments: h.Fragments}
		if title, ok := h.Fields["Title"].(string); ok {
			hit.Title = title
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count 返回文档数量。
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}
