package model

// EmbeddingRecord 是一个 Lot 的向量。
type EmbeddingRecord struct {
	ID  string    `json:"id"`
	Vec []float64 `json:"vec"`
}

// Neighbor 是相似度缓存中的一项，Dist 为余弦距离。
type Neighbor struct {
	ID   string  `json:"id"`
	Dist float64 `json:"dist"`
}

// SimilarEntry 是 similar/ 缓存文件中的一项。
type SimilarEntry struct {
	ID      string     `json:"id"`
	Similar []Neighbor `json:"similar"`
}

// UserRef 只携带 ID。
type UserRef struct {
	ID string `json:"id"`
}

// MoreUserEntry 是 more_user/ 缓存文件中的一项。
type MoreUserEntry struct {
	ID       string    `json:"id"`
	MoreUser []UserRef `json:"more_user"`
}

// PriceEntry 是 prices/ 缓存文件中的一项。
type PriceEntry struct {
	ID       string   `json:"id"`
	AIPrice  *float64 `json:"ai_price,omitempty"`
	Currency string   `json:"price:currency,omitempty"`
}

// MediaMeta 是媒体文件的元数据旁车。
type MediaMeta struct {
	MessageID int64
	Date      string
	Original  string
}

// Caption 是多语言图片描述，键为语言代码。
type Caption map[string]string
