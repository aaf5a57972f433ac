package model

import (
	"time"
)

// CatalogLot 是发布到目录库中的 Lot 镜像。
//
// LotID 与文件存储中的 Lot ID 相同，用于去重与回溯。
// 每次 publish 都会整体覆盖对应行，目录库不是事实来源。
type CatalogLot struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 首次发布时间
	UpdatedAt time.Time // 最近一次发布时间

	LotID       string    `gorm:"type:varchar(191);uniqueIndex;not null"` // 文件存储中的 Lot ID
	Chat        string    `gorm:"type:varchar(128);index"`                // 来源聊天
	Seller      string    `gorm:"type:varchar(191);index"`                // 卖家标识
	Deal        string    `gorm:"type:varchar(32);index"`                 // 交易类型
	ItemType    string    `gorm:"type:varchar(64)"`                       // 商品类别
	Title       string    // 默认语言标题
	Description string    `gorm:"type:text"` // 默认语言描述
	Price       float64   // 标价
	Currency    string    `gorm:"type:varchar(8)"`           // 规范化币种
	AIPrice     float64   `gorm:"column:ai_price"`           // 模型估价（以 Currency 计价，币种未知时为 USD）
	AIPriceUSD  float64   `gorm:"column:ai_price_usd;index"` // 换算成 USD 的模型估价，无法换算时为 0
	Image       string    // 第一张图片的相对路径
	PostedAt    time.Time `gorm:"index"`     // 原始消息时间
	Doc         string    `gorm:"type:text"` // 完整 Lot JSON
}

// Subscription 表示一个新 Lot 提醒订阅。
//
// 命中规则：关键词出现在标题或描述中，且 USD 估值（CatalogLot.AIPriceUSD）落在区间内。
type Subscription struct {
	ID        uint      `gorm:"primaryKey"` // 订阅 ID
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Email    string  `gorm:"type:varchar(191);index;not null"` // 接收邮箱
	Keyword  string  `gorm:"not null"`                         // 关键词（大小写不敏感）
	Deal     string  `gorm:"type:varchar(32)"`                 // 限定交易类型（为空表示不限）
	MinPrice float64 // 最低 USD 估价（0 表示不限）
	MaxPrice float64 // 最高 USD 估价（0 表示不限）
	Status   string  `gorm:"default:active"` // "active" / "paused"

	LastNotifiedAt *time.Time // 最近一次发送提醒的时间
}

// SubscriptionHit 记录某个 Lot 已经通知过某个订阅，防止重复提醒。
type SubscriptionHit struct {
	SubscriptionID uint   `gorm:"primaryKey"`
	LotID          string `gorm:"primaryKey;type:varchar(191)"`

	CreatedAt time.Time
}
