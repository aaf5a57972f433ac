package events

import "time"

// 事件动作。
const (
	ActionPublished = "published"
	ActionRemoved   = "removed"
)

// DefaultStream 是 Lot 事件流的默认名称。
const DefaultStream = "marketfeed:lots:published"

// LotEvent 是 Lot 事件流中的一条消息。
//
// 发布阶段在 Lot 进入或离开目录时写入，订阅提醒等下游按消费者组读取。
type LotEvent struct {
	LotID     string    `json:"lot_id"`    // Lot ID
	Action    string    `json:"action"`    // published / removed
	Timestamp time.Time `json:"timestamp"` // 消息创建时间
	Retry     int       `json:"retry"`     // 重试次数
	Source    string    `json:"source"`    // 消息来源: "publish" / "retention" / "moderation"
}

// NewPublishedMessage 创建 Lot 上架事件。
func NewPublishedMessage(lotID, source string) *LotEvent {
	return &LotEvent{
		LotID:     lotID,
		Action:    ActionPublished,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// NewRemovedMessage 创建 Lot 下架事件。
func NewRemovedMessage(lotID, source string) *LotEvent {
	return &LotEvent{
		LotID:     lotID,
		Action:    ActionRemoved,
		Timestamp: time.Now(),
		Source:    source,
	}
}
