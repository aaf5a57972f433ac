// Package moderation 提供无状态的内容审核判定。
//
// 判定在三个位置调用：入库前、进入抽取队列前，以及保留清理时对历史数据的重放。
// 所有函数都必须廉价且无副作用。
package moderation

import (
	"strings"

	"marketfeed/internal/model"
)

// 跳过原因。
const (
	ReasonBlacklisted = "blacklisted"
	ReasonBannedText  = "banned-text"
	ReasonSkipped     = "skipped-media"
	ReasonEmpty       = "empty"
	ReasonFraud       = "fraud"
	ReasonPlaceholder = "placeholder-contact"
	ReasonLanguage    = "missing-translation"
)

// Gate 保存审核规则。零值 Gate 不会拒绝任何有内容的消息。
type Gate struct {
	blacklist map[string]struct{}
	banned    []string
	langs     []string
}

// New 创建 Gate。
//
// 参数:
//
//	blacklist: 屏蔽的发送者用户名（不区分大小写，可带 @）
//	banned: 屏蔽的文本片段（不区分大小写的子串匹配）
//	langs: Lot 必须具备的语言
func New(blacklist, banned, langs []string) *Gate {
	g := &Gate{
		blacklist: make(map[string]struct{}, len(blacklist)),
		langs:     append([]string(nil), langs...),
	}
	for _, u := range blacklist {
		if u = normalizeUser(u); u != "" {
			g.blacklist[u] = struct{}{}
		}
	}
	for _, b := range banned {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			g.banned = append(g.banned, b)
		}
	}
	return g
}

// Langs 返回 Lot 必须具备的语言。
func (g *Gate) Langs() []string { return g.langs }

func normalizeUser(u string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
}

// ShouldSkipUser 判断发送者是否在黑名单中。
func (g *Gate) ShouldSkipUser(username string) bool {
	if username == "" || len(g.blacklist) == 0 {
		return false
	}
	_, ok := g.blacklist[normalizeUser(username)]
	return ok
}

// ShouldSkipText 判断文本是否包含屏蔽片段。
func (g *Gate) ShouldSkipText(text string) bool {
	if text == "" || len(g.banned) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range g.banned {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// MessageSkipReason 返回消息被跳过的原因，空字符串表示通过。
func (g *Gate) MessageSkipReason(p *model.Post) string {
	if p == nil {
		return ReasonEmpty
	}
	switch {
	case g.ShouldSkipUser(p.SenderUsername):
		return ReasonBlacklisted
	case g.ShouldSkipText(p.Text):
		return ReasonBannedText
	case p.SkippedMedia != "":
		return ReasonSkipped
	case strings.TrimSpace(p.Text) == "" && len(p.Files) == 0:
		return ReasonEmpty
	}
	return ""
}

// ShouldSkipMessage 判断原始消息是否应被忽略。
func (g *Gate) ShouldSkipMessage(p *model.Post) bool {
	return g.MessageSkipReason(p) != ""
}

// LotSkipReason 返回 Lot 被跳过的原因，空字符串表示通过。
func (g *Gate) LotSkipReason(l *model.Lot) string {
	if l == nil {
		return ReasonEmpty
	}
	switch {
	case l.Fraud != "":
		return ReasonFraud
	case HasPlaceholderContact(l):
		return ReasonPlaceholder
	case !l.Complete(g.langs):
		return ReasonLanguage
	}
	return ""
}

// ShouldSkipLot 判断 Lot 是否应被隐藏。
func (g *Gate) ShouldSkipLot(l *model.Lot) bool {
	return g.LotSkipReason(l) != ""
}

// HasPlaceholderContact 判断 Lot 的联系方式是否为示例值。
func HasPlaceholderContact(l *model.Lot) bool {
	return l.Field(model.KeyContactTG) == model.PlaceholderContact
}
