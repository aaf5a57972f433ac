package catalog

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/price"
)

// FromLot 把存储中的 Lot 转成目录镜像。
//
// 标题与描述按 langs 顺序取第一个非空值。entry 来自 prices/ 缓存，可以为空；
// rates 是 prices/rates.json 中的模型汇率（1 USD 对应的币种数量），用于换算 AIPriceUSD。
func FromLot(l *model.Lot, entry model.PriceEntry, rates map[string]float64, langs []string) *model.CatalogLot {
	out := &model.CatalogLot{
		LotID:    l.ID,
		Chat:     l.Source.Chat,
		Seller:   l.Seller(),
		Deal:     l.Deal(),
		ItemType: l.Field(model.KeyItemType),
		Currency: strings.ToUpper(strings.TrimSpace(l.Currency())),
	}
	out.Title = firstNonEmpty(langs, l.Titles)
	out.Description = firstNonEmpty(langs, l.Descriptions)
	if p, ok := l.Price(); ok {
		out.Price = p
	}
	if entry.Currency != "" {
		out.Currency = entry.Currency
	}
	if entry.AIPrice != nil {
		out.AIPrice = *entry.AIPrice
	} else if p, ok := l.AIPrice(); ok {
		out.AIPrice = p
	}
	out.AIPriceUSD = toUSD(out.AIPrice, out.Currency, rates)
	if len(l.Files) > 0 {
		out.Image = l.Files[0]
	}
	if ts, ok := model.ParseTimestamp(l.Timestamp); ok {
		out.PostedAt = ts.UTC()
	} else {
		out.PostedAt = time.Unix(0, 0).UTC()
	}
	if doc, err := json.Marshal(l); err == nil {
		out.Doc = string(doc)
	}
	return out
}

// toUSD 把以 currency 计价的估价换算成 USD。
//
// 无法识别的币种与 price 阶段一致，按 USD 处理；缺少汇率时返回 0。
func toUSD(v float64, currency string, rates map[string]float64) float64 {
	if v <= 0 {
		return 0
	}
	cur := price.CanonicalCurrency(currency)
	if cur == "" || cur == price.USD {
		return v
	}
	rate := rates[cur]
	if rate <= 0 {
		return 0
	}
	return math.Round(v/rate*100) / 100
}

func firstNonEmpty(langs []string, values map[string]string) string {
	for _, lang := range langs {
		if v := strings.TrimSpace(values[lang]); v != "" {
			return v
		}
	}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
