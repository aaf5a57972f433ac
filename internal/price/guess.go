package price

import (
	"math"
	"sort"

	"marketfeed/internal/model"
)

// GuessCurrency 返回学习汇率最接近 price/predUSD 的币种。
//
// 只考虑训练样本数不少于 minSamples 的币种；没有候选或输入无效时返回空字符串。
func GuessCurrency(rates map[string]float64, price, predUSD float64, counts map[string]int, minSamples int) string {
	if !validRatio(price, predUSD) {
		return ""
	}
	candidates := make(map[string]float64, len(rates))
	for c, r := range rates {
		if counts[c] >= minSamples {
			candidates[c] = r
		}
	}
	return closest(candidates, price/predUSD)
}

// GuessOfficial 在候选币种中返回官方汇率最接近 price/predUSD 的币种。
//
// official 以 USD 为基准，缺少 USD 时按 1 处理。
func GuessOfficial(official map[string]float64, price, predUSD float64, candidates []string) string {
	if !validRatio(price, predUSD) || len(official) == 0 {
		return ""
	}
	rates := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		if r, ok := official[c]; ok && r > 0 {
			rates[c] = r
		} else if c == USD {
			rates[c] = 1
		}
	}
	return closest(rates, price/predUSD)
}

// Guess 为没有币种的价格推断币种，仅当学习汇率与官方汇率给出相同答案时接受。
func Guess(m *Model, official map[string]float64, price float64, vec []float64, minSamples int) string {
	if m == nil || len(official) == 0 {
		return ""
	}
	predUSD, ok := m.Predict(vec, USD)
	if !ok {
		return ""
	}
	learned := GuessCurrency(m.Rates(), price, predUSD, m.Counts, minSamples)
	if learned == "" {
		return ""
	}
	var candidates []string
	for c := range m.Currencies {
		if m.Counts[c] >= minSamples {
			candidates = append(candidates, c)
		}
	}
	if GuessOfficial(official, price, predUSD, candidates) != learned {
		return ""
	}
	return learned
}

// Apply 为 Lot 写入 ai_price，并在推断一致时补全缺失的币种。
//
// ai_price 以 Lot 的币种计价，币种未知时以 USD 计价。模型为 nil 时不修改任何 Lot。
//
// 返回值:
//   - map[string]float64: 模型学到的汇率
func Apply(m *Model, lots []*model.Lot, vecs map[string][]float64, official map[string]float64, minSamples int) map[string]float64 {
	if m == nil {
		return nil
	}
	for _, l := range lots {
		vec := vecs[l.ID]
		if len(vec) == 0 {
			continue
		}
		cur := CanonicalCurrency(l.Currency())
		if cur == "" && l.Currency() == "" {
			if p, ok := l.Price(); ok && p > 0 {
				if g := Guess(m, official, p, vec, minSamples); g != "" {
					l.SetFacet(model.KeyPriceCurrency, g)
					cur = g
				}
			}
		}
		if cur == "" {
			cur = USD
		}
		if pred, ok := m.Predict(vec, cur); ok {
			l.SetFacet(model.KeyAIPrice, math.Round(pred*100)/100)
		}
	}
	return m.Rates()
}

// Entries 把 Lot 的 ai_price 与币种转换为缓存条目。
func Entries(lots []*model.Lot) []model.PriceEntry {
	out := make([]model.PriceEntry, 0, len(lots))
	for _, l := range lots {
		e := model.PriceEntry{ID: l.ID, Currency: l.Currency()}
		if p, ok := l.AIPrice(); ok {
			e.AIPrice = &p
		}
		out = append(out, e)
	}
	return out
}

func validRatio(price, predUSD float64) bool {
	return price > 0 && predUSD > 0 && !math.IsInf(predUSD, 0) && !math.IsNaN(predUSD)
}

// closest 返回汇率最接近 ratio 的币种；距离相同时取字母序靠前的。
func closest(rates map[string]float64, ratio float64) string {
	names := make([]string, 0, len(rates))
	for c := range rates {
		names = append(names, c)
	}
	sort.Strings(names)
	best, bestDiff := "", math.Inf(1)
	for _, c := range names {
		if d := math.Abs(ratio - rates[c]); d < bestDiff {
			best, bestDiff = c, d
		}
	}
	return best
}
