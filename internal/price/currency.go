package price

import "strings"

// USD 是回归的基准币种，汇率恒为 1。
const USD = "USD"

// currencyAliases 把常见写法映射到 ISO 4217 代码。键为小写。
var currencyAliases = map[string]string{
	"usd": "USD", "$": "USD", "us$": "USD", "dollar": "USD", "dollars": "USD",
	"доллар": "USD", "долларов": "USD", "долл": "USD", "бакс": "USD", "баксов": "USD",

	"eur": "EUR", "€": "EUR", "euro": "EUR", "euros": "EUR", "евро": "EUR",

	"gel": "GEL", "₾": "GEL", "lari": "GEL", "lar": "GEL", "лари": "GEL", "лар": "GEL", "ლარი": "GEL",

	"rub": "RUB", "rur": "RUB", "₽": "RUB", "руб": "RUB", "рубль": "RUB", "рублей": "RUB",

	"uah": "UAH", "₴": "UAH", "грн": "UAH", "гривна": "UAH", "гривен": "UAH",

	"try": "TRY", "₺": "TRY", "lira": "TRY", "лира": "TRY", "лир": "TRY",

	"amd": "AMD", "֏": "AMD", "dram": "AMD", "драм": "AMD",

	"gbp": "GBP", "£": "GBP", "pound": "GBP", "pounds": "GBP", "фунт": "GBP",

	"kzt": "KZT", "₸": "KZT", "тенге": "KZT",
}

// CanonicalCurrency 返回币种标签对应的 ISO 代码；无法识别时返回空字符串。
func CanonicalCurrency(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.TrimSuffix(key, ".")
	if key == "" {
		return ""
	}
	return currencyAliases[key]
}
