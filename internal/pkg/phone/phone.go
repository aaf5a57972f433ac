// Package phone 规范化格鲁吉亚手机号。
package phone

import "strings"

const georgianPrefix = "995"

// FormatGeorgian 返回 +995 开头的号码。
//
// 无法识别的号码只保留数字并加上 "+"；不含数字时原样返回。
func FormatGeorgian(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return raw
	}
	switch {
	case strings.HasPrefix(digits, georgianPrefix):
		return "+" + digits
	case strings.HasPrefix(digits, "0"):
		return "+" + georgianPrefix + strings.TrimLeft(digits, "0")
	case len(digits) == 9:
		return "+" + georgianPrefix + digits
	default:
		return "+" + digits
	}
}
