package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// 固定字段的 JSON 键。
const (
	KeyTimestamp       = "timestamp"
	KeyFiles           = "files"
	KeyFraud           = "fraud"
	KeySourcePath      = "source:path"
	KeySourceChat      = "source:chat"
	KeySourceMessageID = "source:message_id"
	KeySourceAuthorTG  = "source:author:telegram"
	KeySourceAuthor    = "source:author:name"

	KeyPrice         = "price"
	KeyPriceCurrency = "price:currency"
	KeyAIPrice       = "ai_price"
	KeyMarketDeal    = "market:deal"
	KeyItemType      = "item:type"
	KeyContactTG     = "contact:telegram"
	KeyContactPhone  = "contact:phone"
	KeyContactName   = "contact:name"

	titlePrefix       = "title_"
	descriptionPrefix = "description_"
)

// PlaceholderContact 是模型输出中常见的示例联系方式。
const PlaceholderContact = "@username"

// sellerKeys 按优先级列出卖家标识来源。
var sellerKeys = []string{
	KeyContactPhone,
	KeyContactTG,
	"contact:viber",
	"contact:whatsapp",
	"contact:instagram",
	"contact:email",
	"seller",
	KeySourceAuthorTG,
	KeyContactName,
	KeySourceAuthor,
}

// LotSource 指回产出该 Lot 的原始消息。
type LotSource struct {
	Path      string // 原始消息相对路径（chat/YYYY/MM/id.md）
	Chat      string
	MessageID int64
	AuthorTG  string
	Author    string
}

// Lot 是从一条原始消息中抽取出的一个商品或服务。
//
// 所有 Lot 都必须具备的字段是强类型的，按类目变化的分面字段放在 Facets 中。
// JSON 表示是扁平的：分面键与固定键处于同一层级。
type Lot struct {
	ID   string `json:"-"` // 运行时标识：lot 文件相对路径（无扩展名）+ "-" + 序号
	File string `json:"-"` // 运行时：lot 文件绝对路径

	Timestamp    string
	Titles       map[string]string
	Descriptions map[string]string
	Files        []string
	Fraud        string
	Source       LotSource
	Facets       map[string]any
}

// Time 返回解析后的时间；缺失、格式错误或在未来时返回 false。
func (l *Lot) Time(now time.Time) (time.Time, bool) {
	t, ok := ParseTimestamp(l.Timestamp)
	if !ok || t.After(now) {
		return time.Time{}, false
	}
	return t, true
}

// Seller 返回卖家标识。
func (l *Lot) Seller() string {
	for _, key := range sellerKeys {
		if v := l.Field(key); v != "" {
			return v
		}
	}
	return ""
}

// Field 以字符串形式读取任意键（固定字段或分面）。
func (l *Lot) Field(key string) string {
	switch key {
	case KeyTimestamp:
		return l.Timestamp
	case KeyFraud:
		return l.Fraud
	case KeySourcePath:
		return l.Source.Path
	case KeySourceChat:
		return l.Source.Chat
	case KeySourceMessageID:
		if l.Source.MessageID == 0 {
			return ""
		}
		return strconv.FormatInt(l.Source.MessageID, 10)
	case KeySourceAuthorTG:
		return l.Source.AuthorTG
	case KeySourceAuthor:
		return l.Source.Author
	}
	if strings.HasPrefix(key, titlePrefix) {
		return l.Titles[strings.TrimPrefix(key, titlePrefix)]
	}
	if strings.HasPrefix(key, descriptionPrefix) {
		return l.Descriptions[strings.TrimPrefix(key, descriptionPrefix)]
	}
	v, ok := l.Facets[key]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// SetFacet 设置分面字段；空值会删除该字段。
func (l *Lot) SetFacet(key string, v any) {
	if isEmptyValue(v) {
		delete(l.Facets, key)
		return
	}
	if l.Facets == nil {
		l.Facets = make(map[string]any)
	}
	l.Facets[key] = v
}

// Title 返回指定语言的标题。
func (l *Lot) Title(lang string) string { return l.Titles[lang] }

// Description 返回指定语言的描述。
func (l *Lot) Description(lang string) string { return l.Descriptions[lang] }

// MissingLangs 返回缺少标题或描述的语言。
func (l *Lot) MissingLangs(langs []string) []string {
	var missing []string
	for _, lang := range langs {
		if strings.TrimSpace(l.Titles[lang]) == "" || strings.TrimSpace(l.Descriptions[lang]) == "" {
			missing = append(missing, lang)
		}
	}
	return missing
}

// Complete 判断所有语言的标题与描述是否齐全。
func (l *Lot) Complete(langs []string) bool {
	return len(l.MissingLangs(langs)) == 0
}

// Price 返回数值价格。
func (l *Lot) Price() (float64, bool) {
	return numberFacet(l.Facets[KeyPrice])
}

// AIPrice 返回模型预测价格。
func (l *Lot) AIPrice() (float64, bool) {
	return numberFacet(l.Facets[KeyAIPrice])
}

// Currency 返回原始币种标签。
func (l *Lot) Currency() string { return l.Field(KeyPriceCurrency) }

// Deal 返回交易类型（sell / buy / rent / misc ...）。
func (l *Lot) Deal() string { return l.Field(KeyMarketDeal) }

func numberFacet(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(x, " ", "")), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToMap 返回扁平的键值表示，空值被省略。
func (l *Lot) ToMap() map[string]any {
	out := make(map[string]any, len(l.Facets)+8)
	for k, v := range l.Facets {
		if !isEmptyValue(v) {
			out[k] = v
		}
	}
	put := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	put(KeyTimestamp, l.Timestamp)
	put(KeyFraud, l.Fraud)
	put(KeySourcePath, l.Source.Path)
	put(KeySourceChat, l.Source.Chat)
	put(KeySourceAuthorTG, l.Source.AuthorTG)
	put(KeySourceAuthor, l.Source.Author)
	if l.Source.MessageID != 0 {
		out[KeySourceMessageID] = l.Source.MessageID
	}
	for lang, v := range l.Titles {
		put(titlePrefix+lang, v)
	}
	for lang, v := range l.Descriptions {
		put(descriptionPrefix+lang, v)
	}
	if len(l.Files) > 0 {
		out[KeyFiles] = append([]string(nil), l.Files...)
	}
	return out
}

// MarshalJSON 输出扁平对象，键按字母序排列。
func (l Lot) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.ToMap())
}

// UnmarshalJSON 解析扁平对象，丢弃 ""、null、[] 字段。
func (l *Lot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*l = Lot{}
	for k, v := range raw {
		if isEmptyValue(v) || strings.HasPrefix(k, "_") {
			continue
		}
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = float64(i)
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		switch {
		case k == KeyTimestamp:
			l.Timestamp = stringify(v)
		case k == KeyFraud:
			l.Fraud = stringify(v)
		case k == KeySourcePath:
			l.Source.Path = stringify(v)
		case k == KeySourceChat:
			l.Source.Chat = stringify(v)
		case k == KeySourceMessageID:
			if f, ok := numberFacet(v); ok {
				l.Source.MessageID = int64(f)
			}
		case k == KeySourceAuthorTG:
			l.Source.AuthorTG = stringify(v)
		case k == KeySourceAuthor:
			l.Source.Author = stringify(v)
		case k == KeyFiles:
			l.Files = stringSlice(v)
		case strings.HasPrefix(k, titlePrefix):
			if l.Titles == nil {
				l.Titles = make(map[string]string)
			}
			l.Titles[strings.TrimPrefix(k, titlePrefix)] = stringify(v)
		case strings.HasPrefix(k, descriptionPrefix):
			if l.Descriptions == nil {
				l.Descriptions = make(map[string]string)
			}
			l.Descriptions[strings.TrimPrefix(k, descriptionPrefix)] = stringify(v)
		default:
			if l.Facets == nil {
				l.Facets = make(map[string]any)
			}
			l.Facets[k] = v
		}
	}
	if l.Fraud == "false" {
		l.Fraud = ""
	}
	return nil
}

// FacetKeys 返回排序后的分面键。
func (l *Lot) FacetKeys() []string {
	keys := make([]string, 0, len(l.Facets))
	for k := range l.Facets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if s, ok := v.(string); ok && s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := stringify(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}
