package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// FetchOfficialRates 下载以 USD 为基准的官方汇率表。
//
// 响应需包含 "rates" 对象（例如 {"base_code":"USD","rates":{"EUR":0.92}}），
// 代码统一转成大写，非正数的汇率被丢弃。
func FetchOfficialRates(ctx context.Context, client *http.Client, url string) (map[string]float64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch official rates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch official rates: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode official rates: %w", err)
	}
	if len(payload.Rates) == 0 {
		return nil, fmt.Errorf("decode official rates: no rates in response")
	}
	out := make(map[string]float64, len(payload.Rates))
	for c, r := range payload.Rates {
		if r > 0 {
			out[strings.ToUpper(c)] = r
		}
	}
	return out, nil
}
