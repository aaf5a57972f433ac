// Package price 实现基于向量的价格回归与币种推断。
//
// 模型对 ln(price) 做最小二乘回归，特征为 [embedding..., one-hot(币种)]，USD 为基准列。
// 对数尺度下币种虚拟变量的系数就是 ln(汇率)，因此汇率可以直接从模型中读出。
// 模型每次都从头训练，不做增量更新。
package price

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"

	"marketfeed/internal/model"
	"marketfeed/internal/store"
)

// ModelFile 是模型在数据根目录下的文件名。
const ModelFile = "price_model.json"

// rcond 是奇异值相对阈值，低于它的方向视为秩亏。
const rcond = 1e-10

// Model 是训练好的价格回归。
//
// Coef 前 Dim 项对应向量维度，其后按 Currencies 中的序号（从 1 开始）对应币种虚拟变量。
type Model struct {
	Dim        int            `json:"dim"`
	Intercept  float64        `json:"intercept"`
	Coef       []float64      `json:"coef"`
	Currencies map[string]int `json:"currencies"` // 币种 → 序号，USD 固定为 0
	Counts     map[string]int `json:"counts"`     // 每个币种的训练样本数
}

type sample struct {
	vec      []float64
	logPrice float64
	currency string
}

// Train 用带价格和可识别币种的 Lot 训练模型。
//
// vecs 以 Lot ID 为键。没有任何样本时返回 (nil, nil)。
// 秩亏时（例如某一维恒定）取最小范数解。
func Train(lots []*model.Lot, vecs map[string][]float64) (*Model, error) {
	var samples []sample
	dim := -1
	counts := make(map[string]int)
	for _, l := range lots {
		vec := vecs[l.ID]
		if len(vec) == 0 {
			continue
		}
		p, ok := l.Price()
		if !ok || math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			continue
		}
		cur := CanonicalCurrency(l.Currency())
		if cur == "" {
			continue
		}
		if dim < 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			continue
		}
		samples = append(samples, sample{vec: vec, logPrice: math.Log(p), currency: cur})
		counts[cur]++
	}
	if len(samples) == 0 {
		return nil, nil
	}

	m := &Model{Dim: dim, Currencies: currencyIndex(counts), Counts: counts}
	cols := m.Dim + len(m.Currencies) - 1
	n := len(samples)
	x := mat.NewDense(n, cols, nil)
	y := mat.NewVecDense(n, nil)
	for i, s := range samples {
		x.SetRow(i, m.row(s.vec, s.currency))
		y.SetVec(i, s.logPrice)
	}

	// 截距通过中心化求得
	means := make([]float64, cols)
	for j := 0; j < cols; j++ {
		means[j] = mat.Sum(x.ColView(j)) / float64(n)
		for i := 0; i < n; i++ {
			x.Set(i, j, x.At(i, j)-means[j])
		}
	}
	yMean := mat.Sum(y) / float64(n)
	for i := 0; i < n; i++ {
		y.SetVec(i, y.AtVec(i)-yMean)
	}

	m.Coef = make([]float64, cols)
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return nil, errors.New("train price model: svd did not converge")
	}
	if rank := svd.Rank(rcond); rank > 0 {
		var w mat.VecDense
		svd.SolveVecTo(&w, y, rank)
		for j := range m.Coef {
			m.Coef[j] = w.AtVec(j)
		}
	}
	m.Intercept = yMean
	for j, c := range m.Coef {
		m.Intercept -= c * means[j]
	}
	return m, nil
}

// currencyIndex 给币种编号：USD 为 0，其余按字母序。
func currencyIndex(counts map[string]int) map[string]int {
	names := make([]string, 0, len(counts))
	for c := range counts {
		if c != USD {
			names = append(names, c)
		}
	}
	sort.Strings(names)
	idx := map[string]int{USD: 0}
	for i, c := range names {
		idx[c] = i + 1
	}
	return idx
}

// row 构造一行特征；未知币种按 USD 处理。
func (m *Model) row(vec []float64, currency string) []float64 {
	out := make([]float64, m.Dim+len(m.Currencies)-1)
	copy(out, vec)
	if i := m.Currencies[currency]; i > 0 {
		out[m.Dim+i-1] = 1
	}
	return out
}

// Predict 返回 vec 在指定币种下的预测价格。
//
// 模型为 nil 或向量维度不符时返回 false。
func (m *Model) Predict(vec []float64, currency string) (float64, bool) {
	if m == nil || len(vec) != m.Dim {
		return 0, false
	}
	z := m.Intercept
	for j, v := range m.row(vec, currency) {
		z += m.Coef[j] * v
	}
	p := math.Exp(z)
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, false
	}
	return p, true
}

// Rates 返回每个币种相对 USD 的汇率（exp(系数)）。
func (m *Model) Rates() map[string]float64 {
	if m == nil {
		return nil
	}
	rates := make(map[string]float64, len(m.Currencies))
	for c, i := range m.Currencies {
		if i == 0 {
			rates[c] = 1
			continue
		}
		rates[c] = math.Exp(m.Coef[m.Dim+i-1])
	}
	return rates
}

// Save 把模型写入 path。
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal price model: %w", err)
	}
	if err := store.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("save price model: %w", err)
	}
	return nil
}

// Load 读取模型。文件不存在时返回 (nil, nil)。
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read price model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode price model: %w", err)
	}
	if len(m.Coef) != m.Dim+len(m.Currencies)-1 {
		return nil, fmt.Errorf("decode price model: %d coefficients for dim %d and %d currencies",
			len(m.Coef), m.Dim, len(m.Currencies))
	}
	return &m, nil
}
