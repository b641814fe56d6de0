package protocol

// Holding 描述投资组合中的一项持仓。
// 缺失的数值字段在 JSON 解码时按零值处理。
type Holding struct {
	Symbol         string  `json:"symbol"`
	Fraction       float64 `json:"fraction"`
	Volatility     float64 `json:"volatility"`
	LiquidityRatio float64 `json:"liquidity_ratio"`
}

// Aggregates 携带调用方预先计算的组合级指标。
type Aggregates struct {
	Volatility float64 `json:"volatility"`
}

// Portfolio 是一次风险评估的输入快照，按请求构造，评估期间不可变。
// 各持仓的 fraction 不要求加总为 1。
type Portfolio struct {
	Address    string      `json:"address,omitempty"`
	Holdings   []Holding   `json:"holdings"`
	Aggregates *Aggregates `json:"aggregates,omitempty"`
}

// Listing 描述市场上一个可投入的协议。
type Listing struct {
	Protocol  string  `json:"protocol"`
	APY       float64 `json:"apy"`
	RiskScore float64 `json:"risk_score"`
}

// RankedOpportunity 在 Listing 之上附加计算得到的评分。
type RankedOpportunity struct {
	Listing
	Score float64 `json:"score"`
}
