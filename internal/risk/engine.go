package risk

import (
	"fmt"

	"AgentFi-Mesh/internal/protocol"
)

// Level 表示风险等级，优先级 HIGH > MEDIUM > LOW。
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

func (l Level) rank() int {
	switch l {
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// Verdict 是一次评估的结论，携带可解释的证据链并回显输入组合。
type Verdict struct {
	Level    Level
	Evidence []string
	Raw      protocol.Portfolio
}

// aggregateVolatilityThreshold 是组合级波动率的强制 HIGH 阈值。
const aggregateVolatilityThreshold = 0.18

// Engine 按配置的规则表对投资组合做确定性评估。
// 规则表在启动时加载一次，之后只读，可被任意多个并发请求共享。
type Engine struct {
	rules []Rule
}

// NewEngine 构造规则引擎并校验规则表。
func NewEngine(rules []Rule) (*Engine, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("规则表不能为空")
	}
	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("规则 %d 非法: %w", i, err)
		}
	}
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Engine{rules: copied}, nil
}

// Evaluate 是纯函数：相同输入总是产生相同的 {等级, 证据}。
// 逐持仓、按规则表顺序评估；证据按命中顺序追加，允许重复，从不去重。
// 等级只升不降：后出现的 MEDIUM 不会覆盖已有的 HIGH。
// 组合级波动率超过阈值时无条件强制 HIGH，该检查只会抬高结论。
func (e *Engine) Evaluate(portfolio protocol.Portfolio) Verdict {
	highest := LevelLow
	var evidence []string

	for _, holding := range portfolio.Holdings {
		for _, rule := range e.rules {
			if !matches(rule.Condition, holding) {
				continue
			}
			evidence = append(evidence, fmt.Sprintf("%s -> %s", holding.Symbol, rule.Effect.Explanation))
			if rule.Effect.Risk.rank() > highest.rank() {
				highest = rule.Effect.Risk
			}
		}
	}

	if agg := portfolio.Aggregates; agg != nil && agg.Volatility > aggregateVolatilityThreshold {
		evidence = append(evidence, fmt.Sprintf("Portfolio aggregate volatility %v > %v",
			agg.Volatility, aggregateVolatilityThreshold))
		highest = LevelHigh
	}

	return Verdict{Level: highest, Evidence: evidence, Raw: portfolio}
}

func matches(cond Condition, holding protocol.Holding) bool {
	var value float64
	switch cond.Field {
	case FieldVolatility:
		value = holding.Volatility
	case FieldLiquidityRatio:
		value = holding.LiquidityRatio
	case FieldHoldingFraction:
		value = holding.Fraction
	default:
		return false
	}
	switch cond.Op {
	case OpGreaterThan:
		return value > cond.Value
	case OpLessThan:
		return value < cond.Value
	default:
		return false
	}
}
