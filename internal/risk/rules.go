package risk

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// 规则条件支持的字段与操作符。
const (
	FieldVolatility      = "volatility"
	FieldLiquidityRatio  = "liquidity_ratio"
	FieldHoldingFraction = "holding_fraction"

	OpGreaterThan = "gt"
	OpLessThan    = "lt"
)

// Condition 描述规则的触发条件，使用严格不等式比较。
type Condition struct {
	Field string  `yaml:"field"`
	Op    string  `yaml:"op"`
	Value float64 `yaml:"value"`
}

// Effect 描述规则命中后的效果。
type Effect struct {
	Risk        Level  `yaml:"risk"`
	Explanation string `yaml:"explanation"`
}

// Rule 是一条 (条件, 效果) 配置。规则顺序只影响证据的排列，不影响结论。
type Rule struct {
	Condition Condition `yaml:"condition"`
	Effect    Effect    `yaml:"effect"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules 解析 YAML 规则表。规则缺失或非法属于启动期致命错误。
func LoadRules(path string) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("规则表路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则表失败: %w", err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析规则表失败: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("规则表为空: %s", path)
	}
	for i, rule := range file.Rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("规则 %d 非法: %w", i, err)
		}
	}
	return file.Rules, nil
}

func validateRule(rule Rule) error {
	switch rule.Condition.Field {
	case FieldVolatility, FieldLiquidityRatio, FieldHoldingFraction:
	default:
		return fmt.Errorf("不支持的条件字段: %q", rule.Condition.Field)
	}
	switch rule.Condition.Op {
	case OpGreaterThan, OpLessThan:
	default:
		return fmt.Errorf("不支持的操作符: %q", rule.Condition.Op)
	}
	switch rule.Effect.Risk {
	case LevelLow, LevelMedium, LevelHigh:
	default:
		return fmt.Errorf("不支持的风险等级: %q", rule.Effect.Risk)
	}
	return nil
}
