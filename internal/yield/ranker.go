package yield

import (
	"sort"

	"AgentFi-Mesh/internal/protocol"
)

// maxOpportunities 限制返回的机会数量。
const maxOpportunities = 5

// Rank 为每个协议打分并按分数降序返回前若干名。
// score = apy * max(0, 1 - risk_score)，risk_score 超过 1 时乘数取 0，
// 评分永远不会为负贡献。排序必须稳定：分数相同的条目保持输入中的相对顺序，
// 因为数值并列的协议在经济上仍是可区分的。空输入返回空结果而非错误。
func Rank(market []protocol.Listing) []protocol.RankedOpportunity {
	ranked := make([]protocol.RankedOpportunity, 0, len(market))
	for _, listing := range market {
		multiplier := 1 - listing.RiskScore
		if multiplier < 0 {
			multiplier = 0
		}
		ranked = append(ranked, protocol.RankedOpportunity{
			Listing: listing,
			Score:   listing.APY * multiplier,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > maxOpportunities {
		ranked = ranked[:maxOpportunities]
	}
	return ranked
}
