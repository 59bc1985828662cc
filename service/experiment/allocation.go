package experiment

import (
	"github.com/shopspring/decimal"
)

// applyExplorationFloor 为每个变体保留最低份额，其余份额按原比例分配
// 低于下限的变体固定为下限后重新分配剩余份额，直到所有变体都不低于下限
func applyExplorationFloor(shares []float64, floor float64) []float64 {
	k := len(shares)
	out := make([]float64, k)
	if k == 0 {
		return out
	}
	if floor <= 0 {
		copy(out, shares)
		return out
	}
	if floor*float64(k) >= 1 {
		for i := range out {
			out[i] = 1 / float64(k)
		}
		return out
	}

	fixed := make([]bool, k)
	for {
		fixedCount, freeCount, freeSum := 0, 0, 0.0
		for i, s := range shares {
			if fixed[i] {
				fixedCount++
				continue
			}
			freeCount++
			freeSum += s
		}
		remaining := 1 - floor*float64(fixedCount)

		changed := false
		for i, s := range shares {
			if fixed[i] {
				out[i] = floor
				continue
			}
			share := remaining / float64(freeCount)
			if freeSum > 0 {
				share = remaining * s / freeSum
			}
			out[i] = share
			if share < floor {
				fixed[i] = true
				changed = true
			}
		}
		if !changed {
			return out
		}
	}
}

// minVariantBudget 预算足够时每个存活变体至少分得一分
var minVariantBudget = decimal.New(1, -2)

// splitBudget 按份额拆分总预算，精确到分；舍入差额计入份额最大的变体（并列取下标最小者）
// 总预算不少于每个变体一分时，每个变体至少分得一分，不足部分从金额最大的变体扣除
func splitBudget(total decimal.Decimal, shares []float64) []decimal.Decimal {
	amounts := make([]decimal.Decimal, len(shares))
	if len(shares) == 0 {
		return amounts
	}
	total = total.Round(2)

	minimum := decimal.Zero
	if !total.LessThan(minVariantBudget.Mul(decimal.NewFromInt(int64(len(shares))))) {
		minimum = minVariantBudget
	}

	sum := decimal.Zero
	largest := 0
	for i, s := range shares {
		amounts[i] = decimal.Max(total.Mul(decimal.NewFromFloat(s)).Round(2), minimum)
		sum = sum.Add(amounts[i])
		if s > shares[largest] {
			largest = i
		}
	}

	diff := total.Sub(sum)
	if !amounts[largest].Add(diff).LessThan(minimum) {
		amounts[largest] = amounts[largest].Add(diff)
		return amounts
	}
	// 份额最大的变体不足以吸收差额时逐分扣除当前金额最大的变体
	for diff.IsNegative() {
		richest := 0
		for i := range amounts {
			if amounts[i].GreaterThan(amounts[richest]) {
				richest = i
			}
		}
		amounts[richest] = amounts[richest].Sub(minVariantBudget)
		diff = diff.Add(minVariantBudget)
	}
	return amounts
}
