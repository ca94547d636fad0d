package credential

import (
	"time"
)

// cooldownFactor 根据错误次数返回冷却时长的放大系数
// 错误越多的凭证恢复得越慢：1x -> 1.5x -> 2.5x -> 4x
func cooldownFactor(errorCount int) float64 {
	switch {
	case errorCount <= 0:
		return 1.0
	case errorCount == 1:
		return 1.5
	case errorCount == 2:
		return 2.5
	default:
		return 4.0
	}
}

// CooldownDuration 计算凭证被罚后的冷却时长
// base * factor(errorCount)，上限为max
func CooldownDuration(base, max time.Duration, errorCount int) time.Duration {
	d := time.Duration(float64(base) * cooldownFactor(errorCount))
	if d > max {
		d = max
	}
	return d
}

// selectionScore 计算有错误记录凭证的选择得分，越小越优先
// 错误次数占主导，空闲时间作为次要因素（越久未用越优先）
func selectionScore(errorCount int, idle time.Duration) float64 {
	return float64(errorCount)*10 - float64(idle.Milliseconds())/10000
}
