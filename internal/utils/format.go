// Package utils 提供通用的工具函数
// 类似Java静态方法的调用方式: utils.MaskToken(token)
package utils

import (
	"fmt"
	"time"
)

// MaskToken 脱敏凭证令牌用于日志和界面展示
// 只保留前4位和后4位，中间用星号代替
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// FormatResponseTime 友好格式化响应时间显示
// 用法: utils.FormatResponseTime(duration)
func FormatResponseTime(duration time.Duration) string {
	if duration == 0 {
		return "0ms"
	}

	ms := float64(duration.Nanoseconds()) / 1e6

	if ms < 1 {
		us := float64(duration.Nanoseconds()) / 1e3
		if us < 1 {
			return "< 1μs"
		}
		return fmt.Sprintf("%.0fμs", us)
	} else if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	} else if ms < 60000 {
		seconds := ms / 1000
		if seconds < 10 {
			return fmt.Sprintf("%.1fs", seconds)
		}
		return fmt.Sprintf("%.0fs", seconds)
	}

	minutes := int(ms / 60000)
	seconds := (ms - float64(minutes*60000)) / 1000
	return fmt.Sprintf("%dm%.0fs", minutes, seconds)
}

// FormatPercentage 格式化百分比显示
// 用法: utils.FormatPercentage(value, total)
func FormatPercentage(value, total int64) string {
	if total == 0 {
		return "0.0%"
	}
	percentage := float64(value) / float64(total) * 100
	return fmt.Sprintf("%.1f%%", percentage)
}
