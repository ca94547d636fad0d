package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestMaskToken 测试令牌脱敏
func TestMaskToken(t *testing.T) {
	assert.Equal(t, "sk-1****wxyz", MaskToken("sk-1234567890wxyz"))
	assert.Equal(t, "****", MaskToken("short"))
	assert.Equal(t, "****", MaskToken(""))
	assert.Equal(t, "****", MaskToken("12345678"))
}

// TestFormatResponseTime 测试响应时间格式化
func TestFormatResponseTime(t *testing.T) {
	assert.Equal(t, "0ms", FormatResponseTime(0))
	assert.Equal(t, "500μs", FormatResponseTime(500*time.Microsecond))
	assert.Equal(t, "120ms", FormatResponseTime(120*time.Millisecond))
	assert.Equal(t, "2.5s", FormatResponseTime(2500*time.Millisecond))
	assert.Equal(t, "30s", FormatResponseTime(30*time.Second))
	assert.Equal(t, "2m30s", FormatResponseTime(150*time.Second))
}

// TestFormatPercentage 测试百分比格式化
func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "0.0%", FormatPercentage(1, 0))
	assert.Equal(t, "50.0%", FormatPercentage(1, 2))
	assert.Equal(t, "33.3%", FormatPercentage(1, 3))
	assert.Equal(t, "100.0%", FormatPercentage(5, 5))
}
