package credential

import (
	"time"
)

// Tier 表示上游模型的服务层级
// 主层级使用大容量模型，降级层级使用小容量模型
type Tier int

const (
	TierPrimary Tier = iota
	TierFallback
)

// String 返回层级名称
func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Credential 表示一个上游访问凭证及其健康状态
// 所有字段只能通过Pool的操作方法修改
type Credential struct {
	token         string
	available     bool
	inFlight      bool // 已被某个请求占用，区别于冷却中的不可用
	lastUsedAt    time.Time
	errorCount    int
	triedPrimary  bool
	triedFallback bool
}

// Token 返回凭证的原始令牌，用于构造上游请求的Authorization头
func (c *Credential) Token() string {
	return c.token
}

// triedAt 返回凭证在指定层级是否已被尝试过
func (c *Credential) triedAt(tier Tier) bool {
	if tier == TierPrimary {
		return c.triedPrimary
	}
	return c.triedFallback
}

// setTried 标记凭证在指定层级已被尝试
func (c *Credential) setTried(tier Tier) {
	if tier == TierPrimary {
		c.triedPrimary = true
	} else {
		c.triedFallback = true
	}
}

// Status 凭证状态快照，供Web界面和TUI展示
type Status struct {
	Token             string        `json:"token"` // 脱敏后的令牌
	Available         bool          `json:"available"`
	ErrorCount        int           `json:"error_count"`
	LastUsedAt        time.Time     `json:"last_used_at"`
	TriedPrimary      bool          `json:"tried_primary"`
	TriedFallback     bool          `json:"tried_fallback"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}
