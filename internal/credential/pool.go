package credential

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"key-relay/internal/utils"
)

// Pool 管理全部凭证及其健康状态
// 进程启动时从配置构造一次，运行期间不增减凭证
// 所有状态变更都在池级互斥锁内完成，选择+标记是一个原子单元
type Pool struct {
	mu           sync.Mutex
	creds        []*Credential
	cooldownBase time.Duration
	cooldownMax  time.Duration
	onRevive     func(maskedToken string, errorCount int)
}

// revivedCredential 一次冷却恢复的通知内容
type revivedCredential struct {
	token      string
	errorCount int
}

// NewPool 从令牌列表构造凭证池
// 空白令牌会被跳过，令牌顺序即插入顺序（用于同分时的确定性选择）
func NewPool(tokens []string, cooldownBase, cooldownMax time.Duration) *Pool {
	p := &Pool{
		cooldownBase: cooldownBase,
		cooldownMax:  cooldownMax,
	}

	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		p.creds = append(p.creds, &Credential{
			token:     token,
			available: true,
		})
	}

	slog.Info(fmt.Sprintf("🔑 [凭证池] 初始化完成 - 凭证数量: %d, 基础冷却: %v, 冷却上限: %v",
		len(p.creds), cooldownBase, cooldownMax))

	return p
}

// SetReviveCallback 设置冷却恢复回调，用于发布凭证恢复事件
// 回调在池锁外异步执行，不会阻塞选择路径
func (p *Pool) SetReviveCallback(fn func(maskedToken string, errorCount int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRevive = fn
}

// reviveExpired 恢复冷却期已过的凭证，返回本次恢复的凭证列表
// 调用中的凭证不参与恢复：占用状态由MarkUsed/Penalize解除，
// 与冷却时长无关，否则慢请求期间凭证会被重新放出给第二个调用方
// 错误计数递减而非清零，使多次失败的凭证以更保守的状态回归
// 同时清除两个层级的已尝试标记，避免可用池随时间永久缩小
// 调用方必须持有p.mu
func (p *Pool) reviveExpired(now time.Time) []revivedCredential {
	var revived []revivedCredential
	for _, c := range p.creds {
		if c.available || c.inFlight {
			continue
		}

		cooldown := CooldownDuration(p.cooldownBase, p.cooldownMax, c.errorCount)
		if now.Sub(c.lastUsedAt) <= cooldown {
			continue
		}

		c.available = true
		if c.errorCount > 0 {
			c.errorCount--
		}
		c.triedPrimary = false
		c.triedFallback = false

		revived = append(revived, revivedCredential{token: c.token, errorCount: c.errorCount})

		slog.Info(fmt.Sprintf("🔄 [凭证池] 凭证冷却结束恢复可用: %s - 剩余错误计数: %d",
			utils.MaskToken(c.token), c.errorCount))
	}
	return revived
}

// notifyRevived 在锁外异步通知恢复回调
func (p *Pool) notifyRevived(revived []revivedCredential) {
	if p.onRevive == nil || len(revived) == 0 {
		return
	}
	callback := p.onRevive
	go func() {
		for _, r := range revived {
			callback(utils.MaskToken(r.token), r.errorCount)
		}
	}()
}

// Select 为指定层级选择一个可用凭证，没有候选时返回nil
// 选中的凭证立即被标记为占用，直到MarkUsed或冷却恢复，
// 因此并发请求不会同时拿到同一个凭证
func (p *Pool) Select(tier Tier) *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.notifyRevived(p.reviveExpired(now))

	// 过滤：可用且该层级尚未尝试过
	var candidates []*Credential
	for _, c := range p.creds {
		if c.available && !c.triedAt(tier) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// 优先无错误记录的凭证，取最久未使用的（同分按插入顺序）
	var best *Credential
	for _, c := range candidates {
		if c.errorCount != 0 {
			continue
		}
		if best == nil || c.lastUsedAt.Before(best.lastUsedAt) {
			best = c
		}
	}

	// 全部有错误记录时按得分取最小：错误数占主导，空闲时间为次要因素
	if best == nil {
		bestScore := 0.0
		for _, c := range candidates {
			score := selectionScore(c.errorCount, now.Sub(c.lastUsedAt))
			if best == nil || score < bestScore {
				best = c
				bestScore = score
			}
		}
	}

	// 选中即占用，请求完成前其他调用方不会再拿到它
	best.available = false
	best.inFlight = true
	best.lastUsedAt = now

	slog.Debug(fmt.Sprintf("🎯 [凭证池] 已选择凭证: %s (层级: %s, 错误计数: %d)",
		utils.MaskToken(best.token), tier, best.errorCount))

	return best
}

// Penalize 对调用失败的凭证施加处罚
// 标记该层级已尝试、置为不可用并递增错误计数，冷却时长由reviveExpired按错误计数计算
// reason仅用于日志诊断，不影响状态迁移
func (p *Pool) Penalize(c *Credential, tier Tier, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.setTried(tier)
	c.available = false
	c.inFlight = false
	c.lastUsedAt = time.Now()
	c.errorCount++

	slog.Warn(fmt.Sprintf("⛔ [凭证池] 凭证被处罚: %s (层级: %s, 原因: %s, 错误计数: %d, 预计冷却: %v)",
		utils.MaskToken(c.token), tier, reason, c.errorCount,
		CooldownDuration(p.cooldownBase, p.cooldownMax, c.errorCount)))
}

// MarkUsed 记录凭证调用成功，释放占用并刷新使用时间
// 错误计数不在成功时递减，只通过冷却恢复被动衰减
func (p *Pool) MarkUsed(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.available = true
	c.inFlight = false
	c.lastUsedAt = time.Now()
}

// Counts 返回当前不可用（占用或冷却中）与总凭证数，供调用方观测
func (p *Pool) Counts() (busy, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total = len(p.creds)
	for _, c := range p.creds {
		if !c.available {
			busy++
		}
	}
	return busy, total
}

// Snapshot 返回所有凭证的状态快照（令牌已脱敏），供Web界面和TUI展示
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	statuses := make([]Status, 0, len(p.creds))
	for _, c := range p.creds {
		status := Status{
			Token:         utils.MaskToken(c.token),
			Available:     c.available,
			ErrorCount:    c.errorCount,
			LastUsedAt:    c.lastUsedAt,
			TriedPrimary:  c.triedPrimary,
			TriedFallback: c.triedFallback,
		}
		// 调用中的凭证没有冷却剩余，占用由请求结束解除
		if !c.available && !c.inFlight {
			cooldown := CooldownDuration(p.cooldownBase, p.cooldownMax, c.errorCount)
			if remaining := cooldown - now.Sub(c.lastUsedAt); remaining > 0 {
				status.CooldownRemaining = remaining
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}
