package credential

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewPool_SkipsBlankTokens 测试空白令牌被跳过
func TestNewPool_SkipsBlankTokens(t *testing.T) {
	pool := NewPool([]string{"sk-aaaa1111", "", "  ", "sk-bbbb2222"}, time.Minute, 5*time.Minute)

	_, total := pool.Counts()
	assert.Equal(t, 2, total)
}

// TestPool_SelectEmpty 测试空池选择返回nil
func TestPool_SelectEmpty(t *testing.T) {
	pool := NewPool(nil, time.Minute, 5*time.Minute)

	assert.Nil(t, pool.Select(TierPrimary))
	assert.Nil(t, pool.Select(TierFallback))

	busy, total := pool.Counts()
	assert.Equal(t, 0, busy)
	assert.Equal(t, 0, total)
}

// TestPool_SelectPrefersLeastRecentlyUsed 测试无错误凭证按最久未用选择
func TestPool_SelectPrefersLeastRecentlyUsed(t *testing.T) {
	pool := NewPool([]string{"sk-aaaa1111", "sk-bbbb2222"}, time.Minute, 5*time.Minute)

	// 两个凭证都未使用过，按插入顺序取第一个
	first := pool.Select(TierPrimary)
	require.NotNil(t, first)
	assert.Equal(t, "sk-aaaa1111", first.Token())
	pool.MarkUsed(first)

	// 第一个刚被使用，下一次选择应取更久未用的第二个
	second := pool.Select(TierPrimary)
	require.NotNil(t, second)
	assert.Equal(t, "sk-bbbb2222", second.Token())
	pool.MarkUsed(second)

	// 再次选择回到第一个
	third := pool.Select(TierPrimary)
	require.NotNil(t, third)
	assert.Equal(t, "sk-aaaa1111", third.Token())
}

// TestPool_SelectClaimsCredential 测试选中即占用，请求完成前不会被再次选中
func TestPool_SelectClaimsCredential(t *testing.T) {
	pool := NewPool([]string{"sk-aaaa1111"}, time.Minute, 5*time.Minute)

	first := pool.Select(TierPrimary)
	require.NotNil(t, first)

	// 凭证被占用中，任何层级都选不到
	assert.Nil(t, pool.Select(TierPrimary))
	assert.Nil(t, pool.Select(TierFallback))

	busy, total := pool.Counts()
	assert.Equal(t, 1, busy)
	assert.Equal(t, 1, total)

	// 释放后可以再次选中
	pool.MarkUsed(first)
	assert.NotNil(t, pool.Select(TierPrimary))
}

// TestPool_PenalizeStartsCooldown 测试处罚后凭证进入冷却
func TestPool_PenalizeStartsCooldown(t *testing.T) {
	pool := NewPool([]string{"sk-aaaa1111"}, time.Minute, 5*time.Minute)

	cred := pool.Select(TierPrimary)
	require.NotNil(t, cred)
	pool.Penalize(cred, TierPrimary, "rate_limit")

	// 冷却期内不可选
	assert.Nil(t, pool.Select(TierPrimary))
	assert.Nil(t, pool.Select(TierFallback))

	snapshot := pool.Snapshot()
	require.Len(t, snapshot, 1)
	assert.False(t, snapshot[0].Available)
	assert.Equal(t, 1, snapshot[0].ErrorCount)
	assert.True(t, snapshot[0].TriedPrimary)
	assert.Greater(t, snapshot[0].CooldownRemaining, time.Duration(0))
}

// TestPool_ReviveDecaysErrorCount 测试冷却恢复时错误计数递减而非清零
func TestPool_ReviveDecaysErrorCount(t *testing.T) {
	// 一个累计3次错误、冷却期已过的凭证
	pool := &Pool{
		creds: []*Credential{
			{
				token:        "sk-aaaa1111",
				available:    false,
				errorCount:   3,
				lastUsedAt:   time.Now().Add(-time.Hour),
				triedPrimary: true,
			},
		},
		cooldownBase: 10 * time.Millisecond,
		cooldownMax:  50 * time.Millisecond,
	}

	cred := pool.Select(TierPrimary)
	require.NotNil(t, cred)

	// 恢复后错误计数从3递减到2，而不是归零
	snapshot := pool.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 2, snapshot[0].ErrorCount)
}

// TestPool_ReviveClearsTriedMarks 测试冷却恢复时清除两个层级的已尝试标记
func TestPool_ReviveClearsTriedMarks(t *testing.T) {
	pool := NewPool([]string{"sk-aaaa1111"}, 10*time.Millisecond, 50*time.Millisecond)

	cred := pool.Select(TierPrimary)
	require.NotNil(t, cred)
	pool.Penalize(cred, TierPrimary, "rate_limit")

	snapshot := pool.Snapshot()
	assert.True(t, snapshot[0].TriedPrimary)

	// 冷却结束后恢复，标记被清除，主层级可以重新尝试该凭证
	time.Sleep(60 * time.Millisecond)
	revived := pool.Select(TierPrimary)
	require.NotNil(t, revived)

	snapshot = pool.Snapshot()
	assert.False(t, snapshot[0].TriedPrimary)
	assert.False(t, snapshot[0].TriedFallback)
}

// TestPool_SelectPrefersCleanCredentials 测试优先选择无错误记录的凭证
func TestPool_SelectPrefersCleanCredentials(t *testing.T) {
	now := time.Now()
	pool := &Pool{
		creds: []*Credential{
			// 有错误记录但空闲很久
			{token: "sk-aaaa1111", available: true, errorCount: 2, lastUsedAt: now.Add(-time.Hour)},
			// 无错误记录但刚被使用过
			{token: "sk-bbbb2222", available: true, lastUsedAt: now.Add(-time.Second)},
		},
		cooldownBase: time.Minute,
		cooldownMax:  5 * time.Minute,
	}

	// 无错误的凭证即使刚用过也优先于有错误记录的
	cred := pool.Select(TierPrimary)
	require.NotNil(t, cred)
	assert.Equal(t, "sk-bbbb2222", cred.Token())
}

// TestPool_SelectScoreAmongErrored 测试全部有错误记录时按得分选择
func TestPool_SelectScoreAmongErrored(t *testing.T) {
	now := time.Now()
	pool := &Pool{
		creds: []*Credential{
			// 错误多，空闲久：得分 30 - 360000/10000 = -6
			{token: "sk-aaaa1111", available: true, errorCount: 3, lastUsedAt: now.Add(-time.Hour)},
			// 错误少，刚用过：得分 10 - 1000/10000 ≈ 9.9
			{token: "sk-bbbb2222", available: true, errorCount: 1, lastUsedAt: now.Add(-time.Second)},
		},
		cooldownBase: time.Minute,
		cooldownMax:  5 * time.Minute,
	}

	// 空闲足够久时，错误多的凭证得分反而更低，被优先选择
	cred := pool.Select(TierPrimary)
	require.NotNil(t, cred)
	assert.Equal(t, "sk-aaaa1111", cred.Token())
}

// TestPool_InFlightNotRevived 测试调用中的凭证不参与冷却恢复
// 占用由请求结束解除，即使冷却时长短于请求耗时也不会被放出给第二个调用方
func TestPool_InFlightNotRevived(t *testing.T) {
	pool := NewPool([]string{"sk-aaaa1111"}, 5*time.Millisecond, 50*time.Millisecond)

	first := pool.Select(TierPrimary)
	require.NotNil(t, first)

	// 冷却时长已过但请求尚未结束，凭证不能被再次选中
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, pool.Select(TierPrimary))
	assert.Nil(t, pool.Select(TierFallback))

	// 占用中的凭证没有冷却剩余
	snapshot := pool.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, time.Duration(0), snapshot[0].CooldownRemaining)

	// 请求结束后立即可用
	pool.MarkUsed(first)
	assert.Same(t, first, pool.Select(TierPrimary))
}

// TestPool_SelectSkipsTriedTierWhenAvailable 测试层级已试标记独立于可用状态生效
func TestPool_SelectSkipsTriedTierWhenAvailable(t *testing.T) {
	pool := &Pool{
		creds: []*Credential{
			{token: "sk-aaaa1111", available: true, triedPrimary: true},
		},
		cooldownBase: time.Minute,
		cooldownMax:  5 * time.Minute,
	}

	// 可用但主层级已试过，主层级选不到
	assert.Nil(t, pool.Select(TierPrimary))

	// 降级层级未试过，可以选中
	cred := pool.Select(TierFallback)
	require.NotNil(t, cred)
	assert.Equal(t, "sk-aaaa1111", cred.Token())
}

// TestPool_ReviveCallbackNotified 测试冷却恢复触发回调通知
func TestPool_ReviveCallbackNotified(t *testing.T) {
	pool := NewPool([]string{"sk-aaaa1111", "sk-bbbb2222"}, 10*time.Millisecond, 50*time.Millisecond)

	notified := make(chan string, 4)
	pool.SetReviveCallback(func(maskedToken string, errorCount int) {
		notified <- maskedToken
	})

	cred := pool.Select(TierPrimary)
	require.NotNil(t, cred)
	pool.Penalize(cred, TierPrimary, "rate_limit")

	// 冷却结束后的下一次选择触发恢复扫描和回调
	time.Sleep(60 * time.Millisecond)
	pool.Select(TierFallback)

	select {
	case maskedToken := <-notified:
		assert.Equal(t, "sk-a****1111", maskedToken)
	case <-time.After(time.Second):
		t.Fatal("冷却恢复未触发回调")
	}
}

// TestPool_ConcurrentSelectNoDoubleAssignment 测试并发选择不会重复分配同一凭证
func TestPool_ConcurrentSelectNoDoubleAssignment(t *testing.T) {
	tokens := []string{"sk-aaaa1111", "sk-bbbb2222", "sk-cccc3333", "sk-dddd4444"}
	pool := NewPool(tokens, time.Minute, 5*time.Minute)

	var mu sync.Mutex
	claimed := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred := pool.Select(TierPrimary)
			if cred == nil {
				return
			}

			mu.Lock()
			assert.False(t, claimed[cred.Token()], "凭证%s被重复分配", cred.Token())
			claimed[cred.Token()] = true
			mu.Unlock()

			// 持有一段时间后释放
			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			delete(claimed, cred.Token())
			mu.Unlock()
			pool.MarkUsed(cred)
		}()
	}
	wg.Wait()
}
