package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"key-relay/config"
	"key-relay/internal/credential"
	"key-relay/internal/events"
	"key-relay/internal/utils"
)

// Request 一次入站补全请求
type Request struct {
	RequestID string
	Messages  []Message
	// Model 调用方显式指定的模型，覆盖层级推导的模型选择
	// 但凭证选择仍按当前层级进行
	Model string
}

// Result 成功的补全结果
// Payload为上游响应体原样透传，busy/total计数由调用方附加到响应中
type Result struct {
	Payload   map[string]interface{}
	Model     string
	Tier      credential.Tier
	Attempts  int
	BusyKeys  int
	TotalKeys int
}

// Orchestrator 重试编排器
// 驱动一次入站请求到终态：选凭证 -> 调上游 -> 分类结果 -> 重试/降级/失败
// 每个请求的尝试循环相互独立，没有跨请求协调
type Orchestrator struct {
	pool     *credential.Pool
	client   *UpstreamClient
	cfg      *config.Config
	eventBus events.EventBus
}

// NewOrchestrator 创建重试编排器
func NewOrchestrator(pool *credential.Pool, client *UpstreamClient, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		pool:   pool,
		client: client,
		cfg:    cfg,
	}
}

// SetEventBus 设置EventBus事件总线
func (o *Orchestrator) SetEventBus(eventBus events.EventBus) {
	o.eventBus = eventBus
}

// Execute 执行一次入站请求直到终态
// 返回成功结果或结构化失败，二者必居其一
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, *Failure) {
	attempts := 0
	tier := credential.TierPrimary
	authRejected := false

	for {
		// 按当前层级选凭证，该层级没有候选时尝试另一层级
		cred, usedTier := o.selectWithTierFallback(tier)
		if cred == nil {
			busy, total := o.pool.Counts()

			// 曾发生认证失败且已无备选凭证：立即返回认证错误，不再重试
			if authRejected {
				slog.Error(fmt.Sprintf("🚫 [重试编排] 凭证认证失败且无备选凭证 - 请求: %s, 不可用/总数: %d/%d",
					req.RequestID, busy, total))
				return nil, &Failure{
					Kind:      FailureAuthRejected,
					Message:   "upstream rejected all available credentials",
					BusyKeys:  busy,
					TotalKeys: total,
				}
			}

			slog.Warn(fmt.Sprintf("⏳ [重试编排] 两个层级都没有可用凭证 - 请求: %s, 不可用/总数: %d/%d, 建议重试间隔: %v",
				req.RequestID, busy, total, o.cfg.Retry.RetryAfterHint))
			o.publishPoolExhausted(req.RequestID, busy, total)
			return nil, &Failure{
				Kind:       FailureNoCredential,
				Message:    "no credential available for any tier",
				RetryAfter: o.cfg.Retry.RetryAfterHint,
				BusyKeys:   busy,
				TotalKeys:  total,
			}
		}

		// 显式模型覆盖层级推导，但凭证层级标记仍按usedTier记录
		model := req.Model
		if model == "" {
			model = o.modelForTier(usedTier)
		}

		outcome, statusCode, payload, callErr := o.attempt(ctx, req, cred, model)

		switch outcome {
		case OutcomeSuccess:
			o.pool.MarkUsed(cred)
			busy, total := o.pool.Counts()
			slog.Info(fmt.Sprintf("✅ [重试编排] 请求成功 - 请求: %s, 模型: %s, 层级: %s, 尝试次数: %d",
				req.RequestID, model, usedTier, attempts+1))
			return &Result{
				Payload:   payload,
				Model:     model,
				Tier:      usedTier,
				Attempts:  attempts + 1,
				BusyKeys:  busy,
				TotalKeys: total,
			}, nil

		case OutcomeAuthFailure:
			// 认证失败立即切换凭证，不计入尝试预算、不延迟
			o.penalize(cred, usedTier, "authentication", req.RequestID)
			authRejected = true
			slog.Warn(fmt.Sprintf("🔐 [重试编排] 凭证被上游拒绝，立即切换下一凭证 - 请求: %s, 凭证: %s",
				req.RequestID, utils.MaskToken(cred.Token())))
			continue

		default:
			// 限流/配额与瞬时错误走同一条重试路径，仅失败分类不同
			reason := PenaltyReason(outcome, statusCode)
			o.penalize(cred, usedTier, reason, req.RequestID)
			attempts++

			if attempts >= o.cfg.Retry.MaxAttempts {
				busy, total := o.pool.Counts()
				slog.Error(fmt.Sprintf("❌ [重试编排] 重试次数耗尽 - 请求: %s, 尝试次数: %d, 最后结果: %s",
					req.RequestID, attempts, outcome))
				return nil, o.exhaustedFailure(outcome, statusCode, callErr, busy, total)
			}

			// 第一次失败后强制降级到fallback层级
			if tier == credential.TierPrimary {
				tier = credential.TierFallback
				slog.Info(fmt.Sprintf("⬇️ [重试编排] 降级到fallback层级 - 请求: %s", req.RequestID))
			}

			delay := o.attemptBackoff(attempts)
			slog.Warn(fmt.Sprintf("🔄 [重试编排] 准备重试 - 请求: %s, 结果: %s, 尝试: %d/%d, 延迟: %v",
				req.RequestID, outcome, attempts, o.cfg.Retry.MaxAttempts, delay))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				busy, total := o.pool.Counts()
				return nil, &Failure{
					Kind:      FailureTransient,
					Message:   fmt.Sprintf("request cancelled while waiting to retry: %v", ctx.Err()),
					BusyKeys:  busy,
					TotalKeys: total,
				}
			}
		}
	}
}

// selectWithTierFallback 按偏好层级选凭证，没有候选时退到另一层级
// 两个层级都取不到时返回nil（层级间没有"完全无凭证"的区分，只要有一个层级有候选就继续）
func (o *Orchestrator) selectWithTierFallback(preferred credential.Tier) (*credential.Credential, credential.Tier) {
	if cred := o.pool.Select(preferred); cred != nil {
		return cred, preferred
	}

	other := credential.TierFallback
	if preferred == credential.TierFallback {
		other = credential.TierPrimary
	}
	if cred := o.pool.Select(other); cred != nil {
		return cred, other
	}

	return nil, preferred
}

// attempt 发起一次上游调用并分类结果
// 每次尝试有独立的超时，超时归为瞬时错误
func (o *Orchestrator) attempt(ctx context.Context, req Request, cred *credential.Credential, model string) (Outcome, int, map[string]interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.Upstream.AttemptTimeout)
	defer cancel()

	resp, err := o.client.CreateCompletion(attemptCtx, cred.Token(), model, req.Messages)
	if err != nil {
		slog.Warn(fmt.Sprintf("🌐 [重试编排] 上游调用失败 - 请求: %s, 错误: %v", req.RequestID, err))
		return OutcomeTransient, 0, nil, err
	}
	defer resp.Body.Close()

	outcome := ClassifyResponse(resp.StatusCode, nil)
	if outcome != OutcomeSuccess {
		slog.Warn(fmt.Sprintf("📛 [重试编排] 上游返回错误状态 - 请求: %s, 状态码: %d, 分类: %s",
			req.RequestID, resp.StatusCode, outcome))
		return outcome, resp.StatusCode, nil, nil
	}

	body, err := ReadAndDecompressResponse(resp)
	if err != nil {
		return OutcomeTransient, resp.StatusCode, nil, err
	}

	payload, err := DecodeCompletion(body)
	if err != nil {
		// 2xx但响应体无法解析，按瞬时错误处理并保存现场
		slog.Warn(fmt.Sprintf("🧩 [重试编排] 上游响应无法解析 - 请求: %s, 错误: %v", req.RequestID, err))
		utils.WriteResponseDebug(req.RequestID, model, string(body))
		return OutcomeTransient, resp.StatusCode, nil, err
	}

	return OutcomeSuccess, resp.StatusCode, payload, nil
}

// penalize 处罚凭证并发布状态变化事件
func (o *Orchestrator) penalize(cred *credential.Credential, tier credential.Tier, reason, requestID string) {
	o.pool.Penalize(cred, tier, reason)

	if o.eventBus != nil {
		busy, total := o.pool.Counts()
		o.eventBus.Publish(events.Event{
			Type:     events.EventCredentialPenalized,
			Source:   "orchestrator",
			Priority: events.PriorityHigh,
			Data: map[string]interface{}{
				"request_id": requestID,
				"credential": utils.MaskToken(cred.Token()),
				"tier":       tier.String(),
				"reason":     reason,
				"busy_keys":  busy,
				"total_keys": total,
			},
		})
	}
}

// publishPoolExhausted 发布池耗尽事件
func (o *Orchestrator) publishPoolExhausted(requestID string, busy, total int) {
	if o.eventBus == nil {
		return
	}
	o.eventBus.Publish(events.Event{
		Type:     events.EventPoolExhausted,
		Source:   "orchestrator",
		Priority: events.PriorityCritical,
		Data: map[string]interface{}{
			"request_id": requestID,
			"busy_keys":  busy,
			"total_keys": total,
		},
	})
}

// attemptBackoff 计算尝试间的指数退避延迟
// baseDelay * 2^(attempts-1)，上限为maxDelay
func (o *Orchestrator) attemptBackoff(attempts int) time.Duration {
	if attempts <= 0 {
		return o.cfg.Retry.BaseDelay
	}

	delay := time.Duration(float64(o.cfg.Retry.BaseDelay) * math.Pow(2, float64(attempts-1)))
	if delay > o.cfg.Retry.MaxDelay {
		delay = o.cfg.Retry.MaxDelay
	}
	return delay
}

// modelForTier 返回层级对应的模型标识
func (o *Orchestrator) modelForTier(tier credential.Tier) string {
	if tier == credential.TierPrimary {
		return o.cfg.Upstream.PrimaryModel
	}
	return o.cfg.Upstream.FallbackModel
}

// exhaustedFailure 构造重试耗尽后的终态失败
// 限流错误保留rate_limited分类和重试建议，瞬时错误归为retries_exhausted
func (o *Orchestrator) exhaustedFailure(lastOutcome Outcome, statusCode int, callErr error, busy, total int) *Failure {
	if lastOutcome == OutcomeRateLimited {
		return &Failure{
			Kind:       FailureRateLimited,
			Message:    fmt.Sprintf("upstream rate limited after %d attempts (status %d)", o.cfg.Retry.MaxAttempts, statusCode),
			RetryAfter: o.cfg.Retry.RetryAfterHint,
			BusyKeys:   busy,
			TotalKeys:  total,
		}
	}

	msg := fmt.Sprintf("request failed after %d attempts", o.cfg.Retry.MaxAttempts)
	if callErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, callErr)
	} else if statusCode != 0 {
		msg = fmt.Sprintf("%s (last status %d)", msg, statusCode)
	}
	return &Failure{
		Kind:      FailureRetriesExhausted,
		Message:   msg,
		BusyKeys:  busy,
		TotalKeys: total,
	}
}
