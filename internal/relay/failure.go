package relay

import (
	"fmt"
	"net/http"
	"time"
)

// FailureKind 终态失败的分类
type FailureKind int

const (
	// FailureNoCredential 两个层级都没有可用凭证
	FailureNoCredential FailureKind = iota
	// FailureAuthRejected 凭证被上游拒绝且没有其他凭证可切换
	FailureAuthRejected
	// FailureRateLimited 限流/配额错误重试耗尽
	FailureRateLimited
	// FailureTransient 瞬时错误（网络、解析、取消）未进入重试或在重试前终止
	FailureTransient
	// FailureRetriesExhausted 瞬时错误重试次数耗尽
	FailureRetriesExhausted
)

// Failure 结构化的终态失败
// 携带重试建议和池观测计数，调用方据此决定自动重试还是告警
type Failure struct {
	Kind       FailureKind
	Message    string
	RetryAfter time.Duration // 建议的重试等待时间，0表示无建议
	BusyKeys   int
	TotalKeys  int
}

// Error 实现error接口
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.KindName(), f.Message)
}

// KindName 返回失败分类名称
func (f *Failure) KindName() string {
	switch f.Kind {
	case FailureNoCredential:
		return "no_credential_available"
	case FailureAuthRejected:
		return "authentication_rejected"
	case FailureRateLimited:
		return "rate_limited"
	case FailureTransient:
		return "transient"
	case FailureRetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

// IsRateLimit 返回调用方是否应稍后自动重试
// 池耗尽和上游限流都属于"稍后再试"类失败
func (f *Failure) IsRateLimit() bool {
	return f.Kind == FailureNoCredential || f.Kind == FailureRateLimited
}

// IsAuth 返回失败是否由凭证被上游拒绝引起（部署配置问题，应告警）
func (f *Failure) IsAuth() bool {
	return f.Kind == FailureAuthRejected
}

// StatusCode 返回该失败对应的HTTP状态码
func (f *Failure) StatusCode() int {
	switch f.Kind {
	case FailureNoCredential, FailureRateLimited:
		return http.StatusTooManyRequests
	case FailureAuthRejected:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
