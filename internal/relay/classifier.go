package relay

import (
	"net/http"
)

// Outcome 上游调用结果的分类
// 分类是纯函数，不触碰凭证池状态
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthFailure
	OutcomeRateLimited
	OutcomeTransient
)

// String 返回分类名称，用于日志和跟踪记录
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthFailure:
		return "auth_failure"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ClassifyResponse 将上游HTTP结果映射为结果分类
// err非空（网络错误、超时）归为瞬时错误；401为认证失败；
// 429和403为限流/配额；其余非2xx均视为瞬时错误
func ClassifyResponse(statusCode int, err error) Outcome {
	if err != nil {
		return OutcomeTransient
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode == http.StatusUnauthorized:
		return OutcomeAuthFailure
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusForbidden:
		return OutcomeRateLimited
	default:
		return OutcomeTransient
	}
}

// PenaltyReason 根据结果分类和状态码推导处罚原因
// 原因仅用于日志诊断，池对所有处罚一视同仁
func PenaltyReason(outcome Outcome, statusCode int) string {
	switch outcome {
	case OutcomeAuthFailure:
		return "authentication"
	case OutcomeRateLimited:
		if statusCode == http.StatusForbidden {
			return "quota"
		}
		return "rate_limit"
	default:
		return "connection"
	}
}
