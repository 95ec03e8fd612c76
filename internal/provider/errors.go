// Package provider 提供商错误归一化
package provider

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agents-exec/internal/shared/apperr"
)

// mapStreamError 将底层流错误归一化为稳定错误码
//
// 限流包装为 RateLimitError，供策略层做一次带延迟的重试；
// 其余一律 provider_stream_failed。
func mapStreamError(name string, statusCode int, retryAfter time.Duration, err error) error {
	if isRateLimited(statusCode, err) {
		return &RateLimitError{
			RetryAfter: retryAfter,
			Err: apperr.Wrap(apperr.KindProvider, apperr.CodeProviderRateLimited,
				fmt.Sprintf("%s rate limited", name), err),
		}
	}
	return apperr.Wrap(apperr.KindProvider, apperr.CodeProviderStreamFailed,
		fmt.Sprintf("%s stream failed", name), err)
}

// isRateLimited 判断是否为限流错误
func isRateLimited(statusCode int, err error) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") || strings.Contains(msg, "resource_exhausted")
}

// parseRetryAfter 解析 Retry-After 响应头（秒数形式）
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
