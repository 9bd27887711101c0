// Package ctxkeys 定义跨包传递的 context 键。
// 用户与角色等认证信息见 types 包；这里只放请求与运行的关联 ID。
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	runIDKey     contextKey = "run_id"
)

// WithRequestID 设置发起请求的 X-Request-ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取 X-Request-ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRunID 设置当前运行 ID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID 获取当前运行 ID
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Detach 返回以 parent 为父、但携带 src 中关联 ID 的 context。
// 后台运行用它脱离请求生命周期，同时保留请求 ID 以便串联日志。
func Detach(parent, src context.Context) context.Context {
	if id, ok := RequestID(src); ok {
		parent = WithRequestID(parent, id)
	}
	return parent
}
