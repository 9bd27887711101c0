package cache

import (
	"context"
	"time"
)

// =============================================================================
// 📦 运行快照缓存
// =============================================================================

// RunCache 将已淘汰的运行快照镜像到 Redis，供注册表在清理后继续查询。
// 键为 <KeyPrefix>run:<id>。
type RunCache struct {
	manager *Manager
	prefix  string
	ttl     time.Duration
}

// NewRunCache 创建运行快照缓存，ttl 为 0 时使用管理器的默认过期时间
func NewRunCache(manager *Manager, ttl time.Duration) *RunCache {
	return &RunCache{
		manager: manager,
		prefix:  "run:",
		ttl:     ttl,
	}
}

func (c *RunCache) key(runID string) string {
	return c.prefix + runID
}

// Put 写入运行快照
func (c *RunCache) Put(ctx context.Context, runID string, v any) error {
	return c.manager.SetJSON(ctx, c.key(runID), v, c.ttl)
}

// Fetch 读取运行快照，未命中时返回 false
func (c *RunCache) Fetch(ctx context.Context, runID string, dest any) (bool, error) {
	err := c.manager.GetJSON(ctx, c.key(runID), dest)
	if IsCacheMiss(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Forget 删除运行快照
func (c *RunCache) Forget(ctx context.Context, runID string) error {
	return c.manager.Delete(ctx, c.key(runID))
}
