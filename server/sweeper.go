package server

import (
	"context"
	"time"
)

// StartSweeper 周期性回收长时间无人的空间，ctx 结束时退出。
// interval 或 idleTTL 为 0 时不启动。
func (r *Registry) StartSweeper(ctx context.Context, interval, idleTTL time.Duration) {
	if interval <= 0 || idleTTL <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.sweep(idleTTL); n > 0 {
					Log.Infow("evicted idle spaces", "count", n)
				}
			}
		}
	}()
}

// sweep 回收无会话且空闲超过 idleTTL 的空间，返回回收数量。
// 被回收的空间标记为 evicted，此后的加入请求会重新激活。
// 持有 r.mu 时不等待空间锁：正在处理消息的空间不算空闲，直接跳过。
func (r *Registry) sweep(idleTTL time.Duration) int {
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, sp := range r.spaces {
		if !sp.mu.TryLock() {
			continue
		}
		if len(sp.sessions) == 0 && now.Sub(sp.lastActive) >= idleTTL {
			sp.evicted = true
			delete(r.spaces, id)
			evicted++
		}
		sp.mu.Unlock()
	}
	return evicted
}
