package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tilespace/store"
	"tilespace/world"
)

// GeometryLoader 静态空间加载器
type GeometryLoader interface {
	Load(ctx context.Context, spaceID string) (*world.Geometry, error)
}

// Registry 管理所有已激活空间，由入口函数创建并注入各会话
type Registry struct {
	loader GeometryLoader
	store  store.Store
	clock  func() time.Time

	mu     sync.Mutex // 只保护 spaces 表本身
	spaces map[string]*Space
	group  singleflight.Group
}

type RegistryOpt func(*Registry)

// WithClock 替换时间源（测试用）
func WithClock(clock func() time.Time) RegistryOpt {
	return func(r *Registry) {
		r.clock = clock
	}
}

func NewRegistry(loader GeometryLoader, st store.Store, opts ...RegistryOpt) *Registry {
	r := &Registry{
		loader: loader,
		store:  st,
		clock:  time.Now,
		spaces: make(map[string]*Space),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Activate 返回已激活的空间，否则加载几何并从存储恢复可交互状态。
// 同一空间的并发首次激活只会加载一次；失败不缓存。
func (r *Registry) Activate(ctx context.Context, spaceID string) (*Space, error) {
	if sp, ok := r.Get(spaceID); ok {
		return sp, nil
	}

	v, err, _ := r.group.Do(spaceID, func() (any, error) {
		if sp, ok := r.Get(spaceID); ok {
			return sp, nil
		}
		geo, err := r.loader.Load(ctx, spaceID)
		if err != nil {
			return nil, err
		}
		sp, err := newSpace(ctx, spaceID, geo, r.store, r.clock)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.spaces[spaceID] = sp
		r.mu.Unlock()
		Log.Infow("space activated", "space", spaceID, "map", geo.MapID)
		return sp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Space), nil
}

// Get 查找已激活的空间
func (r *Registry) Get(spaceID string) (*Space, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.spaces[spaceID]
	return sp, ok
}

// SpaceSummary 管理接口输出
type SpaceSummary struct {
	ID         string    `json:"id"`
	MapID      string    `json:"mapId"`
	Sessions   int       `json:"sessions"`
	LastActive time.Time `json:"lastActive"`
}

// Spaces 所有已激活空间的概要，按 id 排序
func (r *Registry) Spaces() []SpaceSummary {
	r.mu.Lock()
	list := make([]*Space, 0, len(r.spaces))
	for _, sp := range r.spaces {
		list = append(list, sp)
	}
	r.mu.Unlock()

	out := make([]SpaceSummary, 0, len(list))
	for _, sp := range list {
		sp.mu.Lock()
		out = append(out, SpaceSummary{
			ID:         sp.ID,
			MapID:      sp.geo.MapID,
			Sessions:   len(sp.sessions),
			LastActive: sp.lastActive,
		})
		sp.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
