package world

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"go.uber.org/zap"
)

// ErrMapNotFound 空间关联的地图文件不存在
var ErrMapNotFound = errors.New("map not found")

// MapResolver 查询空间关联的地图（由目录服务实现）
type MapResolver interface {
	SpaceMapID(ctx context.Context, spaceID string) (string, error)
}

// Loader 静态空间加载器：解析地图并按空间缓存，进程生命周期内有效
type Loader struct {
	maps     MapResolver
	mapFiles fs.FS
	log      *zap.SugaredLogger

	mu    sync.RWMutex
	cache map[string]*Geometry
}

// NewLoader mapFiles 中的地图文件命名为 map_<mapID>.tmj
func NewLoader(maps MapResolver, mapFiles fs.FS, log *zap.SugaredLogger) *Loader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Loader{
		maps:     maps,
		mapFiles: mapFiles,
		log:      log,
		cache:    make(map[string]*Geometry),
	}
}

// Load 返回空间的静态几何；结果只读，调用方不得修改
func (l *Loader) Load(ctx context.Context, spaceID string) (*Geometry, error) {
	l.mu.RLock()
	geo, ok := l.cache[spaceID]
	l.mu.RUnlock()
	if ok {
		return geo, nil
	}

	mapID, err := l.maps.SpaceMapID(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("resolving map for space %s: %w", spaceID, err)
	}

	name := fmt.Sprintf("map_%s.tmj", mapID)
	data, err := fs.ReadFile(l.mapFiles, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("space %s: %s: %w", spaceID, name, ErrMapNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	geo, err = parseTiled(mapID, data, l.log)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// 并发加载时保留先写入的结果
	if cached, ok := l.cache[spaceID]; ok {
		return cached, nil
	}
	l.cache[spaceID] = geo
	l.log.Infow("space geometry loaded", "space", spaceID, "map", mapID,
		"collisions", len(geo.Collisions), "triggers", len(geo.Triggers), "interactables", len(geo.Interactables))
	return geo, nil
}
