package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tilespace/store"
	"tilespace/world"
)

// seat 座位的缓存状态；holder 为当前坐着的在线会话
type seat struct {
	state  store.State
	holder *Session
}

// Space 运行中的空间：静态几何 + 可交互物体缓存 + 在线会话。
// mu 串行化该空间内的所有读写与广播，不同空间互不阻塞。
type Space struct {
	ID      string
	geo     *world.Geometry
	store   store.Store
	metrics *SpaceMetrics
	clock   func() time.Time

	mu         sync.Mutex
	sessions   map[string]*Session // userID -> Session
	doors      map[string]string   // objID -> open|close
	seats      map[string]*seat
	lastActive time.Time
	evicted    bool
}

// newSpace 创建空间并从存储加载每个可交互物体的状态；未写入过的使用地图默认值
func newSpace(ctx context.Context, id string, geo *world.Geometry, st store.Store, clock func() time.Time) (*Space, error) {
	sp := &Space{
		ID:         id,
		geo:        geo,
		store:      st,
		metrics:    &SpaceMetrics{},
		clock:      clock,
		sessions:   make(map[string]*Session),
		doors:      make(map[string]string),
		seats:      make(map[string]*seat),
		lastActive: clock(),
	}

	for _, objID := range geo.InteractableIDs {
		it := geo.Interactables[objID]
		cur, ok, err := st.Get(ctx, id, objID)
		if err != nil {
			return nil, fmt.Errorf("hydrating %s/%s: %w", id, objID, err)
		}
		switch it.Kind {
		case world.KindDoor:
			state := it.DefaultState
			if ok && (cur.State == world.DoorOpen || cur.State == world.DoorClose) {
				state = cur.State
			}
			sp.doors[objID] = state
		case world.KindSeat:
			if !ok {
				cur = store.State{ObjID: objID, Kind: string(world.KindSeat)}
			}
			if cur.Occupied {
				// 新激活的空间没有在线会话，持久化的占用记录视为过期
				Log.Infow("ignoring stale seat occupancy", "space", id, "objId", objID, "userId", cur.UserID)
			}
			sp.seats[objID] = &seat{state: cur}
		}
	}
	return sp, nil
}

// Geometry 返回只读的静态几何
func (sp *Space) Geometry() *world.Geometry {
	return sp.geo
}

// Metrics 返回空间指标
func (sp *Space) Metrics() *SpaceMetrics {
	return sp.metrics
}

// SessionCount 当前在线会话数
func (sp *Space) SessionCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.sessions)
}

// DoorState 返回门的缓存状态
func (sp *Space) DoorState(objID string) (string, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	st, ok := sp.doors[objID]
	return st, ok
}

// SeatHolder 返回座位上的用户 id，空闲时 ok=false
func (sp *Space) SeatHolder(objID string) (string, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	s, ok := sp.seats[objID]
	if !ok || s.holder == nil {
		return "", false
	}
	return s.holder.UserID, true
}

// 以下 *Locked 方法要求调用方已持有 sp.mu

// addLocked 加入会话；同一用户已有会话时返回被替换的旧会话
func (sp *Space) addLocked(s *Session) (displaced *Session) {
	if old, ok := sp.sessions[s.UserID]; ok && old != s {
		displaced = old
	}
	sp.sessions[s.UserID] = s
	sp.lastActive = sp.clock()
	return displaced
}

// removeLocked 仅当表中记录的仍是 s 时移除
func (sp *Space) removeLocked(s *Session) bool {
	cur, ok := sp.sessions[s.UserID]
	if !ok || cur != s {
		return false
	}
	delete(sp.sessions, s.UserID)
	sp.lastActive = sp.clock()
	return true
}

func (sp *Space) memberLocked(s *Session) bool {
	return sp.sessions[s.UserID] == s
}

func (sp *Space) touchLocked() {
	sp.lastActive = sp.clock()
}

// broadcastLocked 序列化一次后发送给除 exclude 外的所有会话
func (sp *Space) broadcastLocked(typ string, payload any, exclude *Session) {
	b := encode(typ, payload)
	if b == nil {
		return
	}
	for _, s := range sp.sessions {
		if s == exclude {
			continue
		}
		s.out.Enqueue(b)
	}
	sp.metrics.IncBroadcasts()
}

// releaseSeatLocked 释放 holder 坐着的座位：尽力写回存储，并向除 exclude 外的会话广播 player-stood-up。
// holder 可能已不在会话表中（被新连接替换），此处只读取其空间锁保护的字段。
func (sp *Space) releaseSeatLocked(ctx context.Context, holder, exclude *Session) {
	for _, objID := range sp.geo.InteractableIDs {
		st, ok := sp.seats[objID]
		if !ok || st.holder != holder {
			continue
		}
		it := sp.geo.Interactables[objID]
		pos, ok := world.StandPosition(it.Bounds, sp.blockingRectsLocked(), sp.positionsLocked(holder))
		if !ok {
			pos = world.Point{X: st.state.BeforeX, Y: st.state.BeforeY}
		}

		st.holder = nil
		st.state = store.State{ObjID: objID, Kind: string(world.KindSeat)}
		if err := sp.store.Set(ctx, sp.ID, objID, st.state); err != nil {
			sp.metrics.IncStoreFailures()
			Log.Warnw("releasing seat failed", "space", sp.ID, "objId", objID, "userId", holder.UserID, "error", err)
		}
		sp.metrics.IncSeatActions()
		sp.broadcastLocked(TypePlayerStoodUp, seatPayload{
			UserID: holder.UserID, ObjID: objID, Char: holder.char, X: pos.X, Y: pos.Y,
		}, exclude)
	}
}

// blockingRectsLocked 当前阻挡移动的矩形：静态碰撞 + 关闭的门
func (sp *Space) blockingRectsLocked() []world.Rect {
	rects := make([]world.Rect, 0, len(sp.geo.Collisions)+len(sp.doors))
	rects = append(rects, sp.geo.Collisions...)
	for _, door := range sp.geo.Doors() {
		if sp.doors[door.ObjID] == world.DoorClose {
			rects = append(rects, door.Bounds)
		}
	}
	return rects
}

// peersLocked 除 exclude 外所有会话的公开信息
func (sp *Space) peersLocked(exclude *Session) []PlayerInfo {
	players := make([]PlayerInfo, 0, len(sp.sessions))
	for _, s := range sp.sessions {
		if s == exclude {
			continue
		}
		players = append(players, s.info())
	}
	return players
}

// positionsLocked 除 exclude 外所有会话的当前位置
func (sp *Space) positionsLocked(exclude *Session) []world.Point {
	pts := make([]world.Point, 0, len(sp.sessions))
	for _, s := range sp.sessions {
		if s == exclude {
			continue
		}
		pts = append(pts, s.pos)
	}
	return pts
}
