package server

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilespace/directory"
	"tilespace/store"
	"tilespace/world"
)

// Outbox 会话的发送端（由连接的写协程实现）
type Outbox interface {
	// Enqueue 非阻塞入队
	Enqueue(b []byte)
	// Close 发送完已入队消息后关闭连接
	Close()
}

type sessionState int

const (
	stateUnbound sessionState = iota
	stateJoined
	stateSitting
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateJoined:
		return "joined"
	case stateSitting:
		return "sitting"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// 客户端可见的拒绝原因
const (
	msgJoinFirst      = "join a space first"
	msgAlreadyJoined  = "already joined"
	msgSpaceNotFound  = "space not found"
	msgNotMember      = "you are not a member of this space"
	msgJoinFailed     = "failed to join space"
	msgSpaceMismatch  = "not joined to that space"
	msgSitting        = "cannot move while sitting, interact with the seat to stand up"
	msgObjNotFound    = "object not found"
	msgChairOccupied  = "chair occupied"
	msgAlreadySitting = "you are already sitting, stand up first"
	msgStoreFailed    = "could not update object state, try again"
	msgReplaced       = "session replaced by a newer connection"
)

// Session 单个连接上的协议状态机。
// 所有方法只在该连接的读协程中调用；绑定空间后 pos/char 等对外可见字段
// 只在持有空间锁时读写。
type Session struct {
	ID     string
	UserID string

	out      Outbox
	registry *Registry
	dir      directory.Directory
	log      *zap.SugaredLogger
	conn     *ConnMetrics // 可为 nil

	space     *Space
	state     sessionState
	pos       world.Point
	char      string
	seatID    string
	beforeSit world.Point
}

func NewSession(userID string, out Outbox, reg *Registry, dir directory.Directory) *Session {
	id := uuid.NewString()
	return &Session{
		ID:       id,
		UserID:   userID,
		out:      out,
		registry: reg,
		dir:      dir,
		log:      Log.With("conn", id, "user", userID),
	}
}

func (s *Session) info() PlayerInfo {
	return PlayerInfo{ID: s.UserID, X: s.pos.X, Y: s.pos.Y, Char: s.char}
}

func (s *Session) send(typ string, payload any) {
	if b := encode(typ, payload); b != nil {
		s.out.Enqueue(b)
	}
}

func (s *Session) sendError(msg string) {
	s.send(TypeError, errorPayload{Message: msg})
}

// reject 鉴权类失败：回复错误后关闭连接，之后到达的消息一律丢弃
func (s *Session) reject(msg string) {
	s.sendError(msg)
	s.state = stateClosed
	s.out.Close()
}

// Handle 处理一条入站消息，按到达顺序串行调用
func (s *Session) Handle(ctx context.Context, data []byte) {
	if s.state == stateClosed {
		return
	}
	msg, err := DecodeClientMessage(data)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			if s.conn != nil {
				s.conn.IncMalformed()
			}
			s.log.Debugw("dropping malformed message", "error", err)
			return
		}
		s.log.Infow("protocol violation", "error", err)
		s.sendError(err.Error())
		return
	}

	switch m := msg.(type) {
	case JoinMessage:
		s.join(ctx, m)
	case MoveMessage:
		s.move(m)
	case TriggerPressedMessage:
		s.interact(ctx, m)
	}
}

func (s *Session) join(ctx context.Context, m JoinMessage) {
	if s.state != stateUnbound {
		s.sendError(msgAlreadyJoined)
		return
	}

	rec, err := s.dir.LookupSpace(ctx, m.SpaceID)
	if errors.Is(err, directory.ErrNotFound) {
		s.log.Infow("join rejected: unknown space", "space", m.SpaceID)
		s.reject(msgSpaceNotFound)
		return
	}
	if err != nil {
		s.log.Errorw("directory lookup failed", "space", m.SpaceID, "error", err)
		s.sendError(msgJoinFailed)
		return
	}
	avatar, ok := rec.Member(s.UserID)
	if !ok {
		s.log.Infow("join rejected: not a member", "space", m.SpaceID)
		s.reject(msgNotMember)
		return
	}

	// 激活与加入之间空间可能被回收，重试一次
	for attempt := 0; attempt < 2; attempt++ {
		sp, err := s.registry.Activate(ctx, m.SpaceID)
		if err != nil {
			s.log.Errorw("activating space failed", "space", m.SpaceID, "error", err)
			s.sendError(msgJoinFailed)
			return
		}
		if s.enter(ctx, sp, avatar) {
			return
		}
	}
	s.sendError(msgJoinFailed)
}

// enter 在空间锁内完成加入；空间已被回收时返回 false
func (s *Session) enter(ctx context.Context, sp *Space, avatar string) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.evicted {
		return false
	}

	spawn := sp.geo.Spawn
	if !spawn.Finite() {
		s.log.Warnw("invalid spawn point, using fallback", "space", sp.ID)
		spawn = world.Point{X: 100, Y: 100}
	}

	s.space = sp
	s.pos = spawn
	s.char = avatar
	s.state = stateJoined

	if displaced := sp.addLocked(s); displaced != nil {
		s.log.Infow("displacing previous session", "space", sp.ID, "previous", displaced.ID)
		// 旧连接占着的座位交还给空间，新会话从出生点开始
		sp.releaseSeatLocked(ctx, displaced, s)
		displaced.sendError(msgReplaced)
		displaced.out.Close()
	}

	s.send(TypeSpaceJoined, spaceJoinedPayload{Self: s.info(), Players: sp.peersLocked(s)})
	sp.broadcastLocked(TypeUserJoined, s.info(), s)
	sp.metrics.IncJoins()
	s.log.Infow("joined space", "space", sp.ID, "x", spawn.X, "y", spawn.Y)
	return true
}

func (s *Session) move(m MoveMessage) {
	if s.state == stateUnbound {
		s.sendError(msgJoinFirst)
		return
	}
	sp := s.space
	if m.SpaceID != "" && m.SpaceID != sp.ID {
		s.sendError(msgSpaceMismatch)
		return
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.memberLocked(s) {
		s.sendError(msgReplaced)
		return
	}
	sp.touchLocked()

	if s.state == stateSitting {
		sp.metrics.IncMovesRestricted()
		s.send(TypeMovementRestricted, positionPayload{X: s.pos.X, Y: s.pos.Y, Message: msgSitting})
		return
	}
	if !m.Target.Finite() || world.Colliding(m.Target, sp.blockingRectsLocked()) {
		sp.metrics.IncMovesRestricted()
		s.log.Debugw("movement blocked", "x", m.Target.X, "y", m.Target.Y)
		s.send(TypeMovementRestricted, positionPayload{X: s.pos.X, Y: s.pos.Y})
		return
	}

	s.pos = m.Target
	sp.metrics.IncMovesApproved()
	s.send(TypeMovementApproved, positionPayload{X: s.pos.X, Y: s.pos.Y})
	sp.broadcastLocked(TypePlayerMoved, playerMovedPayload{UserID: s.UserID, X: s.pos.X, Y: s.pos.Y}, s)

	if t, ok := world.TriggerAt(s.pos, sp.geo.Triggers); ok {
		s.send(TypeShowTrigger, triggerPayload{ObjID: t.ObjID})
	} else {
		s.send(TypeNoTrigger, nil)
	}
}

func (s *Session) interact(ctx context.Context, m TriggerPressedMessage) {
	if s.state == stateUnbound {
		s.sendError(msgJoinFirst)
		return
	}
	sp := s.space

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.memberLocked(s) {
		s.sendError(msgReplaced)
		return
	}
	sp.touchLocked()

	it, ok := sp.geo.Interactable(m.ObjID)
	if !ok {
		s.sendError(msgObjNotFound)
		return
	}
	switch it.Kind {
	case world.KindSeat:
		s.seatLocked(ctx, sp, it)
	case world.KindDoor:
		s.doorLocked(ctx, sp, it)
	default:
		s.sendError(msgObjNotFound)
	}
}

func (s *Session) seatLocked(ctx context.Context, sp *Space, it world.Interactable) {
	st := sp.seats[it.ObjID]
	switch {
	case s.state == stateSitting && s.seatID == it.ObjID:
		s.standLocked(ctx, sp, it, st)
	case s.state == stateSitting:
		sp.metrics.IncRejections()
		s.sendError(msgAlreadySitting)
	case st.holder != nil && st.holder != s:
		sp.metrics.IncRejections()
		s.sendError(msgChairOccupied)
	default:
		s.sitLocked(ctx, sp, it, st)
	}
}

func (s *Session) sitLocked(ctx context.Context, sp *Space, it world.Interactable, st *seat) {
	sitPos := world.SitPosition(it.Bounds)
	next := store.State{
		ObjID:    it.ObjID,
		Kind:     string(world.KindSeat),
		Occupied: true,
		UserID:   s.UserID,
		X:        sitPos.X,
		Y:        sitPos.Y,
		BeforeX:  s.pos.X,
		BeforeY:  s.pos.Y,
	}
	if err := sp.store.Set(ctx, sp.ID, it.ObjID, next); err != nil {
		sp.metrics.IncStoreFailures()
		s.log.Errorw("persisting seat claim failed", "objId", it.ObjID, "error", err)
		s.sendError(msgStoreFailed)
		return
	}

	st.state = next
	st.holder = s
	s.beforeSit = s.pos
	s.pos = sitPos
	s.seatID = it.ObjID
	s.state = stateSitting
	sp.metrics.IncSeatActions()

	s.send(TypeChairAction, chairActionPayload{Action: "sit", ObjID: it.ObjID, X: s.pos.X, Y: s.pos.Y, Direction: it.Direction})
	sp.broadcastLocked(TypePlayerSatDown, seatPayload{
		UserID: s.UserID, ObjID: it.ObjID, Char: s.char, X: s.pos.X, Y: s.pos.Y, Direction: it.Direction,
	}, s)
}

func (s *Session) standLocked(ctx context.Context, sp *Space, it world.Interactable, st *seat) {
	pos, ok := world.StandPosition(it.Bounds, sp.blockingRectsLocked(), sp.positionsLocked(s))
	if !ok {
		pos = s.beforeSit
	}
	next := store.State{ObjID: it.ObjID, Kind: string(world.KindSeat)}
	if err := sp.store.Set(ctx, sp.ID, it.ObjID, next); err != nil {
		sp.metrics.IncStoreFailures()
		s.log.Errorw("persisting seat release failed", "objId", it.ObjID, "error", err)
		s.sendError(msgStoreFailed)
		return
	}

	st.state = next
	st.holder = nil
	s.pos = pos
	s.seatID = ""
	s.state = stateJoined
	sp.metrics.IncSeatActions()

	s.send(TypeChairAction, chairActionPayload{Action: "stand", ObjID: it.ObjID, X: s.pos.X, Y: s.pos.Y})
	sp.broadcastLocked(TypePlayerStoodUp, seatPayload{
		UserID: s.UserID, ObjID: it.ObjID, Char: s.char, X: s.pos.X, Y: s.pos.Y,
	}, s)
}

func (s *Session) doorLocked(ctx context.Context, sp *Space, it world.Interactable) {
	next := world.DoorOpen
	if sp.doors[it.ObjID] == world.DoorOpen {
		next = world.DoorClose
	}
	if err := sp.store.Set(ctx, sp.ID, it.ObjID, store.State{ObjID: it.ObjID, Kind: string(world.KindDoor), State: next}); err != nil {
		sp.metrics.IncStoreFailures()
		s.log.Errorw("persisting door state failed", "objId", it.ObjID, "error", err)
		s.sendError(msgStoreFailed)
		return
	}

	sp.doors[it.ObjID] = next
	sp.metrics.IncDoorToggles()
	s.log.Infow("door toggled", "objId", it.ObjID, "state", next)

	s.send(TypeTriggerPressedResult, objectStatePayload{ObjID: it.ObjID, State: next})
	sp.broadcastLocked(TypeObjectStateChanged, objectStatePayload{ObjID: it.ObjID, State: next}, nil)
}

// Close 连接断开：释放座位、移出空间并通知其他人，可重复调用
func (s *Session) Close(ctx context.Context) {
	if s.state == stateClosed {
		return
	}
	prev := s.state
	s.state = stateClosed
	if prev == stateUnbound || s.space == nil {
		return
	}

	sp := s.space
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.releaseSeatLocked(ctx, s, s)
	s.seatID = ""

	if sp.removeLocked(s) {
		sp.metrics.IncLeaves()
		sp.broadcastLocked(TypeUserLeft, userLeftPayload{UserID: s.UserID}, s)
		s.log.Infow("left space", "space", sp.ID, "state", prev)
	}
}
