package server

import (
	"sync/atomic"
)

// SpaceMetrics 记录空间运行期的关键指标（用于监控与调试）
type SpaceMetrics struct {
	Joins           int64 // 成功加入次数
	Leaves          int64 // 断开次数
	MovesApproved   int64 // 通过校验的移动
	MovesRestricted int64 // 因碰撞或坐下被拒绝的移动
	DoorToggles     int64 // 门状态切换
	SeatActions     int64 // 坐下与起身
	Rejections      int64 // 状态冲突（座位被占等）
	StoreFailures   int64 // 存储写入失败
	Broadcasts      int64 // 广播次数
}

func (m *SpaceMetrics) IncJoins()           { atomic.AddInt64(&m.Joins, 1) }
func (m *SpaceMetrics) IncLeaves()          { atomic.AddInt64(&m.Leaves, 1) }
func (m *SpaceMetrics) IncMovesApproved()   { atomic.AddInt64(&m.MovesApproved, 1) }
func (m *SpaceMetrics) IncMovesRestricted() { atomic.AddInt64(&m.MovesRestricted, 1) }
func (m *SpaceMetrics) IncDoorToggles()     { atomic.AddInt64(&m.DoorToggles, 1) }
func (m *SpaceMetrics) IncSeatActions()     { atomic.AddInt64(&m.SeatActions, 1) }
func (m *SpaceMetrics) IncRejections()      { atomic.AddInt64(&m.Rejections, 1) }
func (m *SpaceMetrics) IncStoreFailures()   { atomic.AddInt64(&m.StoreFailures, 1) }
func (m *SpaceMetrics) IncBroadcasts()      { atomic.AddInt64(&m.Broadcasts, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *SpaceMetrics) Snapshot() map[string]any {
	return map[string]any{
		"joins":            atomic.LoadInt64(&m.Joins),
		"leaves":           atomic.LoadInt64(&m.Leaves),
		"moves_approved":   atomic.LoadInt64(&m.MovesApproved),
		"moves_restricted": atomic.LoadInt64(&m.MovesRestricted),
		"door_toggles":     atomic.LoadInt64(&m.DoorToggles),
		"seat_actions":     atomic.LoadInt64(&m.SeatActions),
		"rejections":       atomic.LoadInt64(&m.Rejections),
		"store_failures":   atomic.LoadInt64(&m.StoreFailures),
		"broadcasts":       atomic.LoadInt64(&m.Broadcasts),
	}
}

// ConnMetrics 连接层指标（全进程）
type ConnMetrics struct {
	Accepted     int64 // 已建立的连接
	AuthRejected int64 // 鉴权失败
	Malformed    int64 // 无法解析的消息
	SendDropped  int64 // 发送队列满被丢弃的消息
}

func (m *ConnMetrics) IncAccepted()     { atomic.AddInt64(&m.Accepted, 1) }
func (m *ConnMetrics) IncAuthRejected() { atomic.AddInt64(&m.AuthRejected, 1) }
func (m *ConnMetrics) IncMalformed()    { atomic.AddInt64(&m.Malformed, 1) }
func (m *ConnMetrics) IncSendDropped()  { atomic.AddInt64(&m.SendDropped, 1) }

func (m *ConnMetrics) Snapshot() map[string]any {
	return map[string]any{
		"accepted":      atomic.LoadInt64(&m.Accepted),
		"auth_rejected": atomic.LoadInt64(&m.AuthRejected),
		"malformed":     atomic.LoadInt64(&m.Malformed),
		"send_dropped":  atomic.LoadInt64(&m.SendDropped),
	}
}
