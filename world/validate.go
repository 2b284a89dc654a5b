package world

// Colliding 位置 p 的碰撞盒是否与任一矩形重叠（命中即返回）
func Colliding(p Point, rects []Rect) bool {
	hb := Hitbox(p)
	for _, r := range rects {
		if hb.Overlaps(r) {
			return true
		}
	}
	return false
}

// TriggerAt 返回位置 p 所在的第一个触发区域。触发区域之间不应重叠。
func TriggerAt(p Point, triggers []Trigger) (Trigger, bool) {
	hb := Hitbox(p)
	for _, t := range triggers {
		if hb.Overlaps(t.Rect) {
			return t, true
		}
	}
	return Trigger{}, false
}

// SitPosition 坐下后玩家所在位置：横向居中，纵向下移一格
func SitPosition(seat Rect) Point {
	return Point{X: seat.X + seat.W/2 - TileSize, Y: seat.Y + TileSize}
}

// standOffsets 起身候选位置，按优先级：上、下、左、右、左上、右上、左下、右下
func standOffsets(seat Rect) []Point {
	return []Point{
		{X: 0, Y: -TileSize},
		{X: 0, Y: seat.H},
		{X: -TileSize, Y: 0},
		{X: seat.W, Y: 0},
		{X: -TileSize, Y: -TileSize},
		{X: seat.W, Y: -TileSize},
		{X: -TileSize, Y: seat.H},
		{X: seat.W, Y: seat.H},
	}
}

// StandPosition 为离开座位的玩家寻找落脚点。
// 候选点不得发生碰撞，也不得与其他玩家处于同一格内。
// 全部失败时退回座位正下方一格；若该位置也碰撞则 ok=false，由调用方决定去处。
func StandPosition(seat Rect, blocked []Rect, occupied []Point) (p Point, ok bool) {
	for _, off := range standOffsets(seat) {
		c := Point{X: seat.X + off.X, Y: seat.Y + off.Y}
		if nearAny(c, occupied) {
			continue
		}
		if !Colliding(c, blocked) {
			return c, true
		}
	}
	fallback := Point{X: seat.X, Y: seat.Y + seat.H}
	if Colliding(fallback, blocked) {
		return fallback, false
	}
	return fallback, true
}

func nearAny(p Point, others []Point) bool {
	for _, o := range others {
		if abs(o.X-p.X) < TileSize && abs(o.Y-p.Y) < TileSize {
			return true
		}
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
