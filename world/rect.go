package world

import "math"

// TileSize 地图瓦片边长（像素）
const TileSize = 16

// 碰撞盒：固定 6x6，居中于 16px 瓦片，与精灵尺寸无关
const (
	HitboxSize   = 6
	HitboxOffset = (TileSize - HitboxSize) / 2
)

// Point 地图像素坐标（左上角为原点）
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Finite 坐标是否为有限数
func (p Point) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Rect 轴对齐矩形（左上角 + 宽高）
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Overlaps 严格重叠判定，仅接触边缘不算碰撞
func (a Rect) Overlaps(b Rect) bool {
	return a.X < b.X+b.W && a.X+a.W > b.X && a.Y < b.Y+b.H && a.Y+a.H > b.Y
}

// Hitbox 返回位置 p 对应的碰撞盒
func Hitbox(p Point) Rect {
	return Rect{X: p.X + HitboxOffset, Y: p.Y + HitboxOffset, W: HitboxSize, H: HitboxSize}
}
