package world

// Kind 可交互物体类别
type Kind string

const (
	KindDoor Kind = "door"
	KindSeat Kind = "seat"
)

// 门的两种状态
const (
	DoorOpen  = "open"
	DoorClose = "close"
)

// Trigger 触发区域：进入后服务端提示可交互
type Trigger struct {
	ObjID string `json:"objId"`
	Rect
}

// Interactable 可交互物体的静态描述（门、座位）
type Interactable struct {
	ObjID        string `json:"objId"`
	Kind         Kind   `json:"kind"`
	Bounds       Rect   `json:"bounds"`
	DefaultState string `json:"defaultState,omitempty"` // 仅门使用
	Direction    string `json:"direction,omitempty"`    // 仅座位使用
}

// Geometry 空间的静态几何信息，首次加载后不再变化
type Geometry struct {
	MapID         string
	Width         int
	Height        int
	TileSize      int
	Collisions    []Rect
	Triggers      []Trigger
	Interactables map[string]Interactable
	// InteractableIDs 保持地图中的出现顺序，便于按序加载状态
	InteractableIDs []string
	Spawn           Point
	SpawnFallback   bool
}

// Interactable 按 objID 查找可交互物体
func (g *Geometry) Interactable(objID string) (Interactable, bool) {
	it, ok := g.Interactables[objID]
	return it, ok
}

// Doors 返回所有门的描述（地图顺序）
func (g *Geometry) Doors() []Interactable {
	var out []Interactable
	for _, id := range g.InteractableIDs {
		if it := g.Interactables[id]; it.Kind == KindDoor {
			out = append(out, it)
		}
	}
	return out
}
