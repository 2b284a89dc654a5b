package world

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Tiled 导出的 .tmj 地图（只解析用到的字段）
type tiledMap struct {
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	TileWidth  int          `json:"tilewidth"`
	TileHeight int          `json:"tileheight"`
	Layers     []tiledLayer `json:"layers"`
}

type tiledLayer struct {
	Name    string        `json:"name"`
	Type    string        `json:"type"`
	Objects []tiledObject `json:"objects"`
	Layers  []tiledLayer  `json:"layers"` // group 图层
}

type tiledObject struct {
	ID         int             `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	GID        uint32          `json:"gid"`
	X          float64         `json:"x"`
	Y          float64         `json:"y"`
	Width      float64         `json:"width"`
	Height     float64         `json:"height"`
	Properties []tiledProperty `json:"properties"`
}

type tiledProperty struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// mapObject 展平自定义属性后的地图对象
type mapObject struct {
	bounds Rect
	props  map[string]any
}

func (o mapObject) str(key string) string {
	if v, ok := o.props[key].(string); ok {
		return v
	}
	return ""
}

func (o mapObject) boolean(key string) bool {
	switch v := o.props[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

const (
	fallbackSpawnX = 100
	fallbackSpawnY = 100
)

// parseTiled 解析 Tiled JSON 并提取静态几何
func parseTiled(mapID string, data []byte, log *zap.SugaredLogger) (*Geometry, error) {
	var tm tiledMap
	if err := json.Unmarshal(data, &tm); err != nil {
		return nil, fmt.Errorf("decoding map %s: %w", mapID, err)
	}

	geo := &Geometry{
		MapID:         mapID,
		Width:         tm.Width,
		Height:        tm.Height,
		TileSize:      tm.TileWidth,
		Interactables: make(map[string]Interactable),
	}

	spawnFound := false
	for _, obj := range collectObjects(tm.Layers) {
		typ := obj.str("type")
		switch typ {
		case "spawn":
			if !spawnFound {
				geo.Spawn = Point{X: obj.bounds.X, Y: obj.bounds.Y}
				spawnFound = true
			}
		case "trigger":
			geo.Triggers = append(geo.Triggers, Trigger{ObjID: obj.str("obj_id"), Rect: obj.bounds})
		case "interactive":
			it, ok := interactableFrom(obj)
			if !ok {
				log.Warnw("skipping interactive object", "map", mapID, "objId", obj.str("obj_id"), "variant", obj.str("variant"))
				continue
			}
			if _, dup := geo.Interactables[it.ObjID]; dup {
				return nil, fmt.Errorf("map %s: duplicate obj_id %q", mapID, it.ObjID)
			}
			geo.Interactables[it.ObjID] = it
			geo.InteractableIDs = append(geo.InteractableIDs, it.ObjID)
			continue
		}
		if obj.boolean("obstructsMovement") {
			geo.Collisions = append(geo.Collisions, obj.bounds)
		}
	}

	if !spawnFound || !geo.Spawn.Finite() {
		log.Warnw("no spawn point in map, using fallback", "map", mapID, "x", fallbackSpawnX, "y", fallbackSpawnY)
		geo.Spawn = Point{X: fallbackSpawnX, Y: fallbackSpawnY}
		geo.SpawnFallback = true
	}
	return geo, nil
}

func collectObjects(layers []tiledLayer) []mapObject {
	var out []mapObject
	for _, l := range layers {
		switch l.Type {
		case "objectgroup":
			for _, o := range l.Objects {
				out = append(out, flatten(o))
			}
		case "group":
			out = append(out, collectObjects(l.Layers)...)
		}
	}
	return out
}

func flatten(o tiledObject) mapObject {
	props := make(map[string]any, len(o.Properties)+1)
	for _, p := range o.Properties {
		var v any
		if err := json.Unmarshal(p.Value, &v); err == nil {
			props[p.Name] = v
		}
	}
	if _, ok := props["type"]; !ok && o.Type != "" {
		props["type"] = o.Type
	}
	y := o.Y
	// 图块对象以左下角为原点
	if o.GID != 0 {
		y -= o.Height
	}
	return mapObject{
		bounds: Rect{X: o.X, Y: y, W: o.Width, H: o.Height},
		props:  props,
	}
}

func interactableFrom(obj mapObject) (Interactable, bool) {
	id := obj.str("obj_id")
	if id == "" {
		return Interactable{}, false
	}
	var kind Kind
	switch strings.ToLower(obj.str("variant")) {
	case "door":
		kind = KindDoor
	case "chair", "seat", "sofa", "bench":
		kind = KindSeat
	default:
		switch strings.ToLower(obj.str("interactionType")) {
		case "toggle", "door":
			kind = KindDoor
		case "sit", "seat":
			kind = KindSeat
		default:
			return Interactable{}, false
		}
	}

	it := Interactable{ObjID: id, Kind: kind, Bounds: obj.bounds}
	switch kind {
	case KindDoor:
		it.DefaultState = DoorClose
		if obj.str("state") == DoorOpen {
			it.DefaultState = DoorOpen
		}
	case KindSeat:
		it.Direction = obj.str("direction")
		if it.Direction == "" {
			it.Direction = "front"
		}
	}
	return it, true
}
