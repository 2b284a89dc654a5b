package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tilespace/world"
)

// 客户端 -> 服务端
const (
	TypeJoin           = "join"
	TypeMove           = "move"
	TypeTriggerPressed = "trigger-pressed"
)

// 服务端 -> 客户端
const (
	TypeSpaceJoined          = "space-joined"
	TypeUserJoined           = "user-joined"
	TypeUserLeft             = "user-left"
	TypeMovementApproved     = "movement-approved"
	TypeMovementRestricted   = "movement-restricted"
	TypePlayerMoved          = "player-moved"
	TypeShowTrigger          = "show-trigger"
	TypeNoTrigger            = "no-trigger"
	TypeTriggerPressedResult = "trigger-pressed-result"
	TypeObjectStateChanged   = "object-state-changed"
	TypeChairAction          = "chair-action"
	TypePlayerSatDown        = "player-sat-down"
	TypePlayerStoodUp        = "player-stood-up"
	TypeError                = "error"
)

var (
	// ErrMalformed 非 JSON 或缺少 type，记录日志后丢弃
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType 未知消息类型，按协议违规处理
	ErrUnknownType = errors.New("unknown message type")
	// ErrBadPayload payload 缺字段或类型错误
	ErrBadPayload = errors.New("invalid payload")
)

// Envelope 消息外壳 {type, payload}
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientMessage 客户端消息的封闭集合：JoinMessage | MoveMessage | TriggerPressedMessage
type ClientMessage interface {
	clientMessage()
}

// 示例：{"type":"join","payload":{"spaceId":"space-1"}}
type JoinMessage struct {
	SpaceID string
}

// 示例：{"type":"move","payload":{"newX":32,"newY":48,"spaceId":"space-1"}}
type MoveMessage struct {
	Target  world.Point
	SpaceID string
}

// 示例：{"type":"trigger-pressed","payload":{"objId":"door-1"}}
type TriggerPressedMessage struct {
	ObjID string
}

func (JoinMessage) clientMessage()           {}
func (MoveMessage) clientMessage()           {}
func (TriggerPressedMessage) clientMessage() {}

// DecodeClientMessage 在传输边界一次性解码客户端消息
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch env.Type {
	case TypeJoin:
		var p struct {
			SpaceID string `json:"spaceId"`
		}
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.SpaceID) == "" {
			return nil, fmt.Errorf("%w: spaceId is required", ErrBadPayload)
		}
		return JoinMessage{SpaceID: p.SpaceID}, nil

	case TypeMove:
		var p struct {
			NewX    *float64 `json:"newX"`
			NewY    *float64 `json:"newY"`
			SpaceID string   `json:"spaceId"`
		}
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.NewX == nil || p.NewY == nil {
			return nil, fmt.Errorf("%w: newX and newY are required", ErrBadPayload)
		}
		return MoveMessage{Target: world.Point{X: *p.NewX, Y: *p.NewY}, SpaceID: p.SpaceID}, nil

	case TypeTriggerPressed:
		var p struct {
			ObjID string `json:"objId"`
		}
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.ObjID == "" {
			return nil, fmt.Errorf("%w: objId is required", ErrBadPayload)
		}
		return TriggerPressedMessage{ObjID: p.ObjID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: missing payload for %s", ErrBadPayload, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return nil
}

// PlayerInfo 快照与 user-joined 中的玩家信息
type PlayerInfo struct {
	ID   string  `json:"id"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Char string  `json:"char"`
}

type spaceJoinedPayload struct {
	Self    PlayerInfo   `json:"self"`
	Players []PlayerInfo `json:"players"`
}

type userLeftPayload struct {
	UserID string `json:"userId"`
}

type positionPayload struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Message string  `json:"message,omitempty"`
}

type playerMovedPayload struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type triggerPayload struct {
	ObjID string `json:"objId"`
}

type objectStatePayload struct {
	ObjID string `json:"objId"`
	State string `json:"state"`
}

type chairActionPayload struct {
	Action    string  `json:"action"`
	ObjID     string  `json:"objId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction,omitempty"`
}

type seatPayload struct {
	UserID    string  `json:"userId"`
	ObjID     string  `json:"objId"`
	Char      string  `json:"char"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// encode 序列化服务端消息；payload 为 nil 时省略
func encode(typ string, payload any) []byte {
	msg := struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: typ, Payload: payload}
	b, err := json.Marshal(msg)
	if err != nil {
		// payload 均为本包内的定长结构体，不会出现
		Log.Errorw("encoding outbound message", "type", typ, "error", err)
		return nil
	}
	return b
}
