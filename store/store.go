// Package store 持久化可交互物体（门、座位）的运行时状态。
package store

import (
	"context"
	"errors"
)

// ErrUnavailable 存储不可达或操作失败
var ErrUnavailable = errors.New("interactable store unavailable")

// State 单个可交互物体的运行时状态
type State struct {
	ObjID string `json:"objId"`
	Kind  string `json:"kind"`

	// 门
	State string `json:"state,omitempty"`

	// 座位
	Occupied bool    `json:"occupied,omitempty"`
	UserID   string  `json:"userId,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	BeforeX  float64 `json:"beforeX,omitempty"`
	BeforeY  float64 `json:"beforeY,omitempty"`
}

// Store 外部键值存储契约。Get 返回 ok=false 表示尚无记录。
type Store interface {
	Get(ctx context.Context, spaceID, objID string) (State, bool, error)
	Set(ctx context.Context, spaceID, objID string, st State) error
}
