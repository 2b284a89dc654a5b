// Package directory 提供空间、管理员与参与者记录的只读查询。
package directory

import (
	"context"
	"errors"
)

// ErrNotFound 空间不存在
var ErrNotFound = errors.New("space not found")

// Space 空间记录及其成员
type Space struct {
	ID          string
	Name        string
	MapID       string
	AdminID     string
	AdminAvatar string
	// Participants userID -> avatar
	Participants map[string]string
}

// Member 返回用户在该空间中的角色形象；非管理员且非参与者时 ok=false
func (s *Space) Member(userID string) (avatar string, ok bool) {
	if userID == "" {
		return "", false
	}
	if s.AdminID == userID {
		return s.AdminAvatar, true
	}
	avatar, ok = s.Participants[userID]
	return avatar, ok
}

// Directory 会话层依赖的查询接口
type Directory interface {
	LookupSpace(ctx context.Context, spaceID string) (*Space, error)
}
