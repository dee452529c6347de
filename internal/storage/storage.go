// Package storage 定义信箱持久化存储的统一接口。
package storage

import (
	"context"
	"errors"

	"postbox/backend/internal/domain"
)

var (
	// ErrUnavailable 存储后端不可达
	//
	// 本层不做重试，原样向调用方传播，由触发操作的调用方决定重试策略。
	ErrUnavailable = errors.New("storage backend unavailable")
	// ErrCorrupt 记录损坏，无法解码
	//
	// 对该条记录是致命错误，需要运维介入，绝不能静默替换为空记录。
	ErrCorrupt = errors.New("storage record corrupt")
	// ErrProfileNotFound 档案不存在
	ErrProfileNotFound = errors.New("profile not found")
)

// RecordRepository 定义信箱记录的存取操作。
//
// Load 对不存在的所有者返回一条全新的空记录，而不是错误——首次访问
// 即惰性创建。Save 对同一所有者是全量覆盖且全有或全无的：写入要么
// 完整生效，要么完全失败并保留旧记录。
type RecordRepository interface {
	Load(ctx context.Context, ownerID string) (*domain.Record, error)
	Save(ctx context.Context, record *domain.Record) error
}

// ProfileRepository 定义身份档案的存取操作。
type ProfileRepository interface {
	SaveProfile(ctx context.Context, profile *domain.Profile) error
	GetProfileByName(ctx context.Context, name string) (*domain.Profile, error)
	GetProfile(ctx context.Context, ownerID string) (*domain.Profile, error)
}

// Store 定义完整的存储接口。
type Store interface {
	RecordRepository
	ProfileRepository

	Close() error
	Health() error
}
