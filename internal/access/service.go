// Package access 实现打开他人信箱的授权服务。
//
// 会话核心不做任何授权判断，只信任调用方；本包是命令边界上那个
// 被信任的判定者。授权来自两处：配置里的管理员名单（拥有全部
// 能力），以及 Redis 中持久化的显式授权条目。
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"postbox/backend/internal/cache"
)

// Capability 打开他人信箱的能力。
type Capability string

const (
	// CapabilityRead 查看他人信箱
	CapabilityRead Capability = "open-other.read"
	// CapabilityWrite 修改他人信箱（存入物品）
	CapabilityWrite Capability = "open-other.write"
)

// ErrGrantStoreUnavailable 授权存储不可达，无法给出判定
var ErrGrantStoreUnavailable = errors.New("grant store unavailable")

// Service 授权服务。
type Service struct {
	rdb    *goredis.Client // 可为 nil，此时只有管理员名单生效
	admins map[string]struct{}
	cache  *cache.LocalCache[bool]
	log    *zap.Logger
}

// NewService 创建授权服务。
func NewService(rdb *goredis.Client, adminIDs []string, log *zap.Logger) *Service {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Service{
		rdb:    rdb,
		admins: admins,
		cache:  cache.NewLocalCache[bool](8192, 30*time.Second),
		log:    log,
	}
}

// IsAuthorized 判定 viewer 是否拥有对 owner 信箱的指定能力。
//
// 拒绝是安全默认：授权存储不可达时返回 false 和错误，调用方不得
// 把错误当作放行。
func (s *Service) IsAuthorized(ctx context.Context, viewerID, ownerID string, capability Capability) (bool, error) {
	if _, ok := s.admins[viewerID]; ok {
		return true, nil
	}
	if s.rdb == nil {
		return false, nil
	}

	key := grantKey(viewerID, ownerID, capability)
	if allowed, ok := s.cache.Get(key); ok {
		return allowed, nil
	}

	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrGrantStoreUnavailable, err)
	}
	allowed := n > 0
	s.cache.Set(key, allowed, 0)
	return allowed, nil
}

// Grant 授予 viewer 对 owner 信箱的能力，ttl 为零表示不过期。
func (s *Service) Grant(ctx context.Context, viewerID, ownerID string, capability Capability, ttl time.Duration) error {
	if s.rdb == nil {
		return ErrGrantStoreUnavailable
	}
	key := grantKey(viewerID, ownerID, capability)
	if err := s.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrGrantStoreUnavailable, err)
	}
	s.cache.Delete(key)
	s.log.Info("access granted",
		zap.String("viewer", viewerID),
		zap.String("owner", ownerID),
		zap.String("capability", string(capability)),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// Revoke 撤销 viewer 对 owner 信箱的能力。
func (s *Service) Revoke(ctx context.Context, viewerID, ownerID string, capability Capability) error {
	if s.rdb == nil {
		return ErrGrantStoreUnavailable
	}
	key := grantKey(viewerID, ownerID, capability)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrGrantStoreUnavailable, err)
	}
	s.cache.Delete(key)
	s.log.Info("access revoked",
		zap.String("viewer", viewerID),
		zap.String("owner", ownerID),
		zap.String("capability", string(capability)),
	)
	return nil
}

// Close 释放本地缓存。
func (s *Service) Close() {
	s.cache.Close()
}

func grantKey(viewerID, ownerID string, capability Capability) string {
	return fmt.Sprintf("postbox:grant:%s:%s:%s", viewerID, ownerID, capability)
}
