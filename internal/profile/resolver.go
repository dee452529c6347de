// Package profile 把用户输入的显示名解析为稳定的所有者 ID。
//
// 显示名会变化，信箱记录只认 UUID。档案在每次认证请求时刷新
// （相当于玩家上线事件），解析结果走本地缓存减少存储查询。
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"postbox/backend/internal/cache"
	"postbox/backend/internal/domain"
	"postbox/backend/internal/storage"
)

// ErrNameNotFound 显示名没有对应的已知用户
var ErrNameNotFound = errors.New("name does not resolve to a known user")

// Resolver 显示名解析器。
type Resolver struct {
	repo  storage.ProfileRepository
	cache *cache.LocalCache[string] // lower(name) -> ownerID
	log   *zap.Logger
}

// NewResolver 创建解析器。
func NewResolver(repo storage.ProfileRepository, log *zap.Logger) *Resolver {
	return &Resolver{
		repo:  repo,
		cache: cache.NewLocalCache[string](4096, 30*time.Second),
		log:   log,
	}
}

// Resolve 把显示名解析为所有者 ID。
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameNotFound
	}

	key := strings.ToLower(name)
	if ownerID, ok := r.cache.Get(key); ok {
		return ownerID, nil
	}

	found, err := r.repo.GetProfileByName(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrProfileNotFound) {
			return "", ErrNameNotFound
		}
		return "", fmt.Errorf("resolve name %q: %w", name, err)
	}

	r.cache.Set(key, found.OwnerID, 0)
	return found.OwnerID, nil
}

// NameOf 返回所有者 ID 当前的显示名（Resolve 的反向查询）。
func (r *Resolver) NameOf(ctx context.Context, ownerID string) (string, error) {
	found, err := r.repo.GetProfile(ctx, ownerID)
	if err != nil {
		if errors.Is(err, storage.ErrProfileNotFound) {
			return "", ErrNameNotFound
		}
		return "", fmt.Errorf("lookup name of %s: %w", ownerID, err)
	}
	return found.Name, nil
}

// Touch 刷新某用户的档案（认证请求到达时调用，相当于上线事件）。
func (r *Resolver) Touch(ctx context.Context, ownerID, name string) {
	err := r.repo.SaveProfile(ctx, &domain.Profile{
		OwnerID:    ownerID,
		Name:       name,
		LastSeenAt: time.Now().UTC(),
	})
	if err != nil {
		r.log.Warn("profile refresh failed",
			zap.String("owner", ownerID),
			zap.String("name", name),
			zap.Error(err),
		)
		return
	}
	r.cache.Set(strings.ToLower(name), ownerID, 0)
}

// Close 释放解析器持有的缓存。
func (r *Resolver) Close() {
	r.cache.Close()
}
