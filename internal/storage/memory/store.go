// Package memory 使用内存保存信箱记录与档案，主要用于开发与测试。
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"postbox/backend/internal/domain"
	"postbox/backend/internal/storage"
)

// Store 内存存储实现。
//
// 记录在进出存储时均做深拷贝，调用方持有的记录与存储内部状态互不
// 共享，以模拟真实后端的读写语义。
type Store struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]*domain.Record  // ownerID -> record
	profiles map[string]*domain.Profile // ownerID -> profile
	byName   map[string]string          // lower(name) -> ownerID
}

// NewStore 创建一个内存存储实例。
func NewStore(capacity int) *Store {
	return &Store{
		capacity: capacity,
		records:  make(map[string]*domain.Record),
		profiles: make(map[string]*domain.Profile),
		byName:   make(map[string]string),
	}
}

// Load 读取所有者的信箱记录，不存在时返回全新的空记录。
func (s *Store) Load(ctx context.Context, ownerID string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[ownerID]
	if !ok {
		return domain.NewRecord(ownerID, s.capacity), nil
	}
	return record.Clone(), nil
}

// Save 全量覆盖所有者的信箱记录。
func (s *Store) Save(ctx context.Context, record *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := record.Clone()
	saved.UpdatedAt = time.Now().UTC()
	s.records[record.OwnerID] = saved
	return nil
}

// SaveProfile 保存身份档案。
func (s *Store) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *profile
	if old, ok := s.profiles[profile.OwnerID]; ok && old.Name != profile.Name {
		delete(s.byName, strings.ToLower(old.Name))
	}
	s.profiles[profile.OwnerID] = &copied
	s.byName[strings.ToLower(profile.Name)] = profile.OwnerID
	return nil
}

// GetProfileByName 根据显示名查找档案。
func (s *Store) GetProfileByName(ctx context.Context, name string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ownerID, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, storage.ErrProfileNotFound
	}
	copied := *s.profiles[ownerID]
	return &copied, nil
}

// GetProfile 根据所有者 ID 查找档案。
func (s *Store) GetProfile(ctx context.Context, ownerID string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profiles[ownerID]
	if !ok {
		return nil, storage.ErrProfileNotFound
	}
	copied := *profile
	return &copied, nil
}

// Close 关闭存储，内存实现无事可做。
func (s *Store) Close() error {
	return nil
}

// Health 检查存储健康状态。
func (s *Store) Health() error {
	return nil
}
