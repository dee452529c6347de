// Package filesystem 将信箱记录以单文件每所有者的形式存放在磁盘上。
//
// 适合无数据库的单机部署。写入采用临时文件加重命名，保证单条记录的
// 保存要么完整生效要么保留旧内容。
package filesystem

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"context"

	"postbox/backend/internal/codec"
	"postbox/backend/internal/domain"
	"postbox/backend/internal/storage"
)

// Store 文件系统存储实现。
type Store struct {
	basePath string
	codec    *codec.Codec

	mu     sync.RWMutex
	byName map[string]string // lower(name) -> ownerID
}

// recordFile 信箱记录的磁盘格式。
type recordFile struct {
	OwnerID   string          `json:"ownerId"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// NewStore 创建文件系统存储实例并重建名称索引。
func NewStore(basePath string, c *codec.Codec) (*Store, error) {
	for _, dir := range []string{recordsDir(basePath), profilesDir(basePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	s := &Store{
		basePath: basePath,
		codec:    c,
		byName:   make(map[string]string),
	}
	if err := s.rebuildNameIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load 读取所有者的信箱记录，不存在时返回全新的空记录。
func (s *Store) Load(ctx context.Context, ownerID string) (*domain.Record, error) {
	data, err := os.ReadFile(s.recordPath(ownerID))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewRecord(ownerID, s.codec.Capacity()), nil
		}
		return nil, fmt.Errorf("%w: read record for %s: %v", storage.ErrUnavailable, ownerID, err)
	}

	var file recordFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: record file for %s: %v", storage.ErrCorrupt, ownerID, err)
	}
	slots, err := s.codec.Decode(file.Payload)
	if err != nil {
		if errors.Is(err, codec.ErrCapacityMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: record payload for %s: %v", storage.ErrCorrupt, ownerID, err)
	}

	return &domain.Record{
		OwnerID:   ownerID,
		Slots:     slots,
		UpdatedAt: file.UpdatedAt,
	}, nil
}

// Save 全量覆盖所有者的信箱记录。
func (s *Store) Save(ctx context.Context, record *domain.Record) error {
	payload, err := s.codec.Encode(record.Slots)
	if err != nil {
		return err
	}

	data, err := json.Marshal(recordFile{
		OwnerID:   record.OwnerID,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal record file: %w", err)
	}

	if err := writeAtomic(s.recordPath(record.OwnerID), data); err != nil {
		return fmt.Errorf("%w: write record for %s: %v", storage.ErrUnavailable, record.OwnerID, err)
	}
	return nil
}

// SaveProfile 保存身份档案。
func (s *Store) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := writeAtomic(s.profilePath(profile.OwnerID), data); err != nil {
		return fmt.Errorf("%w: write profile for %s: %v", storage.ErrUnavailable, profile.OwnerID, err)
	}

	s.mu.Lock()
	for name, id := range s.byName {
		if id == profile.OwnerID && name != strings.ToLower(profile.Name) {
			delete(s.byName, name)
		}
	}
	s.byName[strings.ToLower(profile.Name)] = profile.OwnerID
	s.mu.Unlock()
	return nil
}

// GetProfileByName 根据显示名查找档案。
func (s *Store) GetProfileByName(ctx context.Context, name string) (*domain.Profile, error) {
	s.mu.RLock()
	ownerID, ok := s.byName[strings.ToLower(name)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrProfileNotFound
	}
	return s.GetProfile(ctx, ownerID)
}

// GetProfile 根据所有者 ID 查找档案。
func (s *Store) GetProfile(ctx context.Context, ownerID string) (*domain.Profile, error) {
	data, err := os.ReadFile(s.profilePath(ownerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrProfileNotFound
		}
		return nil, fmt.Errorf("%w: read profile for %s: %v", storage.ErrUnavailable, ownerID, err)
	}
	var profile domain.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("%w: profile file for %s: %v", storage.ErrCorrupt, ownerID, err)
	}
	return &profile, nil
}

// Close 关闭存储。
func (s *Store) Close() error {
	return nil
}

// Health 检查基础目录可写。
func (s *Store) Health() error {
	probe := filepath.Join(s.basePath, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return os.Remove(probe)
}

// rebuildNameIndex 启动时扫描档案目录重建名称索引。
func (s *Store) rebuildNameIndex() error {
	entries, err := os.ReadDir(profilesDir(s.basePath))
	if err != nil {
		return fmt.Errorf("scan profiles: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(profilesDir(s.basePath), entry.Name()))
		if err != nil {
			continue
		}
		var profile domain.Profile
		if err := json.Unmarshal(data, &profile); err != nil {
			continue
		}
		s.byName[strings.ToLower(profile.Name)] = profile.OwnerID
	}
	return nil
}

func (s *Store) recordPath(ownerID string) string {
	return filepath.Join(recordsDir(s.basePath), ownerID+".json")
}

func (s *Store) profilePath(ownerID string) string {
	return filepath.Join(profilesDir(s.basePath), ownerID+".json")
}

func recordsDir(base string) string {
	return filepath.Join(base, "records")
}

func profilesDir(base string) string {
	return filepath.Join(base, "profiles")
}

// writeAtomic 通过临时文件加重命名实现原子写入。
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
