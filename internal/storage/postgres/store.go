// Package postgres 基于 GORM 的数据库存储实现，支持 PostgreSQL 与 MySQL。
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"postbox/backend/internal/codec"
	"postbox/backend/internal/domain"
	"postbox/backend/internal/storage"
)

// postboxRow 信箱记录的数据库行：一行对应一个所有者，槽位序列以
// 编码后的载荷整体存放。
type postboxRow struct {
	OwnerID   string    `gorm:"primaryKey;type:varchar(36)"`
	Payload   []byte    `gorm:"type:bytes;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName 指定表名。
func (postboxRow) TableName() string {
	return "postboxes"
}

// Store 数据库存储实现。
type Store struct {
	db    *gorm.DB
	codec *codec.Codec
}

// PoolConfig 连接池配置。
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore 创建 PostgreSQL 存储实例。
func NewStore(dsn string, c *codec.Codec, pool PoolConfig) (*Store, error) {
	return newStoreWithDialector(postgres.Open(dsn), c, pool)
}

// NewMySQLStore 创建 MySQL 存储实例。
func NewMySQLStore(dsn string, c *codec.Codec, pool PoolConfig) (*Store, error) {
	return newStoreWithDialector(mysql.Open(dsn), c, pool)
}

// newStoreWithDialector 使用指定的 GORM dialector 创建存储实例。
func newStoreWithDialector(dialector gorm.Dialector, c *codec.Codec, pool PoolConfig) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", storage.ErrUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	store := &Store{db: db, codec: c}
	if err := db.AutoMigrate(&postboxRow{}, &domain.Profile{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// Load 读取所有者的信箱记录，不存在时返回全新的空记录。
func (s *Store) Load(ctx context.Context, ownerID string) (*domain.Record, error) {
	var row postboxRow
	err := s.db.WithContext(ctx).First(&row, "owner_id = ?", ownerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NewRecord(ownerID, s.codec.Capacity()), nil
		}
		return nil, fmt.Errorf("%w: load record for %s: %v", storage.ErrUnavailable, ownerID, err)
	}

	slots, err := s.codec.Decode(row.Payload)
	if err != nil {
		if errors.Is(err, codec.ErrCapacityMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: record payload for %s: %v", storage.ErrCorrupt, ownerID, err)
	}

	return &domain.Record{
		OwnerID:   ownerID,
		Slots:     slots,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// Save 全量覆盖所有者的信箱记录，单行 upsert 保证全有或全无。
func (s *Store) Save(ctx context.Context, record *domain.Record) error {
	payload, err := s.codec.Encode(record.Slots)
	if err != nil {
		return err
	}

	row := postboxRow{
		OwnerID:   record.OwnerID,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: save record for %s: %v", storage.ErrUnavailable, record.OwnerID, err)
	}
	return nil
}

// SaveProfile 保存身份档案。
func (s *Store) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "last_seen_at"}),
	}).Create(profile).Error
	if err != nil {
		return fmt.Errorf("%w: save profile for %s: %v", storage.ErrUnavailable, profile.OwnerID, err)
	}
	return nil
}

// GetProfileByName 根据显示名查找档案。
func (s *Store) GetProfileByName(ctx context.Context, name string) (*domain.Profile, error) {
	var profile domain.Profile
	err := s.db.WithContext(ctx).First(&profile, "lower(name) = lower(?)", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrProfileNotFound
		}
		return nil, fmt.Errorf("%w: resolve name %q: %v", storage.ErrUnavailable, name, err)
	}
	return &profile, nil
}

// GetProfile 根据所有者 ID 查找档案。
func (s *Store) GetProfile(ctx context.Context, ownerID string) (*domain.Profile, error) {
	var profile domain.Profile
	err := s.db.WithContext(ctx).First(&profile, "owner_id = ?", ownerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrProfileNotFound
		}
		return nil, fmt.Errorf("%w: load profile for %s: %v", storage.ErrUnavailable, ownerID, err)
	}
	return &profile, nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
