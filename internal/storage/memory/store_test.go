package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbox/backend/internal/domain"
	"postbox/backend/internal/storage"
)

func TestStore_LoadCreatesEmptyRecord(t *testing.T) {
	store := NewStore(9)
	ctx := context.Background()

	t.Run("首次读取返回全空记录而非错误", func(t *testing.T) {
		record, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "owner-1", record.OwnerID)
		assert.Len(t, record.Slots, 9)
		assert.True(t, record.IsEmpty())
	})
}

func TestStore_SaveThenLoad(t *testing.T) {
	store := NewStore(9)
	ctx := context.Background()

	record := domain.NewRecord("owner-1", 9)
	record.Slots[2] = &domain.ItemStack{Type: "gold_ingot", Amount: 8}
	require.NoError(t, store.Save(ctx, record))

	t.Run("读取到已保存的槽位内容", func(t *testing.T) {
		loaded, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		require.NotNil(t, loaded.Slots[2])
		assert.Equal(t, "gold_ingot", loaded.Slots[2].Type)
		assert.Equal(t, 8, loaded.Slots[2].Amount)
	})

	t.Run("调用方修改已读取的记录不影响存储内容", func(t *testing.T) {
		loaded, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		loaded.Slots[2] = nil

		again, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		assert.NotNil(t, again.Slots[2])
	})
}

func TestStore_Profiles(t *testing.T) {
	store := NewStore(9)
	ctx := context.Background()

	profile := &domain.Profile{OwnerID: "owner-1", Name: "Steve"}
	require.NoError(t, store.SaveProfile(ctx, profile))

	t.Run("按名称解析不区分大小写", func(t *testing.T) {
		found, err := store.GetProfileByName(ctx, "steve")
		require.NoError(t, err)
		assert.Equal(t, "owner-1", found.OwnerID)
	})

	t.Run("改名后旧名称不再可解析", func(t *testing.T) {
		renamed := &domain.Profile{OwnerID: "owner-1", Name: "Alex"}
		require.NoError(t, store.SaveProfile(ctx, renamed))

		_, err := store.GetProfileByName(ctx, "Steve")
		assert.ErrorIs(t, err, storage.ErrProfileNotFound)

		found, err := store.GetProfileByName(ctx, "Alex")
		require.NoError(t, err)
		assert.Equal(t, "owner-1", found.OwnerID)
	})

	t.Run("未知名称返回档案不存在", func(t *testing.T) {
		_, err := store.GetProfileByName(ctx, "nobody")
		assert.ErrorIs(t, err, storage.ErrProfileNotFound)
	})
}
