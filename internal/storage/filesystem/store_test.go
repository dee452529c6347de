package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbox/backend/internal/codec"
	"postbox/backend/internal/domain"
	"postbox/backend/internal/storage"
)

func newTestStore(t *testing.T, capacity int) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), codec.New(capacity))
	require.NoError(t, err)
	return store
}

func TestStore_SaveThenLoad(t *testing.T) {
	store := newTestStore(t, 9)
	ctx := context.Background()

	record := domain.NewRecord("7d6b1f6e-0000-4000-8000-000000000001", 9)
	record.Slots[0] = &domain.ItemStack{Type: "oak_log", Amount: 64}
	require.NoError(t, store.Save(ctx, record))

	loaded, err := store.Load(ctx, record.OwnerID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Slots[0])
	assert.Equal(t, "oak_log", loaded.Slots[0].Type)
	assert.Equal(t, 64, loaded.Slots[0].Amount)
	assert.Nil(t, loaded.Slots[1])
}

func TestStore_LoadMissingReturnsEmpty(t *testing.T) {
	store := newTestStore(t, 9)

	record, err := store.Load(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.True(t, record.IsEmpty())
	assert.Len(t, record.Slots, 9)
}

func TestStore_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, codec.New(9))
	require.NoError(t, err)
	ctx := context.Background()

	record := domain.NewRecord("owner-corrupt", 9)
	require.NoError(t, store.Save(ctx, record))

	path := filepath.Join(dir, "records", "owner-corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err = store.Load(ctx, "owner-corrupt")
	assert.ErrorIs(t, err, storage.ErrCorrupt)
}

func TestStore_CapacityChangeSurfaces(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	before, err := NewStore(dir, codec.New(18))
	require.NoError(t, err)
	require.NoError(t, before.Save(ctx, domain.NewRecord("owner-1", 18)))

	// 模拟运维把容量从 18 改到 9 后重启
	after, err := NewStore(dir, codec.New(9))
	require.NoError(t, err)

	_, err = after.Load(ctx, "owner-1")
	assert.ErrorIs(t, err, codec.ErrCapacityMismatch)
}

func TestStore_NameIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewStore(dir, codec.New(9))
	require.NoError(t, err)
	require.NoError(t, store.SaveProfile(ctx, &domain.Profile{
		OwnerID: "owner-1",
		Name:    "Steve",
	}))

	reopened, err := NewStore(dir, codec.New(9))
	require.NoError(t, err)

	profile, err := reopened.GetProfileByName(ctx, "STEVE")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", profile.OwnerID)
}
