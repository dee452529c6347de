package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postbox/backend/internal/domain"
	"postbox/backend/internal/storage"
	"postbox/backend/internal/storage/memory"
)

const testCapacity = 9

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.NewStore(testCapacity)
	m := NewManager(store, NewRegistry(), Config{Capacity: testCapacity}, zap.NewNop())
	return m, store
}

func stack(itemType string, amount int) *domain.ItemStack {
	return &domain.ItemStack{Type: itemType, Amount: amount}
}

func TestManager_OpenOwnIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("重复打开自己的信箱返回同一句柄", func(t *testing.T) {
		first, err := m.OpenOwn(ctx, "owner-1")
		require.NoError(t, err)

		second, err := m.OpenOwn(ctx, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, first.Handle, second.Handle)
		assert.Equal(t, 1, m.Registry().Len())
	})

	t.Run("关闭后重新打开产生新会话", func(t *testing.T) {
		view, err := m.OpenOwn(ctx, "owner-2")
		require.NoError(t, err)
		require.NoError(t, m.Close(ctx, view.Handle))

		reopened, err := m.OpenOwn(ctx, "owner-2")
		require.NoError(t, err)
		assert.NotEqual(t, view.Handle, reopened.Handle)
	})
}

func TestManager_SingleOwnerSessionInvariant(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// 并发打开同一所有者，注册表里最终只能有一个 OWNER 会话
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.OpenOwn(ctx, "owner-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	owned := m.Registry().FindByOwner("owner-1")
	ownerSessions := 0
	for _, s := range owned {
		if s.Mode() == ModeOwner {
			ownerSessions++
		}
	}
	assert.Equal(t, 1, ownerSessions)
}

func TestManager_OpenOtherAlwaysNewSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	owner, err := m.OpenOwn(ctx, "owner-1")
	require.NoError(t, err)

	guest1, err := m.OpenOther(ctx, "admin-1", "owner-1", true)
	require.NoError(t, err)
	guest2, err := m.OpenOther(ctx, "admin-2", "owner-1", true)
	require.NoError(t, err)

	assert.NotEqual(t, owner.Handle, guest1.Handle)
	assert.NotEqual(t, guest1.Handle, guest2.Handle)
	assert.Equal(t, 3, m.Registry().Len())

	t.Run("访客编辑不会透写进所有者的容器", func(t *testing.T) {
		require.NoError(t, m.Apply(guest1.Handle, 0, stack("emerald", 3)))

		ownerView, err := m.ViewOf(owner.Handle)
		require.NoError(t, err)
		assert.Nil(t, ownerView.Slots[0])
	})
}

func TestManager_OwnerCloseFlushesVerbatim(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	view, err := m.OpenOwn(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, m.Apply(view.Handle, 4, stack("diamond", 2)))
	require.NoError(t, m.Apply(view.Handle, 4, nil)) // 又拿走了
	require.NoError(t, m.Apply(view.Handle, 7, stack("iron_ingot", 12)))
	require.NoError(t, m.Close(ctx, view.Handle))

	record, err := store.Load(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, record.Slots[4])
	require.NotNil(t, record.Slots[7])
	assert.Equal(t, "iron_ingot", record.Slots[7].Type)
	assert.Equal(t, 0, m.Registry().Len())
}

func TestManager_GuestReconcileMergesAdditionsOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("所有者移除与访客新增互不丢失", func(t *testing.T) {
		m, store := newTestManager(t)

		// 初始记录：槽位 1 有物品
		seed := domain.NewRecord("owner-1", testCapacity)
		seed.Slots[1] = stack("gold_ingot", 10)
		require.NoError(t, store.Save(ctx, seed))

		owner, err := m.OpenOwn(ctx, "owner-1")
		require.NoError(t, err)
		guest, err := m.OpenOther(ctx, "admin-1", "owner-1", true)
		require.NoError(t, err)

		// 访客往空槽位 0 放入新增；所有者移除无关的槽位 1 并先关闭
		require.NoError(t, m.Apply(guest.Handle, 0, stack("emerald", 5)))
		require.NoError(t, m.Apply(owner.Handle, 1, nil))
		require.NoError(t, m.Close(ctx, owner.Handle))
		require.NoError(t, m.Close(ctx, guest.Handle))

		record, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		require.NotNil(t, record.Slots[0], "访客新增保留")
		assert.Equal(t, "emerald", record.Slots[0].Type)
		assert.Nil(t, record.Slots[1], "所有者的移除未被访客回滚")
	})

	t.Run("访客的移除在对账时是空操作", func(t *testing.T) {
		m, store := newTestManager(t)

		seed := domain.NewRecord("owner-2", testCapacity)
		seed.Slots[3] = stack("netherite_ingot", 1)
		require.NoError(t, store.Save(ctx, seed))

		guest, err := m.OpenOther(ctx, "admin-1", "owner-2", true)
		require.NoError(t, err)
		require.NoError(t, m.Apply(guest.Handle, 3, nil))
		require.NoError(t, m.Close(ctx, guest.Handle))

		record, err := store.Load(ctx, "owner-2")
		require.NoError(t, err)
		require.NotNil(t, record.Slots[3], "未授权的取件不生效")
	})

	t.Run("新增槽位被抢占时挪到第一个空槽位", func(t *testing.T) {
		m, store := newTestManager(t)

		guest, err := m.OpenOther(ctx, "admin-1", "owner-3", true)
		require.NoError(t, err)
		require.NoError(t, m.Apply(guest.Handle, 0, stack("emerald", 1)))

		// 访客在线期间有人直接投递占掉了槽位 0
		_, err = m.Send(ctx, "owner-3", stack("arrow", 64))
		require.NoError(t, err)

		require.NoError(t, m.Close(ctx, guest.Handle))

		record, err := store.Load(ctx, "owner-3")
		require.NoError(t, err)
		require.NotNil(t, record.Slots[0])
		assert.Equal(t, "arrow", record.Slots[0].Type)
		require.NotNil(t, record.Slots[1])
		assert.Equal(t, "emerald", record.Slots[1].Type)
	})
}

func TestManager_GuestReplacePolicy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(testCapacity)
	m := NewManager(store, NewRegistry(), Config{
		Capacity:   testCapacity,
		GuestMerge: MergeReplace,
	}, zap.NewNop())

	seed := domain.NewRecord("owner-1", testCapacity)
	seed.Slots[2] = stack("gold_ingot", 4)
	require.NoError(t, store.Save(ctx, seed))

	guest, err := m.OpenOther(ctx, "admin-1", "owner-1", true)
	require.NoError(t, err)
	require.NoError(t, m.Apply(guest.Handle, 2, nil)) // 取走
	require.NoError(t, m.Close(ctx, guest.Handle))

	record, err := store.Load(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, record.Slots[2], "replace 策略下访客取件生效")
}

func TestManager_ReadOnlyGuest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	guest, err := m.OpenOther(ctx, "viewer-1", "owner-1", false)
	require.NoError(t, err)

	err = m.Apply(guest.Handle, 0, stack("emerald", 1))
	assert.ErrorIs(t, err, ErrReadOnlySession)
}

func TestManager_ApplyAfterCloseRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	view, err := m.OpenOwn(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, view.Handle))

	err = m.Apply(view.Handle, 0, stack("emerald", 1))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("目标不在线时直接写存储", func(t *testing.T) {
		m, store := newTestManager(t)

		slot, err := m.Send(ctx, "owner-1", stack("cobblestone", 64))
		require.NoError(t, err)
		assert.Equal(t, 0, slot)

		record, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		require.NotNil(t, record.Slots[0])
		assert.Equal(t, "cobblestone", record.Slots[0].Type)
	})

	t.Run("目标在线时写进会话容器且存储推迟到关闭", func(t *testing.T) {
		m, store := newTestManager(t)

		view, err := m.OpenOwn(ctx, "owner-1")
		require.NoError(t, err)

		slot, err := m.Send(ctx, "owner-1", stack("diamond", 3))
		require.NoError(t, err)

		// 在线容器立即可见
		live, err := m.ViewOf(view.Handle)
		require.NoError(t, err)
		require.NotNil(t, live.Slots[slot])
		assert.Equal(t, "diamond", live.Slots[slot].Type)

		// 关闭前存储里还没有
		record, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		assert.Nil(t, record.Slots[slot])

		require.NoError(t, m.Close(ctx, view.Handle))
		record, err = store.Load(ctx, "owner-1")
		require.NoError(t, err)
		require.NotNil(t, record.Slots[slot])
		assert.Equal(t, "diamond", record.Slots[slot].Type)
	})

	t.Run("信箱全满时报错且记录不变", func(t *testing.T) {
		m, store := newTestManager(t)

		full := domain.NewRecord("owner-1", testCapacity)
		for i := range full.Slots {
			full.Slots[i] = stack("dirt", 64)
		}
		require.NoError(t, store.Save(ctx, full))

		before, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)

		_, err = m.Send(ctx, "owner-1", stack("diamond", 1))
		assert.ErrorIs(t, err, domain.ErrPostboxFull)

		after, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		for i := range before.Slots {
			assert.True(t, before.Slots[i].Equal(after.Slots[i]), "slot %d", i)
		}
	})
}

func TestManager_CloseAllFor(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	// user-1 持有自己的 OWNER 会话和两个不同所有者上的 GUEST 会话
	own, err := m.OpenOwn(ctx, "user-1")
	require.NoError(t, err)
	guestA, err := m.OpenOther(ctx, "user-1", "owner-a", true)
	require.NoError(t, err)
	guestB, err := m.OpenOther(ctx, "user-1", "owner-b", true)
	require.NoError(t, err)

	require.NoError(t, m.Apply(own.Handle, 0, stack("oak_log", 8)))
	require.NoError(t, m.Apply(guestA.Handle, 0, stack("emerald", 1)))
	require.NoError(t, m.Apply(guestB.Handle, 5, stack("diamond", 2)))

	require.NoError(t, m.CloseAllFor(ctx, "user-1"))

	assert.Empty(t, m.Registry().FindByViewer("user-1"))
	assert.Equal(t, 0, m.Registry().Len())

	ownRecord, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, ownRecord.Slots[0])
	assert.Equal(t, "oak_log", ownRecord.Slots[0].Type)

	recordA, err := store.Load(ctx, "owner-a")
	require.NoError(t, err)
	require.NotNil(t, recordA.Slots[0])
	assert.Equal(t, "emerald", recordA.Slots[0].Type)

	recordB, err := store.Load(ctx, "owner-b")
	require.NoError(t, err)
	require.NotNil(t, recordB.Slots[5])
	assert.Equal(t, "diamond", recordB.Slots[5].Type)
}

// failingStore 包装内存存储，使 Save 失败可控。
type failingStore struct {
	*memory.Store
	mu       sync.Mutex
	failSave bool
}

func (f *failingStore) Save(ctx context.Context, record *domain.Record) error {
	f.mu.Lock()
	fail := f.failSave
	f.mu.Unlock()
	if fail {
		return storage.ErrUnavailable
	}
	return f.Store.Save(ctx, record)
}

func (f *failingStore) setFail(fail bool) {
	f.mu.Lock()
	f.failSave = fail
	f.mu.Unlock()
}

func TestManager_FlushFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: memory.NewStore(testCapacity)}
	m := NewManager(store, NewRegistry(), Config{Capacity: testCapacity}, zap.NewNop())

	view, err := m.OpenOwn(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, m.Apply(view.Handle, 0, stack("diamond", 1)))

	store.setFail(true)
	err = m.Close(ctx, view.Handle)
	require.ErrorIs(t, err, storage.ErrUnavailable)

	t.Run("落盘失败后会话保持 CLOSING 且不注销", func(t *testing.T) {
		s, ok := m.Registry().FindByHandle(view.Handle)
		require.True(t, ok)
		assert.Equal(t, StateClosing, s.State())
	})

	t.Run("CLOSING 期间拒绝新的变更事件", func(t *testing.T) {
		err := m.Apply(view.Handle, 1, stack("emerald", 1))
		assert.ErrorIs(t, err, ErrSessionNotOpen)
	})

	t.Run("CLOSING 期间投递被拒绝而不是写出旧状态", func(t *testing.T) {
		_, err := m.Send(ctx, "owner-1", stack("arrow", 16))
		assert.ErrorIs(t, err, ErrOwnerFlushPending)
	})

	t.Run("重试关闭成功后编辑落盘", func(t *testing.T) {
		store.setFail(false)
		require.NoError(t, m.Close(ctx, view.Handle))

		record, err := store.Load(ctx, "owner-1")
		require.NoError(t, err)
		require.NotNil(t, record.Slots[0])
		assert.Equal(t, "diamond", record.Slots[0].Type)
		assert.Equal(t, 0, m.Registry().Len())
	})
}

func TestManager_CloseAllForIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: memory.NewStore(testCapacity)}
	m := NewManager(store, NewRegistry(), Config{Capacity: testCapacity}, zap.NewNop())

	// 第一个会话落盘会失败，第二个必须照常拆除
	own, err := m.OpenOwn(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, m.Apply(own.Handle, 0, stack("dirt", 1)))

	guest, err := m.OpenOther(ctx, "user-1", "owner-a", true)
	require.NoError(t, err)

	store.setFail(true)
	err = m.CloseAllFor(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	// 访客会话没有新增，对账无需写存储，应当已经关闭
	_, stillThere := m.Registry().FindByHandle(guest.Handle)
	assert.False(t, stillThere)
	_, ownerKept := m.Registry().FindByHandle(own.Handle)
	assert.True(t, ownerKept, "失败的会话保留待重试")
}

func TestManager_ForceClose(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: memory.NewStore(testCapacity)}
	m := NewManager(store, NewRegistry(), Config{Capacity: testCapacity}, zap.NewNop())

	view, err := m.OpenOwn(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, m.Apply(view.Handle, 0, stack("diamond", 1)))

	store.setFail(true)
	require.Error(t, m.Close(ctx, view.Handle))

	require.NoError(t, m.ForceClose(view.Handle))
	assert.Equal(t, 0, m.Registry().Len())

	// 丢弃的编辑不出现在存储里
	store.setFail(false)
	record, err := store.Load(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, record.Slots[0])
}

func TestManager_RejectsCapacityMismatchedRecord(t *testing.T) {
	ctx := context.Background()
	// 存储按旧容量建的记录，管理器配置了新容量
	store := memory.NewStore(testCapacity + 3)
	m := NewManager(store, NewRegistry(), Config{Capacity: testCapacity}, zap.NewNop())

	t.Run("打开自己的信箱报记录损坏", func(t *testing.T) {
		_, err := m.OpenOwn(ctx, "owner-1")
		assert.ErrorIs(t, err, storage.ErrCorrupt)
	})

	t.Run("访客打开报记录损坏", func(t *testing.T) {
		_, err := m.OpenOther(ctx, "viewer-1", "owner-1", false)
		assert.ErrorIs(t, err, storage.ErrCorrupt)
	})

	t.Run("离线投递报记录损坏", func(t *testing.T) {
		_, err := m.Send(ctx, "owner-1", stack("dirt", 1))
		assert.ErrorIs(t, err, storage.ErrCorrupt)
	})
}

func TestManager_OwnerGatesReclaimed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	gateCount := func() int {
		m.gatesMu.Lock()
		defer m.gatesMu.Unlock()
		return len(m.gates)
	}

	view, err := m.OpenOwn(ctx, "owner-1")
	require.NoError(t, err)
	_, err = m.Send(ctx, "owner-2", stack("book", 1))
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, view.Handle))

	// 操作全部结束后门锁表为空，不随所有者数量增长
	assert.Zero(t, gateCount())

	// 并发操作结束后同样回收
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := "concurrent-owner"
			if i%2 == 0 {
				if v, err := m.OpenOwn(ctx, owner); err == nil {
					_ = m.Close(ctx, v.Handle)
				}
			} else {
				_, _ = m.Send(ctx, owner, stack("dirt", 1))
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, gateCount())
}

func TestRegistry_OwnerInvariant(t *testing.T) {
	r := NewRegistry()

	first := newSession("h1", 1, "owner-1", "owner-1", ModeOwner, true, make([]domain.Slot, testCapacity))
	require.NoError(t, r.Register(first))

	second := newSession("h2", 2, "owner-1", "owner-1", ModeOwner, true, make([]domain.Slot, testCapacity))
	assert.ErrorIs(t, r.Register(second), ErrOwnerSessionExists)

	guest := newSession("h3", 3, "owner-1", "admin-1", ModeGuest, true, make([]domain.Slot, testCapacity))
	assert.NoError(t, r.Register(guest))

	r.Unregister("h1")
	assert.NoError(t, r.Register(second))
}
