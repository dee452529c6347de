package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"postbox/backend/internal/domain"
	"postbox/backend/internal/monitoring"
	"postbox/backend/internal/storage"
)

// MergePolicy 访客会话关闭时的对账策略。
type MergePolicy string

const (
	// MergeAdditions 只合并访客的新增：访客放入了原本为空的槽位才
	// 落盘，访客的移除在对账时是空操作。默认策略，访客可以往别人
	// 的信箱里存东西，但永远碰不掉所有者并发编辑过的槽位。
	MergeAdditions MergePolicy = "additions"
	// MergeReplace 访客副本原样覆盖存储记录，用于授权包含取件权的
	// 场景。
	MergeReplace MergePolicy = "replace"
)

// Notifier 接收容器变更通知，推送给正在观看的界面。
type Notifier interface {
	NotifySlot(ownerID string, handle Handle, slot int, stack *domain.ItemStack)
}

// Config 会话管理器配置。
type Config struct {
	Capacity   int
	GuestMerge MergePolicy
}

// Manager 会话管理器：打开信箱（加载或创建、物化在线容器、登记
// 会话）、关闭信箱（落盘、注销会话），并仲裁同一所有者上的并发
// 打开请求。
type Manager struct {
	store    storage.RecordRepository
	registry *Registry
	cfg      Config
	log      *zap.Logger
	notifier Notifier
	metrics  *monitoring.Metrics

	seq atomic.Uint64

	// 每所有者一把门锁：同一所有者上的打开/关闭/投递互相串行，
	// 不同所有者的存储 I/O 并发进行。条目按引用计数回收，最后一个
	// 持有者释放时删除，表的大小以并发操作数为界。
	gatesMu sync.Mutex
	gates   map[string]*ownerGate
}

// ownerGate 带引用计数的所有者门锁。refs 由 Manager.gatesMu 保护。
type ownerGate struct {
	mu   sync.Mutex
	refs int
}

// NewManager 创建会话管理器。
func NewManager(store storage.RecordRepository, registry *Registry, cfg Config, log *zap.Logger) *Manager {
	if cfg.GuestMerge == "" {
		cfg.GuestMerge = MergeAdditions
	}
	return &Manager{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      log,
		gates:    make(map[string]*ownerGate),
	}
}

// SetNotifier 设置容器变更通知接收方。
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetMetrics 设置监控指标，不设置则不记录。
func (m *Manager) SetMetrics(metrics *monitoring.Metrics) {
	m.metrics = metrics
}

// Registry 返回管理器使用的会话注册表。
func (m *Manager) Registry() *Registry {
	return m.registry
}

// OpenOwn 为用户打开自己的信箱并返回在线容器。
//
// 幂等：已存在 OWNER 会话时直接返回该会话的容器，不会产生第二份
// 工作副本。
func (m *Manager) OpenOwn(ctx context.Context, ownerID string) (View, error) {
	unlock := m.lockOwner(ownerID)
	defer unlock()

	if existing, ok := m.registry.OwnerSession(ownerID); ok {
		m.log.Debug("owner session already open",
			zap.String("owner", ownerID),
			zap.String("handle", string(existing.handle)),
		)
		return existing.view(), nil
	}

	record, err := m.loadRecord(ctx, ownerID)
	if err != nil {
		return View{}, fmt.Errorf("open own postbox: %w", err)
	}

	s := newSession(m.newHandle(), m.seq.Add(1), ownerID, ownerID, ModeOwner, true, record.Slots)
	if err := m.registry.Register(s); err != nil {
		return View{}, err
	}
	m.countOpen(ModeOwner)
	m.log.Info("postbox opened",
		zap.String("owner", ownerID),
		zap.String("mode", string(ModeOwner)),
		zap.String("handle", string(s.handle)),
	)
	return s.view(), nil
}

// OpenOther 以访客身份打开别人的信箱。授权检查由调用方完成，本层
// 信任结果。
//
// 总是创建带独立容器副本的新 GUEST 会话，即便该所有者已有其他
// 会话在线：访客的原始编辑不能与所有者的并发编辑互相透写，差异
// 只在关闭对账时合并。
func (m *Manager) OpenOther(ctx context.Context, viewerID, ownerID string, canWrite bool) (View, error) {
	unlock := m.lockOwner(ownerID)
	defer unlock()

	record, err := m.loadRecord(ctx, ownerID)
	if err != nil {
		return View{}, fmt.Errorf("open other postbox: %w", err)
	}

	s := newSession(m.newHandle(), m.seq.Add(1), ownerID, viewerID, ModeGuest, canWrite, record.Slots)
	if err := m.registry.Register(s); err != nil {
		return View{}, err
	}
	m.countOpen(ModeGuest)
	m.log.Info("postbox opened",
		zap.String("owner", ownerID),
		zap.String("viewer", viewerID),
		zap.String("mode", string(ModeGuest)),
		zap.Bool("write", canWrite),
		zap.String("handle", string(s.handle)),
	)
	return s.view(), nil
}

// Apply 处理一次观察到的容器变更事件（槽位写入或清空）。
//
// 非 OPEN 状态的会话拒绝事件（关闭竞态，界面层回滚或忽略）；
// OWNER 无条件接受；GUEST 只写入工作副本，直到关闭对账前不会
// 触达存储，把任意多次小编辑压成每会话至多一次持久化写。
func (m *Manager) Apply(handle Handle, slot int, stack *domain.ItemStack) error {
	s, ok := m.registry.FindByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	if err := s.apply(slot, stack); err != nil {
		m.countSlotEvent("rejected")
		return err
	}
	m.countSlotEvent("applied")
	m.notifySlot(s, slot, stack)
	return nil
}

// Close 关闭句柄对应的会话。
//
// OWNER 会话把容器原样落盘（注册表保证同一所有者只有一个 OWNER
// 会话，所有者自己的最后一次关闭即权威状态）；GUEST 会话按配置的
// 对账策略合并后落盘。落盘失败时会话保持 CLOSING 且不注销，调用方
// 重试 Close 或显式 ForceClose 之前，在线编辑不会被静默丢弃。
func (m *Manager) Close(ctx context.Context, handle Handle) error {
	s, ok := m.registry.FindByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}

	unlock := m.lockOwner(s.ownerID)
	defer unlock()

	slots, pending := s.beginClose()
	if !pending {
		return nil
	}

	start := time.Now()
	var err error
	switch s.mode {
	case ModeOwner:
		err = m.store.Save(ctx, &domain.Record{OwnerID: s.ownerID, Slots: slots})
	case ModeGuest:
		err = m.reconcileGuest(ctx, s, slots)
	}
	if err != nil {
		m.countClose("failed")
		m.log.Error("postbox flush failed, session kept for retry",
			zap.String("owner", s.ownerID),
			zap.String("handle", string(handle)),
			zap.String("mode", string(s.mode)),
			zap.Error(err),
		)
		return fmt.Errorf("close session %s: %w", handle, err)
	}

	// 落盘完成后才移除注册表条目，后续 OpenOwn 的加载必然观察到
	// 本次关闭的效果。
	m.registry.Unregister(handle)
	s.finishClose()
	m.countClose("flushed")
	if m.metrics != nil {
		m.metrics.ObserveFlush(start)
	}
	m.log.Info("postbox closed",
		zap.String("owner", s.ownerID),
		zap.String("handle", string(handle)),
		zap.String("mode", string(s.mode)),
	)
	return nil
}

// ForceClose 不落盘直接注销会话，丢弃未持久化的编辑。
// 仅用于运维处理落盘反复失败的会话。
func (m *Manager) ForceClose(handle Handle) error {
	s, ok := m.registry.FindByHandle(handle)
	if !ok {
		return ErrSessionNotFound
	}
	unlock := m.lockOwner(s.ownerID)
	defer unlock()

	m.registry.Unregister(handle)
	s.finishClose()
	m.countClose("forced")
	m.log.Warn("postbox force-closed, unpersisted edits dropped",
		zap.String("owner", s.ownerID),
		zap.String("handle", string(handle)),
	)
	return nil
}

// CloseAllFor 用户断开时关闭其名下的全部会话（作为所有者或访客），
// 按打开顺序逐个执行各自模式的落盘/对账规则。
//
// 必须运行到底：单个会话落盘失败只记录并汇总，不阻断其余会话的
// 拆除。
func (m *Manager) CloseAllFor(ctx context.Context, viewerID string) error {
	sessions := m.registry.FindByViewer(viewerID)
	var errs []error
	for _, s := range sessions {
		if err := m.Close(ctx, s.handle); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close all for %s: %w", viewerID, errors.Join(errs...))
	}
	return nil
}

// ViewOf 返回句柄对应会话的只读快照。
func (m *Manager) ViewOf(handle Handle) (View, error) {
	s, ok := m.registry.FindByHandle(handle)
	if !ok {
		return View{}, ErrSessionNotFound
	}
	return s.view(), nil
}

// reconcileGuest 访客会话的受限对账。
//
// MergeAdditions：重新加载当前记录，只应用访客的新增（基线为空而
// 工作副本非空的槽位），原槽位已被占用时挪到第一个空槽位，全满则
// 丢弃该新增并告警。访客未触碰的槽位绝不覆盖。
func (m *Manager) reconcileGuest(ctx context.Context, s *Session, slots []domain.Slot) error {
	if m.cfg.GuestMerge == MergeReplace {
		return m.store.Save(ctx, &domain.Record{OwnerID: s.ownerID, Slots: slots})
	}

	current, err := m.loadRecord(ctx, s.ownerID)
	if err != nil {
		return err
	}

	changed := false
	for i, stack := range slots {
		if stack == nil || s.baseline[i] != nil {
			continue
		}
		switch {
		case current.Slots[i] == nil:
			current.Slots[i] = stack
			changed = true
		default:
			if j := current.FirstEmptySlot(); j >= 0 {
				current.Slots[j] = stack
				changed = true
			} else {
				if m.metrics != nil {
					m.metrics.ReconcileDropsTotal.Inc()
				}
				m.log.Warn("guest addition dropped, postbox full on reconcile",
					zap.String("owner", s.ownerID),
					zap.String("viewer", s.viewerID),
					zap.Int("slot", i),
					zap.String("item", stack.Type),
				)
			}
		}
	}

	if !changed {
		return nil
	}
	return m.store.Save(ctx, current)
}

// loadRecord 加载记录并校验槽位数与配置容量一致。编解码层已拒绝
// 容量不符的载荷，这里拦住绕过编解码层的后端（比如换容量后残留的
// 内存记录），长短不一的记录一律按损坏处理。
func (m *Manager) loadRecord(ctx context.Context, ownerID string) (*domain.Record, error) {
	record, err := m.store.Load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(record.Slots) != m.cfg.Capacity {
		return nil, fmt.Errorf("record for %s has %d slots, want %d: %w",
			ownerID, len(record.Slots), m.cfg.Capacity, storage.ErrCorrupt)
	}
	return record, nil
}

// lockOwner 取得某所有者的门锁，返回释放函数。等待者在进入锁内排队
// 前就计入引用，因此最后一个释放者删除条目时不会丢下任何等待者。
func (m *Manager) lockOwner(ownerID string) func() {
	m.gatesMu.Lock()
	gate, ok := m.gates[ownerID]
	if !ok {
		gate = &ownerGate{}
		m.gates[ownerID] = gate
	}
	gate.refs++
	m.gatesMu.Unlock()

	gate.mu.Lock()
	return func() {
		gate.mu.Unlock()

		m.gatesMu.Lock()
		gate.refs--
		if gate.refs == 0 {
			delete(m.gates, ownerID)
		}
		m.gatesMu.Unlock()
	}
}

func (m *Manager) newHandle() Handle {
	return Handle(uuid.NewString())
}

func (m *Manager) notifySlot(s *Session, slot int, stack *domain.ItemStack) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifySlot(s.ownerID, s.handle, slot, stack.Clone())
}

func (m *Manager) countOpen(mode AccessMode) {
	if m.metrics != nil {
		m.metrics.OpensTotal.WithLabelValues(string(mode)).Inc()
	}
}

func (m *Manager) countClose(result string) {
	if m.metrics != nil {
		m.metrics.ClosesTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countSlotEvent(result string) {
	if m.metrics != nil {
		m.metrics.SlotEventsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Manager) countSend(result string) {
	if m.metrics != nil {
		m.metrics.SendsTotal.WithLabelValues(result).Inc()
	}
}
