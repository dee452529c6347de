package session

import (
	"sync"

	"postbox/backend/internal/domain"
)

// Session 在线会话：一个在线容器与正在使用它的 (所有者, 观察者)
// 的运行期绑定。只存在于内存中，没有独立的持久化形态。
//
// 会话独占自己的在线容器。同一信箱的并发观察者各自持有独立的
// 容器副本，互不引用，差异只在关闭对账时合并。
type Session struct {
	handle   Handle
	ownerID  string
	viewerID string
	mode     AccessMode
	canWrite bool
	seq      uint64

	mu       sync.Mutex
	state    State
	slots    []domain.Slot // 在线容器的工作副本
	baseline []domain.Slot // 访客会话打开时的快照，对账时用于识别新增
	dirty    bool
}

// newSession 基于一份已加载的记录创建会话。slots 的所有权移交给
// 会话；访客会话额外留存一份打开时的基线快照。
func newSession(handle Handle, seq uint64, ownerID, viewerID string, mode AccessMode, canWrite bool, slots []domain.Slot) *Session {
	s := &Session{
		handle:   handle,
		ownerID:  ownerID,
		viewerID: viewerID,
		mode:     mode,
		canWrite: canWrite,
		seq:      seq,
		state:    StateOpen,
		slots:    slots,
	}
	if mode == ModeGuest {
		s.baseline = domain.CloneSlots(slots)
	}
	return s
}

// Handle 返回会话句柄。
func (s *Session) Handle() Handle {
	return s.handle
}

// OwnerID 返回信箱所有者 ID。
func (s *Session) OwnerID() string {
	return s.ownerID
}

// ViewerID 返回观察者 ID。
func (s *Session) ViewerID() string {
	return s.viewerID
}

// Mode 返回访问模式。
func (s *Session) Mode() AccessMode {
	return s.mode
}

// State 返回当前状态。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// apply 把一次槽位变更写入工作副本。只接受 OPEN 状态下的变更。
func (s *Session) apply(slot int, stack *domain.ItemStack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return ErrSessionNotOpen
	}
	if s.mode == ModeGuest && !s.canWrite {
		return ErrReadOnlySession
	}
	if slot < 0 || slot >= len(s.slots) {
		return domain.ErrSlotOutOfRange
	}

	s.slots[slot] = stack.Clone()
	s.dirty = true
	return nil
}

// deposit 把物品放进工作副本的第一个空槽位，返回槽位下标。
// 供投递操作对在线 OWNER 会话直接生效。
func (s *Session) deposit(stack *domain.ItemStack) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return -1, ErrSessionNotOpen
	}
	for i, slot := range s.slots {
		if slot == nil {
			s.slots[i] = stack.Clone()
			s.dirty = true
			return i, nil
		}
	}
	return -1, domain.ErrPostboxFull
}

// beginClose 进入 CLOSING 状态并返回工作副本的快照。
// 已在 CLOSING 的会话允许重复进入（失败重试）；已 CLOSED 返回 false。
func (s *Session) beginClose() ([]domain.Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil, false
	}
	s.state = StateClosing
	return domain.CloneSlots(s.slots), true
}

// finishClose 落盘成功后转入 CLOSED。
func (s *Session) finishClose() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// view 返回会话与容器的只读快照。
func (s *Session) view() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	return View{
		Handle:   s.handle,
		OwnerID:  s.ownerID,
		ViewerID: s.viewerID,
		Mode:     s.mode,
		State:    s.state.String(),
		Slots:    domain.CloneSlots(s.slots),
	}
}
