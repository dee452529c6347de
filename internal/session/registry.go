// Package session 实现信箱的会话与一致性层：把持久化记录物化为
// 在线可变容器、跟踪谁以何种方式打开了哪个信箱、把并发修改串行化
// 写回存储，并在界面关闭或用户断开时干净地拆除会话。
package session

import (
	"errors"
	"sort"
	"sync"

	"postbox/backend/internal/domain"
)

var (
	// ErrSessionNotFound 句柄没有对应的在线会话
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotOpen 事件到达时会话已不处于 OPEN 状态
	//
	// 属于界面层与关闭流程之间的良性竞态，调用方记日志后忽略即可，
	// 不作为故障传播。
	ErrSessionNotOpen = errors.New("session is not open")
	// ErrReadOnlySession 只读访客会话试图修改容器
	ErrReadOnlySession = errors.New("session is read-only")
	// ErrOwnerSessionExists 同一所有者已存在 OWNER 会话
	ErrOwnerSessionExists = errors.New("owner session already exists")
)

// AccessMode 会话的访问模式。
type AccessMode string

const (
	// ModeOwner 所有者打开自己的信箱
	ModeOwner AccessMode = "owner"
	// ModeGuest 其他用户经授权打开别人的信箱
	ModeGuest AccessMode = "guest"
)

// State 会话状态机：OPEN → CLOSING → CLOSED。
//
// 进入 CLOSING 后不再接受任何容器修改；只有落盘（或对账）完成才会
// 转入 CLOSED 并从注册表移除。
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// String 返回状态的可读名称。
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle 在线容器的全局唯一句柄。
type Handle string

// Registry 进程级会话注册表：句柄到会话的唯一映射，是回答
// "谁正打开着谁的信箱" 的唯一事实来源。
//
// 整张表由单把锁保护，保证 OpenOwn 的幂等检查与并发 Close 之间
// 的原子性。
type Registry struct {
	mu       sync.RWMutex
	byHandle map[Handle]*Session
	byOwner  map[string]map[Handle]*Session
}

// NewRegistry 创建空的会话注册表。
func NewRegistry() *Registry {
	return &Registry{
		byHandle: make(map[Handle]*Session),
		byOwner:  make(map[string]map[Handle]*Session),
	}
}

// Register 登记会话。同一所有者最多允许一个 OWNER 会话。
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.mode == ModeOwner {
		for _, existing := range r.byOwner[s.ownerID] {
			if existing.mode == ModeOwner {
				return ErrOwnerSessionExists
			}
		}
	}

	r.byHandle[s.handle] = s
	owned := r.byOwner[s.ownerID]
	if owned == nil {
		owned = make(map[Handle]*Session)
		r.byOwner[s.ownerID] = owned
	}
	owned[s.handle] = s
	return nil
}

// Unregister 注销句柄对应的会话，不存在时静默返回。
func (r *Registry) Unregister(handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byHandle[handle]
	if !ok {
		return
	}
	delete(r.byHandle, handle)
	if owned := r.byOwner[s.ownerID]; owned != nil {
		delete(owned, handle)
		if len(owned) == 0 {
			delete(r.byOwner, s.ownerID)
		}
	}
}

// FindByHandle 根据句柄查找会话。
func (r *Registry) FindByHandle(handle Handle) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byHandle[handle]
	return s, ok
}

// FindByOwner 返回正在观察某所有者信箱的全部会话，按打开顺序排列。
func (r *Registry) FindByOwner(ownerID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byOwner[ownerID]))
	for _, s := range r.byOwner[ownerID] {
		out = append(out, s)
	}
	sortBySeq(out)
	return out
}

// OwnerSession 返回某所有者当前的 OWNER 会话（若有）。
func (r *Registry) OwnerSession(ownerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.byOwner[ownerID] {
		if s.mode == ModeOwner {
			return s, true
		}
	}
	return nil, false
}

// FindByViewer 返回某用户作为观察者（所有者或访客）持有的全部会话，
// 按打开顺序排列。
func (r *Registry) FindByViewer(viewerID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.byHandle {
		if s.viewerID == viewerID {
			out = append(out, s)
		}
	}
	sortBySeq(out)
	return out
}

// Len 返回当前在线会话总数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// Views 返回全部会话的只读快照，用于运维接口。
func (r *Registry) Views() []View {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sortBySeq(sessions)
	out := make([]View, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.view())
	}
	return out
}

func sortBySeq(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].seq < sessions[j].seq
	})
}

// View 会话及其在线容器的只读快照，提供给界面层渲染。
type View struct {
	Handle   Handle        `json:"handle"`
	OwnerID  string        `json:"ownerId"`
	ViewerID string        `json:"viewerId"`
	Mode     AccessMode    `json:"mode"`
	State    string        `json:"state"`
	Slots    []domain.Slot `json:"slots"`
}
