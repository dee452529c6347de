package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrPostboxFull 信箱没有空槽位，无法再放入物品
	ErrPostboxFull = errors.New("postbox full")
	// ErrSlotOutOfRange 槽位下标超出信箱容量
	ErrSlotOutOfRange = errors.New("slot index out of range")
)

// ItemStack 表示一组同类物品及其数量与附加元数据。
type ItemStack struct {
	Type   string          `json:"type"`
	Amount int             `json:"amount"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

// Clone 返回物品组的深拷贝。
func (s *ItemStack) Clone() *ItemStack {
	if s == nil {
		return nil
	}
	out := &ItemStack{Type: s.Type, Amount: s.Amount}
	if s.Meta != nil {
		out.Meta = append(json.RawMessage(nil), s.Meta...)
	}
	return out
}

// Equal 判断两组物品是否完全相同（类型、数量与元数据）。
func (s *ItemStack) Equal(other *ItemStack) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	if s.Type != other.Type || s.Amount != other.Amount {
		return false
	}
	return string(s.Meta) == string(other.Meta)
}

// Slot 表示信箱中的一个槽位，nil 表示空槽位。
type Slot = *ItemStack

// Record 表示某个所有者的持久化信箱记录。
//
// Slots 的长度恒等于配置的信箱容量，空槽位以 nil 表示。
type Record struct {
	OwnerID   string
	Slots     []Slot
	UpdatedAt time.Time
}

// NewRecord 创建一条全空槽位的信箱记录。
func NewRecord(ownerID string, capacity int) *Record {
	return &Record{
		OwnerID: ownerID,
		Slots:   make([]Slot, capacity),
	}
}

// Clone 返回记录的深拷贝，槽位内容互不共享。
func (r *Record) Clone() *Record {
	out := &Record{
		OwnerID:   r.OwnerID,
		Slots:     CloneSlots(r.Slots),
		UpdatedAt: r.UpdatedAt,
	}
	return out
}

// FirstEmptySlot 返回第一个空槽位的下标，没有空槽位时返回 -1。
func (r *Record) FirstEmptySlot() int {
	for i, slot := range r.Slots {
		if slot == nil {
			return i
		}
	}
	return -1
}

// IsEmpty 判断信箱是否所有槽位均为空。
func (r *Record) IsEmpty() bool {
	for _, slot := range r.Slots {
		if slot != nil {
			return false
		}
	}
	return true
}

// ItemCount 返回非空槽位的数量。
func (r *Record) ItemCount() int {
	n := 0
	for _, slot := range r.Slots {
		if slot != nil {
			n++
		}
	}
	return n
}

// CloneSlots 返回槽位序列的深拷贝。
func CloneSlots(slots []Slot) []Slot {
	out := make([]Slot, len(slots))
	for i, slot := range slots {
		out[i] = slot.Clone()
	}
	return out
}
