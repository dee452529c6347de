// Package codec 负责信箱槽位序列与持久化字节表示之间的编解码。
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"postbox/backend/internal/domain"
)

var (
	// ErrCapacityMismatch 载荷中的槽位数量与配置容量不一致
	//
	// 通常意味着跨版本修改过信箱容量，属于需要运维介入的迁移事件，
	// 绝不能静默截断或补齐。
	ErrCapacityMismatch = errors.New("slot count does not match configured capacity")
	// ErrMalformedPayload 载荷不是合法的编码结果
	ErrMalformedPayload = errors.New("malformed slot payload")
)

// payload 持久化载荷的外层结构，带版本号以便将来演进。
type payload struct {
	Version int           `json:"v"`
	Slots   []domain.Slot `json:"slots"`
}

const payloadVersion = 1

// Codec 按固定容量编解码槽位序列。
type Codec struct {
	capacity int
}

// New 创建一个按指定容量工作的编解码器。
func New(capacity int) *Codec {
	return &Codec{capacity: capacity}
}

// Capacity 返回编解码器的固定容量。
func (c *Codec) Capacity() int {
	return c.capacity
}

// Encode 将槽位序列编码为持久化字节。
//
// 槽位数量必须等于配置容量，否则返回 ErrCapacityMismatch。
func (c *Codec) Encode(slots []domain.Slot) ([]byte, error) {
	if len(slots) != c.capacity {
		return nil, fmt.Errorf("encode %d slots: %w", len(slots), ErrCapacityMismatch)
	}
	data, err := json.Marshal(payload{Version: payloadVersion, Slots: slots})
	if err != nil {
		return nil, fmt.Errorf("encode slots: %w", err)
	}
	return data, nil
}

// Decode 将持久化字节还原为固定长度的槽位序列。
//
// 槽位数量与容量不一致时返回 ErrCapacityMismatch，载荷损坏时返回
// ErrMalformedPayload，二者均不做任何自动修复。
func (c *Codec) Decode(data []byte) ([]domain.Slot, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("%w: unknown payload version %d", ErrMalformedPayload, p.Version)
	}
	if len(p.Slots) != c.capacity {
		return nil, fmt.Errorf("decode %d slots with capacity %d: %w",
			len(p.Slots), c.capacity, ErrCapacityMismatch)
	}
	return p.Slots, nil
}
