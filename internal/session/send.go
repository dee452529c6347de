package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"postbox/backend/internal/domain"
)

// ErrOwnerFlushPending 目标所有者的 OWNER 会话卡在 CLOSING（上次
// 落盘失败待重试），此时直接写存储会被重试的权威落盘覆盖，投递
// 拒绝执行。
var ErrOwnerFlushPending = errors.New("owner session flush pending, retry later")

// Send 向目标所有者的信箱投递一组物品，返回落位的槽位下标。
//
// 目标在线持有 OWNER 会话时直接写入该会话的容器（走与变更事件
// 相同的路径，所有者的下一次关闭负责持久化，正在观看的界面立即
// 看到更新）；不在线时加载存储记录、放入第一个空槽位后直接保存。
// 两条路径下信箱已满都返回 ErrPostboxFull 且不产生任何部分修改。
func (m *Manager) Send(ctx context.Context, ownerID string, stack *domain.ItemStack) (int, error) {
	unlock := m.lockOwner(ownerID)
	defer unlock()

	if s, ok := m.registry.OwnerSession(ownerID); ok {
		slot, err := s.deposit(stack)
		switch {
		case err == nil:
			m.countSend("live")
			m.log.Info("item delivered to live session",
				zap.String("owner", ownerID),
				zap.Int("slot", slot),
				zap.String("item", stack.Type),
			)
			m.notifySlot(s, slot, stack)
			return slot, nil
		case errors.Is(err, ErrSessionNotOpen):
			// 门锁保证关闭整体与投递互斥，这里只可能是落盘失败
			// 等待重试的会话。
			m.countSend("pending")
			return -1, ErrOwnerFlushPending
		default:
			m.countSend("full")
			return -1, err
		}
	}

	record, err := m.loadRecord(ctx, ownerID)
	if err != nil {
		return -1, fmt.Errorf("send to %s: %w", ownerID, err)
	}
	slot := record.FirstEmptySlot()
	if slot < 0 {
		m.countSend("full")
		return -1, domain.ErrPostboxFull
	}
	record.Slots[slot] = stack.Clone()
	if err := m.store.Save(ctx, record); err != nil {
		m.countSend("error")
		return -1, fmt.Errorf("send to %s: %w", ownerID, err)
	}
	m.countSend("stored")
	m.log.Info("item delivered to stored record",
		zap.String("owner", ownerID),
		zap.Int("slot", slot),
		zap.String("item", stack.Type),
	)
	return slot, nil
}
