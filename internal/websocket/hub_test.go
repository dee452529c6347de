package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postbox/backend/internal/domain"
)

func newTestClient(hub *Hub, userID string) *Client {
	return &Client{
		ID:       userID + "-client",
		UserID:   userID,
		send:     make(chan []byte, 256),
		hub:      hub,
		ownerIDs: make(map[string]bool),
		log:      zap.NewNop(),
	}
}

func TestHubBroadcast(t *testing.T) {
	t.Run("订阅者收到格子变更广播", func(t *testing.T) {
		hub := NewHub(nil, nil, nil, zap.NewNop())
		client := newTestClient(hub, "owner-1")

		hub.mu.Lock()
		hub.clients[client.ID] = client
		hub.mu.Unlock()

		client.subscribePostbox("owner-1")

		// 第一条是订阅确认
		var confirm Message
		require.NoError(t, json.Unmarshal(<-client.send, &confirm))
		assert.Equal(t, MessageTypeSubscribed, confirm.Type)

		hub.broadcastToPostbox("owner-1", &Message{
			Type:      MessageTypeSlotUpdate,
			OwnerID:   "owner-1",
			Timestamp: time.Now(),
		})

		var got Message
		require.NoError(t, json.Unmarshal(<-client.send, &got))
		assert.Equal(t, MessageTypeSlotUpdate, got.Type)
		assert.Equal(t, "owner-1", got.OwnerID)
	})

	t.Run("未订阅的客户端收不到广播", func(t *testing.T) {
		hub := NewHub(nil, nil, nil, zap.NewNop())
		client := newTestClient(hub, "viewer-1")

		hub.mu.Lock()
		hub.clients[client.ID] = client
		hub.mu.Unlock()

		hub.broadcastToPostbox("owner-1", &Message{
			Type:      MessageTypeNewItem,
			OwnerID:   "owner-1",
			Timestamp: time.Now(),
		})

		assert.Empty(t, client.send)
	})

	t.Run("退订后不再收到广播", func(t *testing.T) {
		hub := NewHub(nil, nil, nil, zap.NewNop())
		client := newTestClient(hub, "owner-1")

		hub.mu.Lock()
		hub.clients[client.ID] = client
		hub.mu.Unlock()

		client.subscribePostbox("owner-1")
		<-client.send // 订阅确认
		client.unsubscribePostbox("owner-1")

		hub.broadcastToPostbox("owner-1", &Message{
			Type:      MessageTypeSlotUpdate,
			OwnerID:   "owner-1",
			Timestamp: time.Now(),
		})

		assert.Empty(t, client.send)
	})
}

// 广播遍历订阅表的同时其他客户端在订阅/退订，竞态检测下必须干净。
func TestHubBroadcastConcurrentSubscribe(t *testing.T) {
	hub := NewHub(nil, nil, nil, zap.NewNop())

	const owners = 4
	var wg sync.WaitGroup

	// 持续广播
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			hub.broadcastToPostbox(fmt.Sprintf("owner-%d", i%owners), &Message{
				Type:      MessageTypeSlotUpdate,
				Timestamp: time.Now(),
			})
		}
	}()

	// 并发订阅与退订同一批信箱
	for g := 0; g < owners; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ownerID := fmt.Sprintf("owner-%d", g)
			client := newTestClient(hub, ownerID)
			hub.mu.Lock()
			hub.clients[client.ID] = client
			hub.mu.Unlock()

			for i := 0; i < 200; i++ {
				client.subscribePostbox(ownerID)
				// 清空确认消息，避免通道占满
				for len(client.send) > 0 {
					<-client.send
				}
				client.unsubscribePostbox(ownerID)
			}
		}(g)
	}

	wg.Wait()
}

func TestHubNotifyNewItemMessage(t *testing.T) {
	hub := NewHub(nil, nil, nil, zap.NewNop())
	client := newTestClient(hub, "owner-1")

	hub.mu.Lock()
	hub.clients[client.ID] = client
	hub.mu.Unlock()
	client.subscribePostbox("owner-1")
	<-client.send // 订阅确认

	go hub.NotifyNewItem("owner-1", "Alex", 3, &domain.ItemStack{Type: "emerald", Amount: 2})

	// NotifyNewItem 只入广播队列，派发由 Run 负责
	msg := <-hub.broadcast
	require.Equal(t, "owner-1", msg.OwnerID)
	assert.Equal(t, MessageTypeNewItem, msg.Message.Type)

	var data NewItemData
	require.NoError(t, json.Unmarshal(msg.Message.Data, &data))
	assert.Equal(t, "Alex", data.SenderName)
	assert.Equal(t, 3, data.Slot)
	require.NotNil(t, data.Stack)
	assert.Equal(t, "emerald", data.Stack.Type)
}
