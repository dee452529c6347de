package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbox/backend/internal/domain"
)

func TestCodec_RoundTrip(t *testing.T) {
	c := New(9)

	slots := make([]domain.Slot, 9)
	slots[0] = &domain.ItemStack{Type: "iron_ingot", Amount: 32}
	slots[3] = &domain.ItemStack{
		Type:   "enchanted_book",
		Amount: 1,
		Meta:   json.RawMessage(`{"enchant":"mending"}`),
	}
	slots[8] = &domain.ItemStack{Type: "diamond", Amount: 5}

	t.Run("编码后解码得到相同的槽位序列", func(t *testing.T) {
		data, err := c.Encode(slots)
		require.NoError(t, err)

		decoded, err := c.Decode(data)
		require.NoError(t, err)
		require.Len(t, decoded, 9)

		for i := range slots {
			assert.True(t, slots[i].Equal(decoded[i]), "slot %d", i)
		}
	})

	t.Run("全空槽位也能往返", func(t *testing.T) {
		empty := make([]domain.Slot, 9)
		data, err := c.Encode(empty)
		require.NoError(t, err)

		decoded, err := c.Decode(data)
		require.NoError(t, err)
		require.Len(t, decoded, 9)
		for _, slot := range decoded {
			assert.Nil(t, slot)
		}
	})
}

func TestCodec_CapacityMismatch(t *testing.T) {
	t.Run("编码槽位数量与容量不一致时报错", func(t *testing.T) {
		c := New(9)
		_, err := c.Encode(make([]domain.Slot, 18))
		assert.ErrorIs(t, err, ErrCapacityMismatch)
	})

	t.Run("解码容量变更后的载荷时报错而非截断", func(t *testing.T) {
		old := New(18)
		data, err := old.Encode(make([]domain.Slot, 18))
		require.NoError(t, err)

		_, err = New(9).Decode(data)
		assert.ErrorIs(t, err, ErrCapacityMismatch)
	})
}

func TestCodec_MalformedPayload(t *testing.T) {
	c := New(9)

	t.Run("非法 JSON 报错", func(t *testing.T) {
		_, err := c.Decode([]byte("{not json"))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("未知版本号报错", func(t *testing.T) {
		_, err := c.Decode([]byte(`{"v":99,"slots":[]}`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}
