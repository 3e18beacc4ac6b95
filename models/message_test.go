package models_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/queuestore/models"
)

func TestMemoryEstimate(t *testing.T) {
	m := &models.Message{
		Address:    "orders",
		Body:       make([]byte, 100),
		Properties: map[string]string{"k": "vv", "key": "value"},
	}
	assert.Equal(t, int64(models.MessageOverhead+100+6+3+8), m.MemoryEstimate())

	empty := &models.Message{}
	assert.Equal(t, int64(models.MessageOverhead), empty.MemoryEstimate())
}

func TestEncodeDecode(t *testing.T) {
	m := models.NewMessage("orders.eu", []byte("payload"), true)
	m.MessageID = 42
	m.Priority = 4
	m.Properties = map[string]string{"trace": "abc"}
	m.IncrementRefCount()

	data, err := m.Encode()
	require.NoError(t, err)
	got, err := models.DecodeMessage(data)
	require.NoError(t, err)

	assert.Equal(t, m.MessageID, got.MessageID)
	assert.Equal(t, m.UserID, got.UserID)
	assert.Equal(t, m.Address, got.Address)
	assert.Equal(t, m.Durable, got.Durable)
	assert.Equal(t, m.Priority, got.Priority)
	assert.Equal(t, m.Timestamp, got.Timestamp)
	assert.Equal(t, m.Properties, got.Properties)
	assert.Equal(t, m.Body, got.Body)
	// reference counts are runtime state only
	assert.Equal(t, int32(0), got.RefCount())
	assert.Equal(t, m.MemoryEstimate(), got.MemoryEstimate())
}

func TestDecodeGarbage(t *testing.T) {
	_, err := models.DecodeMessage([]byte{0xc1})
	assert.Error(t, err)
}

func TestRefCount(t *testing.T) {
	m := &models.Message{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementRefCount()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), m.RefCount())
	assert.Equal(t, int32(49), m.DecrementRefCount())
}
