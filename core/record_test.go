package core

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHeader(t *testing.T) {
	payload := []byte("payload bytes")
	buf := AppendRecordHeader([]byte("x"), payload)
	require.Len(t, buf, 1+RecordHeaderSize)

	h, ok := ParseRecordHeader(buf[1:])
	require.True(t, ok)
	assert.Equal(t, uint32(len(payload)), h.Length)
	assert.Equal(t, RecordChecksum(payload), h.PayloadSum)

	t.Run("short", func(t *testing.T) {
		_, ok := ParseRecordHeader(buf[1 : RecordHeaderSize-1])
		assert.False(t, ok)
	})

	t.Run("damaged length", func(t *testing.T) {
		damaged := bytes.Clone(buf[1:])
		binary.LittleEndian.PutUint32(damaged, 0x00FFFFFF)
		_, ok := ParseRecordHeader(damaged)
		assert.False(t, ok)
	})

	t.Run("zeroed header", func(t *testing.T) {
		_, ok := ParseRecordHeader(make([]byte, RecordHeaderSize))
		assert.False(t, ok)
	})
}

func TestAllZero(t *testing.T) {
	assert.True(t, AllZero(nil))
	assert.True(t, AllZero(make([]byte, 64)))
	b := make([]byte, 64)
	b[63] = 1
	assert.False(t, AllZero(b))
}
