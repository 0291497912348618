package canvas

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSendQueue(t *testing.T) {
	queue := newSendQueue()

	size, byteSize := queue.QueueSize()
	assert.Equal(t, 0, size)
	assert.Equal(t, ByteCount(0), byteSize)
	assert.Equal(t, true, queue.PeekFirst() == nil)
	assert.Equal(t, true, queue.RemoveFirst() == nil)

	n := 100

	items := []*sendItem{}
	totalByteCount := ByteCount(0)
	for i := 0; i < n; i += 1 {
		item := newSendItem(NewDelta(testId(uint64(i+1), "a"), UpdateOp("e1", FieldX, NumberValue(float64(i)))))
		items = append(items, item)
		totalByteCount += item.byteCount
	}

	mathrand.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
	for _, item := range items {
		assert.Equal(t, true, queue.Add(item))
	}
	// already queued
	assert.Equal(t, false, queue.Add(items[0]))

	size, byteSize = queue.QueueSize()
	assert.Equal(t, n, size)
	assert.Equal(t, totalByteCount, byteSize)
	assert.Equal(t, true, queue.Contains(testId(1, "a")))

	for i := 0; i < n/2; i += 1 {
		assert.Equal(t, testId(uint64(i+1), "a"), queue.PeekFirst().delta.Id)
		first := queue.RemoveFirst()
		assert.Equal(t, testId(uint64(i+1), "a"), first.delta.Id)
		totalByteCount -= first.byteCount
	}
	assert.Equal(t, false, queue.Contains(testId(1, "a")))

	drained := queue.Drain()
	assert.Equal(t, n/2, len(drained))
	for i, item := range drained {
		assert.Equal(t, testId(uint64(n/2+i+1), "a"), item.delta.Id)
		totalByteCount -= item.byteCount
	}
	assert.Equal(t, ByteCount(0), totalByteCount)

	size, byteSize = queue.QueueSize()
	assert.Equal(t, 0, size)
	assert.Equal(t, ByteCount(0), byteSize)
}

func TestSendItemEncoded(t *testing.T) {
	delta := testCreate(1, "a", "e1", 1, 2)
	item := newSendItem(delta)

	assert.Equal(t, EncodeDelta(delta), item.encoded)
	assert.Equal(t, ByteCount(len(item.encoded)), item.byteCount)

	deltas, err := DecodeDeltas(item.encoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, delta.Equal(deltas[0]))
}
