package canvas

import (
	"container/heap"
	"sync"
)

type ByteCount int64

type sendItem struct {
	delta     *Delta
	encoded   []byte
	byteCount ByteCount

	// the index of the item in the heap
	heapIndex int
}

func newSendItem(delta *Delta) *sendItem {
	encoded := EncodeDelta(delta)
	return &sendItem{
		delta:     delta,
		encoded:   encoded,
		byteCount: ByteCount(len(encoded)),
	}
}

// outbound deltas waiting for the next flush, ordered by logical id
type sendQueue struct {
	stateLock sync.Mutex

	orderedItems []*sendItem
	idItems      map[LogicalId]*sendItem
	byteCount    ByteCount
}

func newSendQueue() *sendQueue {
	sendQueue := &sendQueue{
		orderedItems: []*sendItem{},
		idItems:      map[LogicalId]*sendItem{},
	}
	heap.Init(sendQueue)
	return sendQueue
}

func (self *sendQueue) QueueSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

// returns false if the delta is already queued
func (self *sendQueue) Add(item *sendItem) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.idItems[item.delta.Id]; ok {
		return false
	}
	self.idItems[item.delta.Id] = item
	heap.Push(self, item)
	self.byteCount += item.byteCount
	return true
}

func (self *sendQueue) Contains(id LogicalId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.idItems[id]
	return ok
}

func (self *sendQueue) RemoveFirst() *sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.removeFirst()
}

// must be called with the state lock
func (self *sendQueue) removeFirst() *sendItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*sendItem)
	delete(self.idItems, item.delta.Id)
	self.byteCount -= item.byteCount
	return item
}

func (self *sendQueue) PeekFirst() *sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

// removes every item, in logical id order
func (self *sendQueue) Drain() []*sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]*sendItem, 0, len(self.orderedItems))
	for 0 < len(self.orderedItems) {
		items = append(items, self.removeFirst())
	}
	return items
}

// heap.Interface

func (self *sendQueue) Push(x any) {
	item := x.(*sendItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *sendQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *sendQueue) Len() int {
	return len(self.orderedItems)
}

func (self *sendQueue) Less(i int, j int) bool {
	return self.orderedItems[i].delta.Id.Less(self.orderedItems[j].delta.Id)
}

func (self *sendQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
