package canvas

import (
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	ordered        []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
		ordered:   []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.ordered
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.reorder()
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	self.reorder()
}

// must be called with the state lock
func (self *CallbackList[T]) reorder() {
	callbackIds := maps.Keys(self.callbacks)
	slices.Sort(callbackIds)
	ordered := make([]T, 0, len(callbackIds))
	for _, callbackId := range callbackIds {
		ordered = append(ordered, self.callbacks[callbackId])
	}
	self.ordered = ordered
}

// subscribes and returns the disposal function.
// disposal is idempotent.
func subscribe[T any](callbacks *CallbackList[T], callback T) func() {
	callbackId := callbacks.Add(callback)
	var once sync.Once
	return func() {
		once.Do(func() {
			callbacks.Remove(callbackId)
		})
	}
}
