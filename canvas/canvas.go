package canvas

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"
)

// ids for clients and elements are opaque strings.
// new ids are ulids so ids from the same source sort by create time.
func NewId() string {
	return ulid.Make().String()
}

// comparable
// the total order of all deltas in a document is the order of logical ids:
// counter first, then client id as the tiebreak
type LogicalId struct {
	Counter  uint64
	ClientId string
}

func (self LogicalId) IsZero() bool {
	return self.Counter == 0 && self.ClientId == ""
}

func (self LogicalId) Compare(b LogicalId) int {
	if self.Counter < b.Counter {
		return -1
	} else if b.Counter < self.Counter {
		return 1
	}
	return strings.Compare(self.ClientId, b.ClientId)
}

func (self LogicalId) Less(b LogicalId) bool {
	return self.Compare(b) < 0
}

func (self LogicalId) String() string {
	return fmt.Sprintf("%d@%s", self.Counter, self.ClientId)
}

func MaxLogicalId(a LogicalId, b LogicalId) LogicalId {
	if a.Less(b) {
		return b
	}
	return a
}

// client id -> highest observed counter
type VersionVector map[string]uint64

func NewVersionVector() VersionVector {
	return VersionVector{}
}

func (self VersionVector) Get(clientId string) uint64 {
	return self[clientId]
}

func (self VersionVector) Observe(id LogicalId) {
	if self[id.ClientId] < id.Counter {
		self[id.ClientId] = id.Counter
	}
}

// covers is true when the delta with `id` has been observed
func (self VersionVector) Covers(id LogicalId) bool {
	return id.Counter <= self[id.ClientId]
}

func (self VersionVector) Merge(b VersionVector) {
	for clientId, counter := range b {
		if self[clientId] < counter {
			self[clientId] = counter
		}
	}
}

func (self VersionVector) Clone() VersionVector {
	return maps.Clone(self)
}

// true when every entry of `b` is observed by `self`
func (self VersionVector) Dominates(b VersionVector) bool {
	for clientId, counter := range b {
		if self[clientId] < counter {
			return false
		}
	}
	return true
}

func (self VersionVector) ClientIds() []string {
	clientIds := maps.Keys(self)
	slices.Sort(clientIds)
	return clientIds
}

func (self VersionVector) String() string {
	parts := []string{}
	for _, clientId := range self.ClientIds() {
		parts = append(parts, fmt.Sprintf("%s:%d", clientId, self[clientId]))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ","))
}

// the entry-wise minimum. A client missing from any vector has min 0.
func MinVersionVector(vectors ...VersionVector) VersionVector {
	min := VersionVector{}
	if len(vectors) == 0 {
		return min
	}
	for clientId, counter := range vectors[0] {
		min[clientId] = counter
	}
	for _, vector := range vectors[1:] {
		for clientId, counter := range min {
			if c := vector[clientId]; c < counter {
				if c == 0 {
					delete(min, clientId)
				} else {
					min[clientId] = c
				}
			}
		}
	}
	return min
}

// per-client counter source.
// counters strictly increase and stay ahead of every observed counter,
// so an edit made after observing another edit always orders after it.
type LamportClock struct {
	stateLock sync.Mutex
	counter   uint64
}

func NewLamportClock() *LamportClock {
	return &LamportClock{}
}

func (self *LamportClock) Next() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.counter += 1
	return self.counter
}

func (self *LamportClock) Witness(counter uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.counter < counter {
		self.counter = counter
	}
}

func (self *LamportClock) Current() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.counter
}
