package canvas

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// two different deltas carried the same logical id.
// The producer must regenerate the id; the second delta is rejected.
var ErrLogicalIdCollision = errors.New("Logical id collision.")

type StoreUpdate struct {
	// applied deltas, in apply order
	Deltas []*Delta
	// any applied delta moved a bounding box or changed visibility
	Geometry bool
	// the store was replaced wholesale
	Reset bool
}

type UpdateFunction func(update *StoreUpdate)

type pointBatch struct {
	id     LogicalId
	points []Point
}

type elementState struct {
	element     *Element
	fieldClocks map[Field]LogicalId
	basePoints  []Point
	// appended freehand points, ordered by logical id
	appends []pointBatch
}

func (self *elementState) materializePoints() {
	n := len(self.basePoints)
	for _, batch := range self.appends {
		n += len(batch.points)
	}
	points := make([]Point, 0, n)
	points = append(points, self.basePoints...)
	for _, batch := range self.appends {
		points = append(points, batch.points...)
	}
	self.element.Geometry.Points = points
}

// the replicated document. `Apply` is the only writer path.
// Merge is per element per field last writer wins in logical id order,
// with sticky tombstones. The state is a pure function of the set of
// applied deltas.
type DocumentStore struct {
	stateLock sync.Mutex

	elements map[string]*elementState
	// arrival order. Per-sender fifo makes this causally ordered.
	log    []*Delta
	logIds map[LogicalId]*Delta
	vector VersionVector
	// deltas that target an element whose create has not arrived yet
	parked map[string][]*Delta
	// garbage collected element id -> delete clock
	collected map[string]LogicalId
	// every collection so far is covered by this vector
	gcHorizon VersionVector

	updateCallbacks *CallbackList[UpdateFunction]
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		elements:        map[string]*elementState{},
		log:             []*Delta{},
		logIds:          map[LogicalId]*Delta{},
		vector:          VersionVector{},
		parked:          map[string][]*Delta{},
		collected:       map[string]LogicalId{},
		gcHorizon:       VersionVector{},
		updateCallbacks: NewCallbackList[UpdateFunction](),
	}
}

func (self *DocumentStore) AddUpdateCallback(updateCallback UpdateFunction) func() {
	return subscribe(self.updateCallbacks, updateCallback)
}

// applies one delta. Returns false for a duplicate.
// A delta is either applied completely or not at all.
func (self *DocumentStore) Apply(delta *Delta) (bool, error) {
	applied, err := self.ApplyAll([]*Delta{delta})
	return 0 < len(applied), err
}

// applies in order and returns the deltas that were new.
// Invalid deltas are rejected and reported without stopping the batch.
func (self *DocumentStore) ApplyAll(deltas []*Delta) ([]*Delta, error) {
	var errs []error
	applied := []*Delta{}
	geometry := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, delta := range deltas {
			ok, g, err := self.apply(delta)
			if err != nil {
				glog.Infof("[store]reject %s = %s\n", delta, err)
				errs = append(errs, err)
				continue
			}
			if ok {
				applied = append(applied, delta)
				geometry = geometry || g
			}
		}
	}()

	if 0 < len(applied) {
		self.notify(&StoreUpdate{
			Deltas:   applied,
			Geometry: geometry,
		})
	}
	return applied, errors.Join(errs...)
}

func (self *DocumentStore) notify(update *StoreUpdate) {
	for _, updateCallback := range self.updateCallbacks.Get() {
		HandleError(func() {
			updateCallback(update)
		})
	}
}

// must be called with the state lock
func (self *DocumentStore) apply(delta *Delta) (applied bool, geometry bool, err error) {
	if err := delta.Validate(); err != nil {
		return false, false, err
	}
	if existing, ok := self.logIds[delta.Id]; ok {
		if existing.Equal(delta) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("%w %s", ErrLogicalIdCollision, delta.Id)
	}
	if _, ok := self.collected[delta.Target]; ok {
		// the element is gone everywhere. Never revive it.
		self.vector.Observe(delta.Id)
		return false, false, nil
	}

	self.log = append(self.log, delta)
	self.logIds[delta.Id] = delta
	self.vector.Observe(delta.Id)

	geometry = self.merge(delta)
	return true, geometry, nil
}

// must be called with the state lock
func (self *DocumentStore) merge(delta *Delta) (geometry bool) {
	state, ok := self.elements[delta.Target]
	if !ok && delta.Kind != OpCreate {
		// degenerate reference. Hold it until the create arrives
		// so every arrival order folds to the same state.
		self.parked[delta.Target] = append(self.parked[delta.Target], delta)
		glog.V(2).Infof("[store]park %s\n", delta)
		return false
	}

	switch delta.Kind {
	case OpCreate:
		geometry = self.mergeCreate(state, delta)
	case OpUpdate:
		geometry = self.mergeField(state, delta.Id, delta.Field, delta.Value)
	case OpReorder:
		self.mergeField(state, delta.Id, FieldZOrder, TextValue(delta.ZOrder))
	case OpDelete:
		if !state.element.Deleted {
			geometry = true
		}
		state.element.Deleted = true
		state.element.DeleteClock = MaxLogicalId(state.element.DeleteClock, delta.Id)
	case OpAppendPoints:
		if !state.element.Kind.IsPath() {
			return false
		}
		i, _ := slices.BinarySearchFunc(state.appends, delta.Id, func(batch pointBatch, id LogicalId) int {
			return batch.id.Compare(id)
		})
		state.appends = slices.Insert(state.appends, i, pointBatch{
			id:     delta.Id,
			points: slices.Clone(delta.Points),
		})
		state.materializePoints()
		geometry = true
	}
	state = self.elements[delta.Target]
	state.element.Version = MaxLogicalId(state.element.Version, delta.Id)

	if delta.Kind == OpCreate {
		if parked, ok := self.parked[delta.Target]; ok {
			delete(self.parked, delta.Target)
			slices.SortFunc(parked, func(a *Delta, b *Delta) int {
				return a.Id.Compare(b.Id)
			})
			for _, parkedDelta := range parked {
				if self.merge(parkedDelta) {
					geometry = true
				}
			}
		}
	}
	return geometry
}

// must be called with the state lock
func (self *DocumentStore) mergeCreate(state *elementState, delta *Delta) bool {
	if state == nil {
		element := delta.Element.Clone()
		element.Clock = delta.Id
		element.Version = delta.Id
		element.Deleted = false
		element.DeleteClock = LogicalId{}
		state = &elementState{
			element:     element,
			fieldClocks: map[Field]LogicalId{},
			basePoints:  slices.Clone(element.Geometry.Points),
		}
		for _, field := range AllFields {
			state.fieldClocks[field] = delta.Id
		}
		self.elements[delta.Target] = state
		return true
	}

	// a second create for the same id. Ids are never reused by a
	// well behaved client; fold it field by field so the result is still order independent.
	if state.element.Clock.Less(delta.Id) {
		state.element.Kind = delta.Element.Kind
		state.element.Clock = delta.Id
	}
	geometry := false
	for _, field := range AllFields {
		if self.mergeField(state, delta.Id, field, delta.Element.FieldValue(field)) {
			geometry = true
		}
	}
	return geometry
}

// must be called with the state lock
func (self *DocumentStore) mergeField(state *elementState, id LogicalId, field Field, value Value) bool {
	if !state.fieldClocks[field].Less(id) {
		return false
	}
	state.fieldClocks[field] = id
	if field == FieldPoints {
		state.basePoints = slices.Clone(value.Points)
		state.materializePoints()
	} else {
		state.element.SetFieldValue(field, value)
	}
	return field.IsGeometry()
}

// non-tombstoned elements in draw order. The elements are copies.
func (self *DocumentStore) GetSnapshot() []*Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	elements := make([]*Element, 0, len(self.elements))
	for _, state := range self.elements {
		if !state.element.Deleted {
			elements = append(elements, state.element.Clone())
		}
	}
	slices.SortFunc(elements, CompareDrawOrder)
	return elements
}

// the element including tombstones
func (self *DocumentStore) Get(elementId string) (*Element, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.elements[elementId]
	if !ok {
		return nil, false
	}
	return state.element.Clone(), true
}

func (self *DocumentStore) Live(elementId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.elements[elementId]
	return ok && !state.element.Deleted
}

// the origin of the winning delete, or "" if the element is not deleted
func (self *DocumentStore) DeletedBy(elementId string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if state, ok := self.elements[elementId]; ok && state.element.Deleted {
		return state.element.DeleteClock.ClientId
	}
	if deleteClock, ok := self.collected[elementId]; ok {
		return deleteClock.ClientId
	}
	return ""
}

// deltas the holder of `vector` has not observed, in log order
func (self *DocumentStore) DiffSince(vector VersionVector) []*Delta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	deltas := []*Delta{}
	for _, delta := range self.log {
		if !vector.Covers(delta.Id) {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

// own deltas of `clientId` that the holder of `vector` has not observed
func (self *DocumentStore) DiffSinceFrom(vector VersionVector, clientId string) []*Delta {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	deltas := []*Delta{}
	for _, delta := range self.log {
		if delta.Origin() == clientId && !vector.Covers(delta.Id) {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

func (self *DocumentStore) VersionVector() VersionVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.vector.Clone()
}

func (self *DocumentStore) GcHorizon() VersionVector {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.gcHorizon.Clone()
}

// the greatest counter observed from any client
func (self *DocumentStore) MaxCounter() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var maxCounter uint64
	for _, counter := range self.vector {
		if maxCounter < counter {
			maxCounter = counter
		}
	}
	return maxCounter
}

// number of log entries
func (self *DocumentStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.log)
}

func (self *DocumentStore) ParkedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	for _, parked := range self.parked {
		n += len(parked)
	}
	return n
}

// removes tombstones that every peer vector proves observed.
// With no peers nothing is provable and nothing is collected.
// Collected ids are remembered so late duplicates cannot revive them.
func (self *DocumentStore) CollectGarbage(peerVectors []VersionVector) int {
	if len(peerVectors) == 0 {
		return 0
	}
	horizon := MinVersionVector(peerVectors...)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collectedIds := map[string]bool{}
	for elementId, state := range self.elements {
		if state.element.Deleted && horizon.Covers(state.element.DeleteClock) {
			collectedIds[elementId] = true
		}
	}
	if len(collectedIds) == 0 {
		return 0
	}

	for elementId := range collectedIds {
		self.collected[elementId] = self.elements[elementId].element.DeleteClock
		delete(self.elements, elementId)
		delete(self.parked, elementId)
	}
	log := make([]*Delta, 0, len(self.log))
	for _, delta := range self.log {
		if collectedIds[delta.Target] {
			delete(self.logIds, delta.Id)
		} else {
			log = append(log, delta)
		}
	}
	self.log = log
	self.gcHorizon.Merge(horizon)

	glog.V(1).Infof("[store]gc collected %d horizon=%s\n", len(collectedIds), horizon)
	return len(collectedIds)
}

// restores the garbage collection state of a compacted log.
// `vector` is the persisted vector, which also covers the collected deltas.
func (self *DocumentStore) RestoreCollected(collected map[string]LogicalId, horizon VersionVector, vector VersionVector) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for elementId, deleteClock := range collected {
		self.collected[elementId] = deleteClock
		delete(self.elements, elementId)
		delete(self.parked, elementId)
	}
	self.gcHorizon.Merge(horizon)
	self.vector.Merge(vector)
}

func (self *DocumentStore) Collected() map[string]LogicalId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.collected)
}

// canonical encoding of the full state, tombstones included.
// Two stores that applied the same delta set have equal digests.
func (self *DocumentStore) Digest() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	elementIds := maps.Keys(self.elements)
	slices.Sort(elementIds)
	elements := make([]*Element, 0, len(elementIds))
	for _, elementId := range elementIds {
		elements = append(elements, self.elements[elementId].element)
	}
	return EncodeSnapshot(elements, self.vector)
}

// the persisted form of the visible document
func (self *DocumentStore) EncodeSnapshot() []byte {
	elements := self.GetSnapshot()
	return EncodeSnapshot(elements, self.VersionVector())
}
