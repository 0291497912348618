package canvas

import (
	"encoding/binary"
	"errors"
	"slices"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"
)

// the durable state of a room
type RoomState struct {
	// the compacted delta log
	Log         []*Delta
	Vector      VersionVector
	Horizon     VersionVector
	Collected   map[string]LogicalId
	PeerVectors map[string]VersionVector
}

type SnapshotStore interface {
	// nil state if the room was never saved
	Load(roomId string) (*RoomState, error)
	// replaces the state and discards appended deltas
	Save(roomId string, state *RoomState) error
	AppendLog(roomId string, deltas []*Delta) error
}

var (
	logKey     = []byte("log")
	metaKey    = []byte("meta")
	appendsKey = []byte("appends")
)

// one bucket per room:
//
//	log      compacted delta batch
//	meta     vector, horizon, collected ids, peer vectors
//	appends/ batches appended since the last save, keyed by sequence
type BoltSnapshotStore struct {
	db *bbolt.DB
}

func OpenBoltSnapshotStore(path string) (*BoltSnapshotStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &BoltSnapshotStore{
		db: db,
	}, nil
}

func (self *BoltSnapshotStore) Close() error {
	return self.db.Close()
}

func (self *BoltSnapshotStore) Load(roomId string) (*RoomState, error) {
	var state *RoomState
	err := self.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(roomId))
		if bucket == nil {
			return nil
		}
		state = &RoomState{
			Log:         []*Delta{},
			Vector:      VersionVector{},
			Horizon:     VersionVector{},
			Collected:   map[string]LogicalId{},
			PeerVectors: map[string]VersionVector{},
		}
		// values are only valid inside the transaction
		if meta := bucket.Get(metaKey); meta != nil {
			if err := decodeRoomMeta(slices.Clone(meta), state); err != nil {
				return err
			}
		}
		if log := bucket.Get(logKey); log != nil {
			deltas, err := DecodeDeltas(slices.Clone(log))
			if err != nil {
				return err
			}
			state.Log = append(state.Log, deltas...)
		}
		if appends := bucket.Bucket(appendsKey); appends != nil {
			// keys are big endian sequence numbers so iteration is append order
			err := appends.ForEach(func(k []byte, v []byte) error {
				deltas, err := DecodeDeltas(slices.Clone(v))
				if err != nil {
					return err
				}
				state.Log = append(state.Log, deltas...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (self *BoltSnapshotStore) Save(roomId string, state *RoomState) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(roomId))
		if err != nil {
			return err
		}
		if err := bucket.Put(logKey, EncodeDeltas(state.Log...)); err != nil {
			return err
		}
		if err := bucket.Put(metaKey, encodeRoomMeta(state)); err != nil {
			return err
		}
		if bucket.Bucket(appendsKey) != nil {
			if err := bucket.DeleteBucket(appendsKey); err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *BoltSnapshotStore) AppendLog(roomId string, deltas []*Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	return self.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(roomId))
		if err != nil {
			return err
		}
		appends, err := bucket.CreateBucketIfNotExists(appendsKey)
		if err != nil {
			return err
		}
		seq, err := appends.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return appends.Put(key, EncodeDeltas(deltas...))
	})
}

// room ids with saved state
func (self *BoltSnapshotStore) RoomIds() ([]string, error) {
	roomIds := []string{}
	err := self.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			roomIds = append(roomIds, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(roomIds)
	return roomIds, nil
}

// keeps encoded state in memory. Used when no database path is configured.
type MemorySnapshotStore struct {
	stateLock sync.Mutex
	states    map[string][]byte
	appends   map[string][][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		states:  map[string][]byte{},
		appends: map[string][][]byte{},
	}
}

func (self *MemorySnapshotStore) Load(roomId string) (*RoomState, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	meta, ok := self.states[roomId]
	appends := self.appends[roomId]
	if !ok && len(appends) == 0 {
		return nil, nil
	}
	state := &RoomState{
		Log:         []*Delta{},
		Vector:      VersionVector{},
		Horizon:     VersionVector{},
		Collected:   map[string]LogicalId{},
		PeerVectors: map[string]VersionVector{},
	}
	if ok {
		if err := decodeRoomMeta(meta, state); err != nil {
			return nil, err
		}
	}
	for _, batch := range appends {
		deltas, err := DecodeDeltas(batch)
		if err != nil {
			return nil, err
		}
		state.Log = append(state.Log, deltas...)
	}
	return state, nil
}

func (self *MemorySnapshotStore) Save(roomId string, state *RoomState) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	meta := encodeRoomMeta(state)
	meta = appendBytesField(meta, roomMetaLogNum, EncodeDeltas(state.Log...))
	self.states[roomId] = meta
	delete(self.appends, roomId)
	return nil
}

func (self *MemorySnapshotStore) AppendLog(roomId string, deltas []*Delta) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.appends[roomId] = append(self.appends[roomId], EncodeDeltas(deltas...))
	return nil
}

// room meta {1: vector entry, 2: horizon entry, 3: collected, 4: peer vector, 5: log batch}
const (
	roomMetaVectorNum    protowire.Number = 1
	roomMetaHorizonNum   protowire.Number = 2
	roomMetaCollectedNum protowire.Number = 3
	roomMetaPeerNum      protowire.Number = 4
	roomMetaLogNum       protowire.Number = 5
)

func encodeRoomMeta(state *RoomState) []byte {
	b := appendVersionVectorField(nil, roomMetaVectorNum, state.Vector)
	b = appendVersionVectorField(b, roomMetaHorizonNum, state.Horizon)
	elementIds := make([]string, 0, len(state.Collected))
	for elementId := range state.Collected {
		elementIds = append(elementIds, elementId)
	}
	slices.Sort(elementIds)
	for _, elementId := range elementIds {
		deleteClock := state.Collected[elementId]
		b = appendMessageField(b, roomMetaCollectedNum, func(e []byte) []byte {
			e = appendStringField(e, 1, elementId)
			return appendLogicalIdField(e, 2, deleteClock)
		})
	}
	clientIds := make([]string, 0, len(state.PeerVectors))
	for clientId := range state.PeerVectors {
		clientIds = append(clientIds, clientId)
	}
	slices.Sort(clientIds)
	for _, clientId := range clientIds {
		vector := state.PeerVectors[clientId]
		b = appendMessageField(b, roomMetaPeerNum, func(e []byte) []byte {
			e = appendStringField(e, 1, clientId)
			return appendVersionVectorField(e, 2, vector)
		})
	}
	return b
}

var errRoomMeta = errors.New("Bad room meta.")

func decodeRoomMeta(b []byte, state *RoomState) error {
	_, err := consumeFields(b, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
		switch num {
		case roomMetaVectorNum:
			return true, consumeVersionVectorEntry(state.Vector, num, typ, value)
		case roomMetaHorizonNum:
			return true, consumeVersionVectorEntry(state.Horizon, num, typ, value)
		case roomMetaCollectedNum:
			entry, err := wireBytes(num, typ, value)
			if err != nil {
				return true, err
			}
			var elementId string
			var deleteClock LogicalId
			_, err = consumeFields(entry, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
				var err error
				switch num {
				case 1:
					elementId, err = wireString(num, typ, value)
				case 2:
					deleteClock, err = wireLogicalId(num, typ, value)
				default:
					return false, nil
				}
				return true, err
			})
			if err != nil {
				return true, err
			}
			if elementId == "" {
				return true, errRoomMeta
			}
			state.Collected[elementId] = deleteClock
			return true, nil
		case roomMetaPeerNum:
			entry, err := wireBytes(num, typ, value)
			if err != nil {
				return true, err
			}
			var clientId string
			vector := VersionVector{}
			_, err = consumeFields(entry, func(num protowire.Number, typ protowire.Type, value []byte) (bool, error) {
				switch num {
				case 1:
					var err error
					clientId, err = wireString(num, typ, value)
					return true, err
				case 2:
					return true, consumeVersionVectorEntry(vector, num, typ, value)
				default:
					return false, nil
				}
			})
			if err != nil {
				return true, err
			}
			if clientId == "" {
				return true, errRoomMeta
			}
			state.PeerVectors[clientId] = vector
			return true, nil
		case roomMetaLogNum:
			batch, err := wireBytes(num, typ, value)
			if err != nil {
				return true, err
			}
			deltas, err := DecodeDeltas(batch)
			if err != nil {
				return true, err
			}
			state.Log = append(deltas, state.Log...)
			return true, nil
		default:
			return false, nil
		}
	})
	return err
}
