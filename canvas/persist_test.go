package canvas

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testRoomState() *RoomState {
	return &RoomState{
		Log: []*Delta{
			testCreate(2, "a", "e2", 0, 0),
			NewDelta(testId(4, "b"), UpdateOp("e2", FieldX, NumberValue(3))),
		},
		Vector:  VersionVector{"a": 3, "b": 4},
		Horizon: VersionVector{"a": 3},
		Collected: map[string]LogicalId{
			"e1": testId(3, "a"),
		},
		PeerVectors: map[string]VersionVector{
			"a": {"a": 3},
			"b": {"a": 3, "b": 4},
		},
	}
}

func assertRoomState(t *testing.T, expected *RoomState, actual *RoomState) {
	t.Helper()
	assert.Equal(t, len(expected.Log), len(actual.Log))
	for i, delta := range expected.Log {
		assert.Equal(t, true, delta.Equal(actual.Log[i]))
	}
	assert.Equal(t, expected.Vector, actual.Vector)
	assert.Equal(t, expected.Horizon, actual.Horizon)
	assert.Equal(t, expected.Collected, actual.Collected)
	assert.Equal(t, expected.PeerVectors, actual.PeerVectors)
}

func testSnapshotStore(t *testing.T, snapshotStore SnapshotStore) {
	state, err := snapshotStore.Load("r")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, state == nil)

	expected := testRoomState()
	err = snapshotStore.Save("r", expected)
	assert.Equal(t, nil, err)
	state, err = snapshotStore.Load("r")
	assert.Equal(t, nil, err)
	assertRoomState(t, expected, state)

	// appends load after the saved log, in order
	appended := []*Delta{
		NewDelta(testId(5, "a"), UpdateOp("e2", FieldY, NumberValue(1))),
		NewDelta(testId(6, "b"), UpdateOp("e2", FieldY, NumberValue(2))),
	}
	assert.Equal(t, nil, snapshotStore.AppendLog("r", appended[:1]))
	assert.Equal(t, nil, snapshotStore.AppendLog("r", appended[1:]))
	state, err = snapshotStore.Load("r")
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(state.Log))
	assert.Equal(t, testId(5, "a"), state.Log[2].Id)
	assert.Equal(t, testId(6, "b"), state.Log[3].Id)

	// a save replaces the appends
	expected.Log = append(expected.Log, appended...)
	expected.Vector = VersionVector{"a": 5, "b": 6}
	assert.Equal(t, nil, snapshotStore.Save("r", expected))
	state, err = snapshotStore.Load("r")
	assert.Equal(t, nil, err)
	assertRoomState(t, expected, state)

	// appends alone load without a save
	assert.Equal(t, nil, snapshotStore.AppendLog("s", appended))
	state, err = snapshotStore.Load("s")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(state.Log))
	assert.Equal(t, 0, len(state.Collected))
}

func TestBoltSnapshotStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.db")
	snapshotStore, err := OpenBoltSnapshotStore(path)
	assert.Equal(t, nil, err)

	testSnapshotStore(t, snapshotStore)

	roomIds, err := snapshotStore.RoomIds()
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"r", "s"}, roomIds)

	// survives a reopen
	assert.Equal(t, nil, snapshotStore.Close())
	snapshotStore, err = OpenBoltSnapshotStore(path)
	assert.Equal(t, nil, err)
	defer snapshotStore.Close()
	state, err := snapshotStore.Load("r")
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(state.Log))
	assert.Equal(t, VersionVector{"a": 5, "b": 6}, state.Vector)
}

func TestMemorySnapshotStore(t *testing.T) {
	testSnapshotStore(t, NewMemorySnapshotStore())
}

func TestRoomMetaMalformed(t *testing.T) {
	state := testRoomState()
	b := encodeRoomMeta(state)
	// truncated
	err := decodeRoomMeta(b[:len(b)-1], testRoomState())
	assert.NotEqual(t, nil, err)
}
