package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/maps"
)

var ErrWrongRoom = errors.New("Wrong room.")
var ErrWrongClient = errors.New("Wrong client.")

type RoomSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// frames buffered per peer. A peer that falls further behind is dropped
	// and catches up on reconnect.
	SendBufferSize   int
	SnapshotInterval time.Duration
	GcInterval       time.Duration
	Clock            clockwork.Clock
}

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBufferSize:   1024,
		SnapshotInterval: 30 * time.Second,
		GcInterval:       60 * time.Second,
		Clock:            clockwork.NewRealClock(),
	}
}

type roomPeer struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId string
	conn     Conn
	send     chan []byte
}

// enqueues without blocking. Returns false if the peer is too far behind.
func (self *roomPeer) enqueue(b []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- b:
		return true
	default:
		return false
	}
}

// the authoritative replica of one room. Relays deltas and awareness
// between connected clients and persists the log.
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId        string
	snapshotStore SnapshotStore
	settings      *RoomSettings

	store *DocumentStore

	// held across apply+append and across capture+save,
	// so a save never drops appends that are not in its capture
	persistLock sync.Mutex

	stateLock sync.Mutex
	peers     map[string]*roomPeer
	// last vector each client proved, connected or not. Peers are never forgotten
	// automatically since a returning peer must not miss a collected delete.
	peerVectors map[string]VersionVector
	// last awareness record per connected client
	awareness map[string]*AwarenessRecord
	dirty     bool
}

func NewRoomWithDefaults(ctx context.Context, roomId string, snapshotStore SnapshotStore) (*Room, error) {
	return NewRoom(ctx, roomId, snapshotStore, DefaultRoomSettings())
}

// loads the persisted state, if any
func NewRoom(ctx context.Context, roomId string, snapshotStore SnapshotStore, settings *RoomSettings) (*Room, error) {
	store := NewDocumentStore()
	peerVectors := map[string]VersionVector{}
	if snapshotStore != nil {
		state, err := snapshotStore.Load(roomId)
		if err != nil {
			return nil, err
		}
		if state != nil {
			store.RestoreCollected(state.Collected, state.Horizon, state.Vector)
			if _, err := store.ApplyAll(state.Log); err != nil {
				glog.Infof("[room]%s restore = %s\n", roomId, err)
			}
			for clientId, vector := range state.PeerVectors {
				peerVectors[clientId] = vector.Clone()
			}
			glog.V(1).Infof("[room]%s restored %d deltas\n", roomId, store.Len())
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	return &Room{
		ctx:           cancelCtx,
		cancel:        cancel,
		roomId:        roomId,
		snapshotStore: snapshotStore,
		settings:      settings,
		store:         store,
		peers:         map[string]*roomPeer{},
		peerVectors:   peerVectors,
		awareness:     map[string]*AwarenessRecord{},
	}, nil
}

func (self *Room) RoomId() string {
	return self.roomId
}

// runs garbage collection and periodic persistence until closed
func (self *Room) Start() {
	go HandleError(self.run)
}

func (self *Room) run() {
	snapshotTicker := self.settings.Clock.NewTicker(self.settings.SnapshotInterval)
	defer snapshotTicker.Stop()
	gcTicker := self.settings.Clock.NewTicker(self.settings.GcInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-snapshotTicker.Chan():
			if err := self.Persist(false); err != nil {
				glog.Infof("[room]%s persist = %s\n", self.roomId, err)
			}
		case <-gcTicker.Chan():
			if 0 < self.CollectGarbage() {
				if err := self.Persist(true); err != nil {
					glog.Infof("[room]%s persist = %s\n", self.roomId, err)
				}
			}
		}
	}
}

func (self *Room) Close() {
	self.cancel()
	if err := self.Persist(false); err != nil {
		glog.Infof("[room]%s persist = %s\n", self.roomId, err)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, peer := range self.peers {
		peer.cancel()
	}
}

// collects tombstones every known peer has observed
func (self *Room) CollectGarbage() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.peerVectors) == 0 {
		return 0
	}
	n := self.store.CollectGarbage(maps.Values(self.peerVectors))
	if 0 < n {
		self.dirty = true
	}
	return n
}

// drops the peer from garbage collection bookkeeping.
// If it returns with an old vector it receives a reset.
func (self *Room) ForgetPeer(clientId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.peerVectors, clientId)
}

// saves the full state and compacts the log. Skipped when nothing changed
// unless `force` is set.
func (self *Room) Persist(force bool) error {
	if self.snapshotStore == nil {
		return nil
	}
	self.persistLock.Lock()
	defer self.persistLock.Unlock()

	state := func() *RoomState {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.dirty && !force {
			return nil
		}
		self.dirty = false
		peerVectors := map[string]VersionVector{}
		for clientId, vector := range self.peerVectors {
			peerVectors[clientId] = vector.Clone()
		}
		return &RoomState{
			Log:         self.store.DiffSince(VersionVector{}),
			Vector:      self.store.VersionVector(),
			Horizon:     self.store.GcHorizon(),
			Collected:   self.store.Collected(),
			PeerVectors: peerVectors,
		}
	}()
	if state == nil {
		return nil
	}
	if err := self.snapshotStore.Save(self.roomId, state); err != nil {
		self.stateLock.Lock()
		self.dirty = true
		self.stateLock.Unlock()
		return err
	}
	glog.V(1).Infof("[room]%s saved %d deltas vector=%s\n", self.roomId, len(state.Log), state.Vector)
	return nil
}

// the visible document
func (self *Room) Snapshot() []byte {
	return self.store.EncodeSnapshot()
}

func (self *Room) Elements() []*Element {
	return self.store.GetSnapshot()
}

func (self *Room) VersionVector() VersionVector {
	return self.store.VersionVector()
}

func (self *Room) PeerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.peers)
}

// serves one connection until it closes. `clientId` is the authorized
// client, or "" to trust the hello.
func (self *Room) Serve(conn Conn, clientId string) error {
	defer conn.Close()

	hello, err := self.readHello(conn)
	if err != nil {
		glog.Infof("[room]%s hello = %s\n", self.roomId, err)
		return err
	}
	if hello.ProtocolVersion != ProtocolVersion {
		glog.Infof("[room]%s %s protocol %d = %s\n", self.roomId, hello.ClientId, hello.ProtocolVersion, ErrProtocolVersion)
		return fmt.Errorf("%w %d", ErrProtocolVersion, hello.ProtocolVersion)
	}
	if hello.RoomId != self.roomId {
		return fmt.Errorf("%w %s", ErrWrongRoom, hello.RoomId)
	}
	if clientId != "" && hello.ClientId != clientId {
		return fmt.Errorf("%w %s", ErrWrongClient, hello.ClientId)
	}
	clientId = hello.ClientId

	peerCtx, peerCancel := context.WithCancel(self.ctx)
	defer peerCancel()
	peer := &roomPeer{
		ctx:      peerCtx,
		cancel:   peerCancel,
		clientId: clientId,
		conn:     conn,
		send:     make(chan []byte, self.settings.SendBufferSize),
	}
	self.join(peer, hello.Vector)
	defer self.leave(peer)

	go HandleError(func() {
		defer peerCancel()
		for {
			select {
			case <-peerCtx.Done():
				return
			case b := <-peer.send:
				if err := conn.WriteMessage(b, self.settings.WriteTimeout); err != nil {
					glog.Infof("[room]%s %s-> error = %s\n", self.roomId, clientId, err)
					return
				}
			}
		}
	})

	go HandleError(func() {
		// unblock the reader
		<-peerCtx.Done()
		conn.Close()
	})

	for {
		b, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-peerCtx.Done():
				return nil
			default:
				return err
			}
		}
		message, err := DecodeFrame(b)
		if err != nil {
			glog.Infof("[room]%s %s<- bad frame = %s\n", self.roomId, clientId, err)
			continue
		}
		glog.V(2).Infof("[room]%s %s<- %s\n", self.roomId, clientId, message.MessageType())
		switch v := message.(type) {
		case *Update:
			self.receiveUpdate(peer, v)
		case *AwarenessMessage:
			self.receiveAwareness(peer, v)
		case *Ping:
			self.receivePing(peer, v)
		default:
			glog.Infof("[room]%s %s<- unexpected %s\n", self.roomId, clientId, message.MessageType())
		}
	}
}

func (self *Room) readHello(conn Conn) (*Hello, error) {
	type readResult struct {
		hello *Hello
		err   error
	}
	read := make(chan readResult, 1)
	go func() {
		b, err := conn.ReadMessage()
		if err != nil {
			read <- readResult{err: err}
			return
		}
		message, err := DecodeFrame(b)
		if err != nil {
			read <- readResult{err: err}
			return
		}
		hello, ok := message.(*Hello)
		if !ok {
			read <- readResult{err: fmt.Errorf("Expected hello, got %s.", message.MessageType())}
			return
		}
		read <- readResult{hello: hello}
	}()

	select {
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case result := <-read:
		return result.hello, result.err
	case <-self.settings.Clock.After(self.settings.HandshakeTimeout):
		return nil, ErrHandshakeTimeout
	}
}

// queues the sync response and registers the peer, atomically with
// respect to broadcasts so no update falls between the two.
func (self *Room) join(peer *roomPeer, vector VersionVector) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	horizon := self.store.GcHorizon()
	syncResponse := &SyncResponse{
		Vector: self.store.VersionVector(),
	}
	if 0 < len(vector) && 0 < len(horizon) && !vector.Dominates(horizon) {
		// the client may hold tombstones that were collected here
		syncResponse.Reset = true
		syncResponse.Batch = EncodeDeltas(self.store.DiffSince(VersionVector{})...)
	} else {
		syncResponse.Batch = EncodeDeltas(self.store.DiffSince(vector)...)
	}
	peer.enqueue(RequireEncodeFrame(syncResponse))
	for _, record := range self.awareness {
		if record.ClientId != peer.clientId {
			peer.enqueue(RequireEncodeFrame(&AwarenessMessage{
				Record: record,
			}))
		}
	}

	if previous, ok := self.peers[peer.clientId]; ok {
		glog.V(1).Infof("[room]%s %s superseded\n", self.roomId, peer.clientId)
		previous.cancel()
	}
	self.peers[peer.clientId] = peer
	self.observe(peer.clientId, vector)
	glog.V(1).Infof("[room]%s join %s reset=%t\n", self.roomId, peer.clientId, syncResponse.Reset)
}

func (self *Room) leave(peer *roomPeer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.peers[peer.clientId] != peer {
		// superseded by a newer connection
		return
	}
	delete(self.peers, peer.clientId)
	glog.V(1).Infof("[room]%s leave %s\n", self.roomId, peer.clientId)

	removed := &AwarenessRecord{
		ClientId: peer.clientId,
		Removed:  true,
	}
	if record, ok := self.awareness[peer.clientId]; ok {
		removed.Seq = record.Seq + 1
		delete(self.awareness, peer.clientId)
	} else {
		removed.Seq = 1
	}
	self.broadcast(peer.clientId, RequireEncodeFrame(&AwarenessMessage{
		Record: removed,
	}))
}

// must be called with the state lock
func (self *Room) observe(clientId string, vector VersionVector) {
	peerVector, ok := self.peerVectors[clientId]
	if !ok {
		peerVector = VersionVector{}
		self.peerVectors[clientId] = peerVector
	}
	peerVector.Merge(vector)
}

// must be called with the state lock
func (self *Room) broadcast(originClientId string, b []byte) {
	for clientId, peer := range self.peers {
		if clientId == originClientId {
			continue
		}
		if !peer.enqueue(b) {
			glog.Infof("[room]%s %s too far behind. Dropping.\n", self.roomId, clientId)
			peer.cancel()
		}
	}
}

func (self *Room) receiveUpdate(peer *roomPeer, update *Update) {
	deltas, err := DecodeDeltas(update.Batch)
	if err != nil {
		glog.Infof("[room]%s %s<- update = %s\n", self.roomId, peer.clientId, err)
	}
	own := make([]*Delta, 0, len(deltas))
	for _, delta := range deltas {
		if delta.Origin() != peer.clientId {
			glog.Infof("[room]%s %s<- foreign delta %s\n", self.roomId, peer.clientId, delta)
			continue
		}
		own = append(own, delta)
	}

	self.persistLock.Lock()
	defer self.persistLock.Unlock()

	var applied []*Delta
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		applied, err = self.store.ApplyAll(own)
		if err != nil {
			glog.Infof("[room]%s %s<- apply = %s\n", self.roomId, peer.clientId, err)
		}
		if len(applied) == 0 {
			return
		}
		vector := VersionVector{}
		for _, delta := range applied {
			vector.Observe(delta.Id)
		}
		self.observe(peer.clientId, vector)
		self.dirty = true
		self.broadcast(peer.clientId, RequireEncodeFrame(&Update{
			Batch: EncodeDeltas(applied...),
		}))
	}()

	if 0 < len(applied) && self.snapshotStore != nil {
		if err := self.snapshotStore.AppendLog(self.roomId, applied); err != nil {
			glog.Infof("[room]%s append log = %s\n", self.roomId, err)
		}
	}
}

func (self *Room) receiveAwareness(peer *roomPeer, message *AwarenessMessage) {
	record := message.Record
	if record.ClientId != peer.clientId {
		glog.Infof("[room]%s %s<- foreign awareness %s\n", self.roomId, peer.clientId, record.ClientId)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if last, ok := self.awareness[peer.clientId]; ok && record.Seq <= last.Seq {
		return
	}
	if record.Removed {
		delete(self.awareness, peer.clientId)
	} else {
		self.awareness[peer.clientId] = record
	}
	self.broadcast(peer.clientId, RequireEncodeFrame(message))
}

func (self *Room) receivePing(peer *roomPeer, ping *Ping) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.observe(peer.clientId, ping.Vector)
	}()
	if !peer.enqueue(RequireEncodeFrame(&Pong{
		SentAt: ping.SentAt,
	})) {
		peer.cancel()
	}
}
