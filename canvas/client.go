package canvas

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

var ErrNoElement = errors.New("No such element.")

type ClientSettings struct {
	SessionSettings     *SessionSettings
	AwarenessSettings   *AwarenessSettings
	VirtualizerSettings *VirtualizerSettings
	HistorySettings     *HistorySettings
	RenderSettings      *RenderSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		SessionSettings:     DefaultSessionSettings(),
		AwarenessSettings:   DefaultAwarenessSettings(),
		VirtualizerSettings: DefaultVirtualizerSettings(),
		HistorySettings:     DefaultHistorySettings(),
		RenderSettings:      DefaultRenderSettings(),
	}
}

// one participant in a room. Owns the replica and every component
// around it. All document mutations, local and remote, are serialized
// through `stateLock`.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId string
	roomId   string
	settings *ClientSettings

	stateLock sync.Mutex
	clock     *LamportClock
	store     atomic.Pointer[DocumentStore]
	// disposes the update callback on the current store
	unsubscribeStore func()
	history          *History

	session     *Session
	awareness   *AwarenessChannel
	virtualizer *Virtualizer
	scheduler   *RenderScheduler

	// orders snapshot capture with virtualizer requests,
	// so the last request started always holds the newest snapshot
	refreshLock sync.Mutex

	viewLock          sync.Mutex
	viewport          Viewport
	visible           []*Element
	visibleGeneration uint64
	deliveredVisible  uint64

	updateCallbacks *CallbackList[UpdateFunction]
}

func NewClientWithDefaults(
	ctx context.Context,
	clientId string,
	roomId string,
	dial DialFunction,
	renderer Renderer,
) *Client {
	return NewClient(ctx, clientId, roomId, dial, renderer, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	clientId string,
	roomId string,
	dial DialFunction,
	renderer Renderer,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		clientId:        clientId,
		roomId:          roomId,
		settings:        settings,
		clock:           NewLamportClock(),
		history:         NewHistory(clientId, settings.HistorySettings),
		virtualizer:     NewVirtualizer(settings.VirtualizerSettings),
		scheduler:       NewRenderScheduler(cancelCtx, renderer, settings.RenderSettings),
		visible:         []*Element{},
		updateCallbacks: NewCallbackList[UpdateFunction](),
	}
	client.setStore(NewDocumentStore())
	client.session = NewSession(cancelCtx, clientId, roomId, dial, client, settings.SessionSettings)
	client.awareness = NewAwarenessChannel(cancelCtx, clientId, client.session.SendAwareness, settings.AwarenessSettings)
	client.session.AddMessageCallback(client.receive)
	return client
}

func (self *Client) Start() {
	self.session.Start()
	self.awareness.Start()
}

func (self *Client) ClientId() string {
	return self.clientId
}

func (self *Client) RoomId() string {
	return self.roomId
}

func (self *Client) Session() *Session {
	return self.session
}

// called on every applied update, local or remote
func (self *Client) AddUpdateCallback(updateCallback UpdateFunction) func() {
	return subscribe(self.updateCallbacks, updateCallback)
}

// must be called with the state lock, or before the client is shared
func (self *Client) setStore(store *DocumentStore) {
	if self.unsubscribeStore != nil {
		self.unsubscribeStore()
	}
	self.store.Store(store)
	self.unsubscribeStore = store.AddUpdateCallback(self.storeUpdated)
}

func (self *Client) storeUpdated(update *StoreUpdate) {
	for range update.Deltas {
		self.scheduler.NoteEdit()
	}
	self.refreshVisible()
	for _, updateCallback := range self.updateCallbacks.Get() {
		HandleError(func() {
			updateCallback(update)
		})
	}
}

// SyncSource

func (self *Client) VersionVector() VersionVector {
	return self.store.Load().VersionVector()
}

func (self *Client) MissingFor(vector VersionVector) []*Delta {
	return self.store.Load().DiffSinceFrom(vector, self.clientId)
}

// local operations

// adds the element. An empty id is assigned; an empty z order places it on top.
func (self *Client) CreateElement(element *Element) (*Delta, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	element = element.Clone()
	if element.Id == "" {
		element.Id = NewId()
	}
	if element.ZOrder == "" {
		element.ZOrder = ZOrderAfter(self.topZOrder())
	}
	op := CreateOp(element)
	delta, err := self.emit(op)
	if err != nil {
		return nil, err
	}
	self.history.Record(delta.Id, op, []Op{DeleteOp(element.Id)})
	return delta, nil
}

// must be called with the state lock
func (self *Client) topZOrder() string {
	top := ""
	for _, element := range self.store.Load().GetSnapshot() {
		if top < element.ZOrder {
			top = element.ZOrder
		}
	}
	return top
}

func (self *Client) UpdateField(elementId string, field Field, value Value) (*Delta, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	element, err := self.liveElement(elementId)
	if err != nil {
		return nil, err
	}
	if field == FieldZOrder {
		return nil, fmt.Errorf("%w Use reorder for z order.", ErrMalformedDelta)
	}
	previous := element.FieldValue(field)
	op := UpdateOp(elementId, field, value)
	delta, err := self.emit(op)
	if err != nil {
		return nil, err
	}
	self.history.Record(delta.Id, op, []Op{UpdateOp(elementId, field, previous)})
	return delta, nil
}

func (self *Client) DeleteElement(elementId string) (*Delta, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	element, err := self.liveElement(elementId)
	if err != nil {
		return nil, err
	}
	op := DeleteOp(elementId)
	delta, err := self.emit(op)
	if err != nil {
		return nil, err
	}
	self.history.Record(delta.Id, op, []Op{CreateOp(element)})
	return delta, nil
}

func (self *Client) Reorder(elementId string, zOrder string) (*Delta, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	element, err := self.liveElement(elementId)
	if err != nil {
		return nil, err
	}
	op := ReorderOp(elementId, zOrder)
	delta, err := self.emit(op)
	if err != nil {
		return nil, err
	}
	self.history.Record(delta.Id, op, []Op{ReorderOp(elementId, element.ZOrder)})
	return delta, nil
}

// extends a freehand path. Point appends are not undoable.
func (self *Client) AppendPoints(elementId string, points ...Point) (*Delta, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	element, err := self.liveElement(elementId)
	if err != nil {
		return nil, err
	}
	if !element.Kind.IsPath() {
		return nil, fmt.Errorf("%w Append to %s.", ErrMalformedDelta, element.Kind)
	}
	return self.emit(AppendPointsOp(elementId, slices.Clone(points)...))
}

// nil when there is nothing to undo
func (self *Client) Undo() (*HistoryResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.history.Undo(&clientHistoryTarget{client: self})
}

// nil when there is nothing to redo
func (self *Client) Redo() (*HistoryResult, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.history.Redo(&clientHistoryTarget{client: self})
}

// must be called with the state lock
func (self *Client) liveElement(elementId string) (*Element, error) {
	element, ok := self.store.Load().Get(elementId)
	if !ok || element.Deleted {
		return nil, fmt.Errorf("%w %s", ErrNoElement, elementId)
	}
	return element, nil
}

// assigns the next logical id, applies locally, and queues the send.
// must be called with the state lock
func (self *Client) emit(op Op) (*Delta, error) {
	delta := NewDelta(LogicalId{
		Counter:  self.clock.Next(),
		ClientId: self.clientId,
	}, op.Clone())
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	if _, err := self.store.Load().Apply(delta); err != nil {
		return nil, err
	}
	self.session.Send(delta)
	return delta, nil
}

type clientHistoryTarget struct {
	client *Client
}

func (self *clientHistoryTarget) Live(elementId string) bool {
	return self.client.store.Load().Live(elementId)
}

func (self *clientHistoryTarget) DeletedBy(elementId string) string {
	return self.client.store.Load().DeletedBy(elementId)
}

func (self *clientHistoryTarget) Emit(op Op) (*Delta, error) {
	return self.client.emit(op)
}

// remote

func (self *Client) receive(message Message) {
	switch v := message.(type) {
	case *SyncResponse:
		self.sync(v)
	case *Update:
		deltas, err := DecodeDeltas(v.Batch)
		if err != nil {
			glog.Infof("[r]%s update decode = %s\n", self.clientId, err)
		}
		self.applyRemote(deltas)
	case *AwarenessMessage:
		self.awareness.Receive(v.Record)
	default:
		glog.V(2).Infof("[r]%s ignore %s\n", self.clientId, message.MessageType())
	}
}

func (self *Client) applyRemote(deltas []*Delta) {
	if len(deltas) == 0 {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, delta := range deltas {
		self.clock.Witness(delta.Id.Counter)
	}
	if _, err := self.store.Load().ApplyAll(deltas); err != nil {
		glog.Infof("[r]%s apply = %s\n", self.clientId, err)
	}
}

func (self *Client) sync(syncResponse *SyncResponse) {
	deltas, err := DecodeDeltas(syncResponse.Batch)
	if err != nil {
		glog.Infof("[r]%s sync decode = %s\n", self.clientId, err)
	}
	if !syncResponse.Reset {
		self.applyRemote(deltas)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// the replica predates collected tombstones. Rebuild from the server
	// and keep own edits the server has not seen.
	glog.Infof("[r]%s sync reset %d deltas\n", self.clientId, len(deltas))
	own := self.store.Load().DiffSinceFrom(syncResponse.Vector, self.clientId)
	store := NewDocumentStore()
	// the batch is the whole server log. Its vector also covers collected deltas.
	store.RestoreCollected(nil, VersionVector{}, syncResponse.Vector)
	for _, delta := range deltas {
		self.clock.Witness(delta.Id.Counter)
	}
	if _, err := store.ApplyAll(deltas); err != nil {
		glog.Infof("[r]%s sync reset apply = %s\n", self.clientId, err)
	}
	if _, err := store.ApplyAll(own); err != nil {
		glog.Infof("[r]%s sync reset reapply = %s\n", self.clientId, err)
	}
	self.history.Clear()
	self.setStore(store)
	self.storeUpdated(&StoreUpdate{
		Deltas:   []*Delta{},
		Geometry: true,
		Reset:    true,
	})
}

// view

func (self *Client) SetViewport(viewport Viewport) {
	self.viewLock.Lock()
	self.viewport = viewport
	self.viewLock.Unlock()

	self.refreshVisible()
}

func (self *Client) Viewport() Viewport {
	self.viewLock.Lock()
	defer self.viewLock.Unlock()
	return self.viewport
}

func (self *Client) refreshVisible() {
	self.refreshLock.Lock()
	defer self.refreshLock.Unlock()

	self.viewLock.Lock()
	self.visibleGeneration += 1
	generation := self.visibleGeneration
	viewport := self.viewport
	self.viewLock.Unlock()

	elements := self.store.Load().GetSnapshot()
	self.virtualizer.Update(self.ctx, elements, viewport, func(visible []*Element) {
		self.viewLock.Lock()
		defer self.viewLock.Unlock()

		if generation <= self.deliveredVisible {
			return
		}
		self.deliveredVisible = generation
		self.visible = visible
		self.scheduler.Invalidate(visible)
	})
}

// the latest computed visible set, in draw order
func (self *Client) Visible() []*Element {
	self.viewLock.Lock()
	defer self.viewLock.Unlock()
	return slices.Clone(self.visible)
}

func (self *Client) MoveCursor(cursor Point) {
	self.awareness.SetCursor(cursor)
}

func (self *Client) Select(elementIds ...string) {
	self.awareness.SetSelection(elementIds)
}

func (self *Client) SetPresence(cursor Point, selection []string, meta map[string]string) {
	self.awareness.SetLocal(cursor, selection, meta)
}

// reads

// live elements in draw order
func (self *Client) Snapshot() []*Element {
	return self.store.Load().GetSnapshot()
}

func (self *Client) Get(elementId string) (*Element, bool) {
	return self.store.Load().Get(elementId)
}

func (self *Client) Peers() map[string]*AwarenessRecord {
	return self.awareness.Records()
}

func (self *Client) AddPeerCallback(changeCallback AwarenessChangeFunction) func() {
	return self.awareness.AddChangeCallback(changeCallback)
}

func (self *Client) State() (SessionState, error) {
	return self.session.State()
}

func (self *Client) AddStateChangeCallback(stateChangeCallback StateChangeFunction) func() {
	return self.session.AddStateChangeCallback(stateChangeCallback)
}

func (self *Client) Digest() []byte {
	return self.store.Load().Digest()
}

func (self *Client) RenderQuality() RenderQuality {
	return self.scheduler.Quality()
}

// leaves the room. Peers see the removal if the session is connected.
func (self *Client) Close() {
	self.awareness.Leave()
	self.session.Close()
	self.scheduler.Close()
	self.cancel()
}
