package canvas

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"
)

// ephemeral presence for one client. Never persisted or merged.
type AwarenessRecord struct {
	ClientId  string
	Seq       uint64
	Cursor    Point
	Selection []string
	Meta      map[string]string
	// the client left
	Removed bool
}

func (self *AwarenessRecord) Clone() *AwarenessRecord {
	return &AwarenessRecord{
		ClientId:  self.ClientId,
		Seq:       self.Seq,
		Cursor:    self.Cursor,
		Selection: slices.Clone(self.Selection),
		Meta:      maps.Clone(self.Meta),
		Removed:   self.Removed,
	}
}

// returns false when the record could not be sent
type AwarenessSendFunction func(record *AwarenessRecord) bool

// `record` is nil when the peer was removed
type AwarenessChangeFunction func(clientId string, record *AwarenessRecord)

type AwarenessSettings struct {
	MaxUpdatesPerSecond float64
	Burst               int
	// peers silent for this long are dropped
	Timeout time.Duration
	// the local record is re-sent at this interval so peers do not prune it
	KeepAliveInterval time.Duration
	Clock             clockwork.Clock
}

func DefaultAwarenessSettings() *AwarenessSettings {
	return &AwarenessSettings{
		MaxUpdatesPerSecond: 20,
		Burst:               1,
		Timeout:             30 * time.Second,
		KeepAliveInterval:   10 * time.Second,
		Clock:               clockwork.NewRealClock(),
	}
}

type awarenessPeer struct {
	record   *AwarenessRecord
	lastSeen time.Time
}

// throttled, lossy presence. A dropped record is superseded by the next one.
type AwarenessChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId string
	send     AwarenessSendFunction
	settings *AwarenessSettings
	limiter  *rate.Limiter

	stateLock sync.Mutex
	seq       uint64
	local     *AwarenessRecord
	trailing  clockwork.Timer
	peers     map[string]*awarenessPeer
	// highest seq seen per client, kept past removal so stale records stay discarded
	lastSeqs map[string]uint64

	changeCallbacks *CallbackList[AwarenessChangeFunction]
}

func NewAwarenessChannelWithDefaults(ctx context.Context, clientId string, send AwarenessSendFunction) *AwarenessChannel {
	return NewAwarenessChannel(ctx, clientId, send, DefaultAwarenessSettings())
}

func NewAwarenessChannel(
	ctx context.Context,
	clientId string,
	send AwarenessSendFunction,
	settings *AwarenessSettings,
) *AwarenessChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AwarenessChannel{
		ctx:      cancelCtx,
		cancel:   cancel,
		clientId: clientId,
		send:     send,
		settings: settings,
		limiter:  rate.NewLimiter(rate.Limit(settings.MaxUpdatesPerSecond), max(1, settings.Burst)),
		local: &AwarenessRecord{
			ClientId:  clientId,
			Selection: []string{},
			Meta:      map[string]string{},
		},
		peers:           map[string]*awarenessPeer{},
		lastSeqs:        map[string]uint64{},
		changeCallbacks: NewCallbackList[AwarenessChangeFunction](),
	}
}

// runs keep alive and pruning until the channel is closed
func (self *AwarenessChannel) Start() {
	go func() {
		ticker := self.settings.Clock.NewTicker(self.settings.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-self.ctx.Done():
				return
			case <-ticker.Chan():
				self.KeepAlive()
				self.Prune()
			}
		}
	}()
}

func (self *AwarenessChannel) AddChangeCallback(changeCallback AwarenessChangeFunction) func() {
	return subscribe(self.changeCallbacks, changeCallback)
}

// updates the local record. Sends are throttled to `MaxUpdatesPerSecond`;
// when throttled, the latest record is sent on the trailing edge.
func (self *AwarenessChannel) SetLocal(cursor Point, selection []string, meta map[string]string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.local.Cursor = cursor
	self.local.Selection = slices.Clone(selection)
	if meta != nil {
		self.local.Meta = maps.Clone(meta)
	}
	self.schedule()
}

func (self *AwarenessChannel) SetCursor(cursor Point) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.local.Cursor = cursor
	self.schedule()
}

func (self *AwarenessChannel) SetSelection(selection []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.local.Selection = slices.Clone(selection)
	self.schedule()
}

// re-sends the local record
func (self *AwarenessChannel) KeepAlive() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.local.Removed {
		return
	}
	self.schedule()
}

// broadcasts removal and stops the channel
func (self *AwarenessChannel) Leave() {
	record := func() *AwarenessRecord {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.trailing != nil {
			self.trailing.Stop()
			self.trailing = nil
		}
		self.local.Removed = true
		self.seq += 1
		self.local.Seq = self.seq
		return self.local.Clone()
	}()
	self.send(record)
	self.cancel()
}

func (self *AwarenessChannel) Close() {
	self.cancel()
}

// must be called with the state lock
func (self *AwarenessChannel) schedule() {
	if self.local.Removed || self.trailing != nil {
		// the pending trailing send picks up the latest record
		return
	}
	now := self.settings.Clock.Now()
	reservation := self.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		self.sendLocal()
		return
	}
	self.trailing = self.settings.Clock.AfterFunc(delay, func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.trailing = nil
		if self.local.Removed {
			return
		}
		self.sendLocal()
	})
}

// must be called with the state lock
func (self *AwarenessChannel) sendLocal() {
	self.seq += 1
	self.local.Seq = self.seq
	record := self.local.Clone()
	if !self.send(record) {
		glog.V(2).Infof("[a]%s drop seq=%d\n", self.clientId, record.Seq)
	}
}

func (self *AwarenessChannel) Local() *AwarenessRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.local.Clone()
}

// applies a remote record. Returns false if the record is stale.
func (self *AwarenessChannel) Receive(record *AwarenessRecord) bool {
	if record.ClientId == self.clientId {
		return false
	}

	changed, notifyRecord := func() (bool, *AwarenessRecord) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if lastSeq, ok := self.lastSeqs[record.ClientId]; ok && record.Seq <= lastSeq {
			glog.V(2).Infof("[a]%s stale seq=%d<=%d\n", record.ClientId, record.Seq, lastSeq)
			return false, nil
		}
		self.lastSeqs[record.ClientId] = record.Seq
		if record.Removed {
			if _, ok := self.peers[record.ClientId]; !ok {
				return false, nil
			}
			delete(self.peers, record.ClientId)
			return true, nil
		}
		peerRecord := record.Clone()
		self.peers[record.ClientId] = &awarenessPeer{
			record:   peerRecord,
			lastSeen: self.settings.Clock.Now(),
		}
		return true, peerRecord.Clone()
	}()
	if changed {
		self.notify(record.ClientId, notifyRecord)
	}
	return changed
}

// drops peers silent for longer than the timeout. No removal is broadcast.
func (self *AwarenessChannel) Prune() []string {
	prunedClientIds := func() []string {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		now := self.settings.Clock.Now()
		prunedClientIds := []string{}
		for clientId, peer := range self.peers {
			if self.settings.Timeout <= now.Sub(peer.lastSeen) {
				delete(self.peers, clientId)
				prunedClientIds = append(prunedClientIds, clientId)
			}
		}
		slices.Sort(prunedClientIds)
		return prunedClientIds
	}()
	for _, clientId := range prunedClientIds {
		glog.V(1).Infof("[a]prune %s\n", clientId)
		self.notify(clientId, nil)
	}
	return prunedClientIds
}

// peer records by client id, excluding the local client
func (self *AwarenessChannel) Records() map[string]*AwarenessRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := map[string]*AwarenessRecord{}
	for clientId, peer := range self.peers {
		records[clientId] = peer.record.Clone()
	}
	return records
}

func (self *AwarenessChannel) notify(clientId string, record *AwarenessRecord) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(clientId, record)
		})
	}
}
