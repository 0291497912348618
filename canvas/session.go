package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

var ErrReconnectExhausted = errors.New("Reconnect attempts exhausted.")
var ErrHandshakeTimeout = errors.New("Handshake timeout.")

type SessionState string

const (
	SessionStateConnecting   SessionState = "connecting"
	SessionStateOpen         SessionState = "open"
	SessionStateDegraded     SessionState = "degraded"
	SessionStateReconnecting SessionState = "reconnecting"
	SessionStateClosed       SessionState = "closed"
)

func (self SessionState) IsTerminal() bool {
	return self == SessionStateClosed
}

func (self SessionState) IsConnected() bool {
	switch self {
	case SessionStateOpen, SessionStateDegraded:
		return true
	default:
		return false
	}
}

// the local replica as seen by the session.
// Deltas are retained here while disconnected and re-sent through catch-up.
type SyncSource interface {
	VersionVector() VersionVector
	// own deltas not covered by `vector`, in causal order
	MissingFor(vector VersionVector) []*Delta
}

type MessageFunction func(message Message)

type StateChangeFunction func(state SessionState, err error)

type SessionSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// consecutive pings without a pong before the connection is reset
	MaxMissedPings int
	FlushInterval  time.Duration
	MaxQueueCount  int
	MaxQueueBytes  ByteCount
	// awareness frames buffered per connection. Extra frames are dropped.
	AwarenessBufferSize int
	Backoff             *BackoffSettings
	Clock               clockwork.Clock
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		HandshakeTimeout:    5 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingInterval:        5 * time.Second,
		MaxMissedPings:      3,
		FlushInterval:       50 * time.Millisecond,
		MaxQueueCount:       256,
		MaxQueueBytes:       256 * 1024,
		AwarenessBufferSize: 8,
		Backoff:             DefaultBackoffSettings(),
		Clock:               clockwork.NewRealClock(),
	}
}

// a connection to one room that survives network loss.
// Local deltas are batched, flushed in logical id order, and replayed
// from the `SyncSource` after every reconnect.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId string
	roomId   string
	dial     DialFunction
	source   SyncSource
	settings *SessionSettings

	queue *sendQueue

	stateLock  sync.Mutex
	state      SessionState
	stateErr   error
	flushNow   chan struct{}
	flushTimer clockwork.Timer
	awareness  chan []byte

	messageCallbacks     *CallbackList[MessageFunction]
	stateChangeCallbacks *CallbackList[StateChangeFunction]
}

func NewSessionWithDefaults(
	ctx context.Context,
	clientId string,
	roomId string,
	dial DialFunction,
	source SyncSource,
) *Session {
	return NewSession(ctx, clientId, roomId, dial, source, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	clientId string,
	roomId string,
	dial DialFunction,
	source SyncSource,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:                  cancelCtx,
		cancel:               cancel,
		clientId:             clientId,
		roomId:               roomId,
		dial:                 dial,
		source:               source,
		settings:             settings,
		queue:                newSendQueue(),
		state:                SessionStateConnecting,
		flushNow:             make(chan struct{}, 1),
		messageCallbacks:     NewCallbackList[MessageFunction](),
		stateChangeCallbacks: NewCallbackList[StateChangeFunction](),
	}
	return session
}

// callbacks must be added before `Start` to see the first sync
func (self *Session) Start() {
	go self.run()
}

func (self *Session) AddMessageCallback(messageCallback MessageFunction) func() {
	return subscribe(self.messageCallbacks, messageCallback)
}

func (self *Session) AddStateChangeCallback(stateChangeCallback StateChangeFunction) func() {
	return subscribe(self.stateChangeCallbacks, stateChangeCallback)
}

func (self *Session) State() (SessionState, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state, self.stateErr
}

// queues a local delta for the next flush
func (self *Session) Send(delta *Delta) {
	item := newSendItem(delta)
	if !self.queue.Add(item) {
		return
	}
	count, byteCount := self.queue.QueueSize()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	full := self.settings.MaxQueueCount <= count || self.settings.MaxQueueBytes <= byteCount
	if !self.state.IsConnected() {
		if full {
			// the source retains everything. Catch-up re-sends it.
			self.queue.Drain()
		}
		return
	}
	if full {
		glog.V(1).Infof("[s]%s flush full count=%d bytes=%d\n", self.clientId, count, byteCount)
		self.signalFlush()
	} else if self.flushTimer == nil {
		self.flushTimer = self.settings.Clock.AfterFunc(self.settings.FlushInterval, func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.flushTimer = nil
			self.signalFlush()
		})
	}
}

// must be called with the state lock
func (self *Session) signalFlush() {
	select {
	case self.flushNow <- struct{}{}:
	default:
	}
}

// best effort. Dropped unless connected.
func (self *Session) SendAwareness(record *AwarenessRecord) bool {
	b, err := EncodeFrame(&AwarenessMessage{
		Record: record,
	})
	if err != nil {
		return false
	}

	self.stateLock.Lock()
	awareness := self.awareness
	connected := self.state.IsConnected()
	self.stateLock.Unlock()

	if !connected || awareness == nil {
		return false
	}
	select {
	case awareness <- b:
		return true
	default:
		glog.V(2).Infof("[s]%s drop awareness\n", self.clientId)
		return false
	}
}

func (self *Session) Close() {
	self.cancel()
	self.setState(SessionStateClosed, nil)
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Session) setState(state SessionState, err error) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state.IsTerminal() || self.state == state {
			return false
		}
		self.state = state
		self.stateErr = err
		if !state.IsConnected() && self.flushTimer != nil {
			self.flushTimer.Stop()
			self.flushTimer = nil
		}
		return true
	}()
	if !changed {
		return
	}
	glog.V(1).Infof("[s]%s %s state=%s err=%v\n", self.clientId, self.roomId, state, err)
	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		HandleError(func() {
			stateChangeCallback(state, err)
		})
	}
}

func (self *Session) deliver(message Message) {
	for _, messageCallback := range self.messageCallbacks.Get() {
		HandleError(func() {
			messageCallback(message)
		})
	}
}

func (self *Session) run() {
	defer self.cancel()

	backoff := NewBackoff(self.settings.Backoff)
	for {
		var conn Conn
		var err error
		connect := func() (Conn, error) {
			return self.connect()
		}
		if glog.V(2) {
			conn, err = TimeWithReturnError(fmt.Sprintf("[t]connect %s", self.clientId), connect)
		} else {
			conn, err = connect()
		}

		if err == nil {
			backoff.Reset()
			err = self.handle(conn)
		}

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		delay, ok := backoff.Next()
		if !ok {
			glog.Infof("[t]%s reconnect exhausted after %d attempts = %s\n", self.clientId, backoff.Attempts(), err)
			self.setState(SessionStateClosed, fmt.Errorf("%w %s", ErrReconnectExhausted, err))
			return
		}
		glog.Infof("[t]%s reconnect in %s = %s\n", self.clientId, delay, err)
		self.setState(SessionStateReconnecting, err)
		select {
		case <-self.ctx.Done():
			return
		case <-self.settings.Clock.After(delay):
		}
	}
}

// dials, then HELLO -> SYNC_RESPONSE within the handshake timeout.
// The sync is delivered to message callbacks before the catch-up is sent.
func (self *Session) connect() (Conn, error) {
	dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.HandshakeTimeout)
	defer dialCancel()
	conn, err := self.dial(dialCtx)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	helloBytes, err := EncodeFrame(&Hello{
		ClientId:        self.clientId,
		RoomId:          self.roomId,
		ProtocolVersion: ProtocolVersion,
		Vector:          self.source.VersionVector(),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(helloBytes, self.settings.HandshakeTimeout); err != nil {
		return nil, err
	}

	type readResult struct {
		sync  *SyncResponse
		early []Message
		err   error
	}
	read := make(chan readResult, 1)
	go func() {
		early := []Message{}
		for {
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
			if sync, ok := message.(*SyncResponse); ok {
				read <- readResult{sync: sync, early: early}
				return
			}
			early = append(early, message)
		}
	}()

	var result readResult
	select {
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case result = <-read:
	case <-self.settings.Clock.After(self.settings.HandshakeTimeout):
		// closing the conn unblocks the reader
		return nil, ErrHandshakeTimeout
	}
	if result.err != nil {
		return nil, result.err
	}

	glog.V(2).Infof("[r]%s sync reset=%t vector=%s\n", self.clientId, result.sync.Reset, result.sync.Vector)
	self.deliver(result.sync)
	for _, message := range result.early {
		self.deliver(message)
	}

	// everything queued is also in the source
	self.queue.Drain()
	if missing := self.source.MissingFor(result.sync.Vector); 0 < len(missing) {
		updateBytes, err := EncodeFrame(&Update{
			Batch: EncodeDeltas(missing...),
		})
		if err != nil {
			return nil, err
		}
		if err := conn.WriteMessage(updateBytes, self.settings.WriteTimeout); err != nil {
			return nil, err
		}
		glog.V(2).Infof("[s]%s catch up %d\n", self.clientId, len(missing))
	}

	success = true
	return conn, nil
}

func (self *Session) handle(conn Conn) error {
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	awareness := make(chan []byte, self.settings.AwarenessBufferSize)
	pongs := make(chan *Pong, 1)

	self.stateLock.Lock()
	self.awareness = awareness
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.awareness == awareness {
			self.awareness = nil
		}
	}()

	self.setState(SessionStateOpen, nil)
	// deltas queued during the handshake
	if count, _ := self.queue.QueueSize(); 0 < count {
		self.stateLock.Lock()
		self.signalFlush()
		self.stateLock.Unlock()
	}

	var handleErr error
	var handleErrLock sync.Mutex
	fail := func(err error) {
		handleErrLock.Lock()
		defer handleErrLock.Unlock()
		if handleErr == nil {
			handleErr = err
		}
		handleCancel()
	}

	go func() {
		defer handleCancel()

		for {
			b, err := conn.ReadMessage()
			if err != nil {
				glog.Infof("[r]%s<- error = %s\n", self.clientId, err)
				fail(err)
				return
			}
			message, err := DecodeFrame(b)
			if err != nil {
				glog.Infof("[r]%s<- bad frame = %s\n", self.clientId, err)
				continue
			}
			glog.V(2).Infof("[r]%s<- %s\n", self.clientId, message.MessageType())
			switch v := message.(type) {
			case *Pong:
				select {
				case pongs <- v:
				default:
				}
			default:
				self.deliver(message)
			}
		}
	}()

	write := func(b []byte) bool {
		if err := conn.WriteMessage(b, self.settings.WriteTimeout); err != nil {
			// a stalled write cannot be recovered. Reset the connection.
			glog.Infof("[s]%s-> error = %s\n", self.clientId, err)
			fail(err)
			return false
		}
		return true
	}

	flush := func() bool {
		items := self.queue.Drain()
		if len(items) == 0 {
			return true
		}
		batches := make([][]byte, 0, len(items))
		for _, item := range items {
			batches = append(batches, item.encoded)
		}
		batch, err := Compact(batches...)
		if err != nil {
			glog.Infof("[s]%s compact error = %s\n", self.clientId, err)
			return true
		}
		glog.V(2).Infof("[s]%s-> update %d\n", self.clientId, len(items))
		return write(RequireEncodeFrame(&Update{
			Batch: batch,
		}))
	}

	pingTicker := self.settings.Clock.NewTicker(self.settings.PingInterval)
	defer pingTicker.Stop()
	outstanding := false
	missed := 0

	for {
		select {
		case <-handleCtx.Done():
			handleErrLock.Lock()
			defer handleErrLock.Unlock()
			if handleErr == nil {
				return ErrConnClosed
			}
			return handleErr
		case <-self.flushNow:
			if !flush() {
				continue
			}
		case b := <-awareness:
			if !write(b) {
				continue
			}
		case pong := <-pongs:
			outstanding = false
			missed = 0
			rtt := self.settings.Clock.Now().UnixMilli() - pong.SentAt
			glog.V(2).Infof("[r]%s pong rtt=%dms\n", self.clientId, rtt)
			self.setState(SessionStateOpen, nil)
		case <-pingTicker.Chan():
			if outstanding {
				missed += 1
				glog.Infof("[s]%s missed pong %d/%d\n", self.clientId, missed, self.settings.MaxMissedPings)
				if self.settings.MaxMissedPings <= missed {
					fail(fmt.Errorf("Missed %d pongs.", missed))
					continue
				}
				self.setState(SessionStateDegraded, nil)
			}
			outstanding = true
			pingBytes := RequireEncodeFrame(&Ping{
				Vector: self.source.VersionVector(),
				SentAt: self.settings.Clock.Now().UnixMilli(),
			})
			if !write(pingBytes) {
				continue
			}
		}
	}
}
