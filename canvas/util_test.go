package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	assert.Equal(t, 0, len(callbacks.Get()))

	id1 := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	id3 := callbacks.Add(func() int { return 3 })

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 2, 3}, values)

	callbacks.Remove(id1)
	callbacks.Remove(id3)
	// not present
	callbacks.Remove(id3)

	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{2}, values)
}

func TestSubscribeDisposeIdempotent(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	dispose1 := subscribe(callbacks, func() {})
	dispose2 := subscribe(callbacks, func() {})
	assert.Equal(t, 2, len(callbacks.Get()))

	dispose1()
	dispose1()
	assert.Equal(t, 1, len(callbacks.Get()))

	dispose2()
	assert.Equal(t, 0, len(callbacks.Get()))
}

func TestHandleError(t *testing.T) {
	handled := false
	r := HandleError(func() {
		panic(errors.New("boom"))
	}, func(err error) {
		handled = true
		assert.Equal(t, "boom", err.Error())
	})
	assert.NotEqual(t, nil, r)
	assert.Equal(t, true, handled)

	r = HandleError(func() {})
	assert.Equal(t, nil, r)

	// non error panics are wrapped
	handled = false
	HandleError(func() {
		panic("bad")
	}, func(err error) {
		handled = true
		assert.Equal(t, "bad", err.Error())
	})
	assert.Equal(t, true, handled)

	assert.Equal(t, true, isDoneError(fmt.Errorf("read: %w", context.Canceled)))
	assert.Equal(t, true, isDoneError(ErrConnClosed))
	assert.Equal(t, false, isDoneError(errors.New("boom")))
}

func TestTimeWithReturnError(t *testing.T) {
	n, err := TimeWithReturnError("[t]test", func() (int, error) {
		return 3, nil
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, nil, err)

	_, err = TimeWithReturnError("[t]test", func() (int, error) {
		return 0, ErrConnClosed
	})
	assert.Equal(t, ErrConnClosed, err)
}

// test helpers

// polls `condition` until it holds or the timeout passes
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatalf("Condition not met after %s.", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// one end of an in-memory message pipe
type pipeConn struct {
	receive chan []byte
	peer    *pipeConn

	closeOnce sync.Once
	closed    chan struct{}
	// write stalls until released, to test write timeouts
	stallLock sync.Mutex
	stall     chan struct{}
}

func newPipeConns(bufferSize int) (*pipeConn, *pipeConn) {
	a := &pipeConn{
		receive: make(chan []byte, bufferSize),
		closed:  make(chan struct{}),
	}
	b := &pipeConn{
		receive: make(chan []byte, bufferSize),
		closed:  make(chan struct{}),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (self *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case message := <-self.receive:
		return message, nil
	default:
	}
	select {
	case message := <-self.receive:
		return message, nil
	case <-self.closed:
		return nil, ErrConnClosed
	case <-self.peer.closed:
		return nil, ErrConnClosed
	}
}

func (self *pipeConn) WriteMessage(message []byte, timeout time.Duration) error {
	self.stallLock.Lock()
	stall := self.stall
	self.stallLock.Unlock()

	var timeoutC <-chan time.Time
	if 0 < timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	if stall != nil {
		select {
		case <-stall:
		case <-self.closed:
			return ErrConnClosed
		case <-timeoutC:
			return errors.New("Write timeout.")
		}
	}
	select {
	case self.peer.receive <- message:
		return nil
	case <-self.closed:
		return ErrConnClosed
	case <-self.peer.closed:
		return ErrConnClosed
	case <-timeoutC:
		return errors.New("Write timeout.")
	}
}

func (self *pipeConn) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

func (self *pipeConn) Stall() {
	self.stallLock.Lock()
	defer self.stallLock.Unlock()
	self.stall = make(chan struct{})
}

// dials the room over in-memory pipes and can drop every open connection
type testDialer struct {
	room *Room

	stateLock sync.Mutex
	conns     []*pipeConn
	// while set, dials fail
	offline bool
	dials   int
}

func newTestDialer(room *Room) *testDialer {
	return &testDialer{
		room:  room,
		conns: []*pipeConn{},
	}
}

func (self *testDialer) Dial(ctx context.Context) (Conn, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.dials += 1
	if self.offline {
		return nil, errors.New("Offline.")
	}
	clientConn, serverConn := newPipeConns(1024)
	self.conns = append(self.conns, clientConn)
	go self.room.Serve(serverConn, "")
	return clientConn, nil
}

// closes every open connection
func (self *testDialer) Drop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, conn := range self.conns {
		conn.Close()
	}
	self.conns = []*pipeConn{}
}

func (self *testDialer) SetOffline(offline bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.offline = offline
	if offline {
		for _, conn := range self.conns {
			conn.Close()
		}
		self.conns = []*pipeConn{}
	}
}

func (self *testDialer) Dials() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dials
}

// fast timings for tests on the real clock
func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.HandshakeTimeout = 1 * time.Second
	settings.WriteTimeout = 1 * time.Second
	settings.PingInterval = 50 * time.Millisecond
	settings.MaxMissedPings = 3
	settings.FlushInterval = 5 * time.Millisecond
	settings.Backoff = &BackoffSettings{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     0,
	}
	return settings
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.SessionSettings = testSessionSettings()
	settings.AwarenessSettings.MaxUpdatesPerSecond = 1000
	settings.AwarenessSettings.KeepAliveInterval = 100 * time.Millisecond
	settings.RenderSettings.FrameBudget = 1 * time.Millisecond
	return settings
}

type countingRenderer struct {
	stateLock sync.Mutex
	frames    []*RenderFrame
}

func (self *countingRenderer) Draw(frame *RenderFrame) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.frames = append(self.frames, frame)
	return nil
}

func (self *countingRenderer) Frames() []*RenderFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*RenderFrame{}, self.frames...)
}

func (self *countingRenderer) Last() *RenderFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.frames) == 0 {
		return nil
	}
	return self.frames[len(self.frames)-1]
}
