package canvas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("Connection closed.")

// one bidirectional binary message channel
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(message []byte, timeout time.Duration) error
	Close() error
}

// (ctx) -> connected conn
type DialFunction func(ctx context.Context) (Conn, error)

type WsSettings struct {
	HandshakeTimeout time.Duration
	// no message (including pings) within the timeout fails the read
	ReadTimeout     time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
}

func DefaultWsSettings() *WsSettings {
	return &WsSettings{
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      15 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		MaxMessageSize:   16 * 1024 * 1024,
	}
}

type wsConn struct {
	ws          *websocket.Conn
	readTimeout time.Duration

	writeLock sync.Mutex
}

func newWsConn(ws *websocket.Conn, settings *WsSettings) *wsConn {
	if 0 < settings.MaxMessageSize {
		ws.SetReadLimit(settings.MaxMessageSize)
	}
	return &wsConn{
		ws:          ws,
		readTimeout: settings.ReadTimeout,
	}
}

func (self *wsConn) ReadMessage() ([]byte, error) {
	for {
		if 0 < self.readTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.readTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return message, nil
		default:
			glog.V(2).Infof("[t]other=%d\n", messageType)
		}
	}
}

func (self *wsConn) WriteMessage(message []byte, timeout time.Duration) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	if 0 < timeout {
		self.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.BinaryMessage, message)
}

func (self *wsConn) Close() error {
	return self.ws.Close()
}

// dials the room url with the jwt as a bearer token
func NewWsDialer(roomUrl string, byJwt string, settings *WsSettings) DialFunction {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
		ReadBufferSize:   settings.ReadBufferSize,
		WriteBufferSize:  settings.WriteBufferSize,
	}
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
		ws, _, err := dialer.DialContext(ctx, roomUrl, header)
		if err != nil {
			return nil, err
		}
		return newWsConn(ws, settings), nil
	}
}

type WsUpgrader struct {
	upgrader websocket.Upgrader
	settings *WsSettings
}

func NewWsUpgrader(settings *WsSettings) *WsUpgrader {
	return &WsUpgrader{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			ReadBufferSize:   settings.ReadBufferSize,
			WriteBufferSize:  settings.WriteBufferSize,
			// authorization is by bearer token, not by origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		settings: settings,
	}
}

func (self *WsUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWsConn(ws, self.settings), nil
}
