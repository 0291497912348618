package canvas

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

type RoomServerSettings struct {
	WsSettings   *WsSettings
	RoomSettings *RoomSettings
}

func DefaultRoomServerSettings() *RoomServerSettings {
	return &RoomServerSettings{
		WsSettings:   DefaultWsSettings(),
		RoomSettings: DefaultRoomSettings(),
	}
}

// serves rooms over websocket:
//
//	GET /rooms/{roomId}           websocket session
//	GET /rooms/{roomId}/snapshot  the visible document as an encoded snapshot
//
// Both require `Authorization: Bearer <room jwt>` for the room.
type RoomServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	secret        []byte
	snapshotStore SnapshotStore
	settings      *RoomServerSettings
	upgrader      *WsUpgrader

	stateLock sync.Mutex
	rooms     map[string]*Room
}

func NewRoomServerWithDefaults(ctx context.Context, secret []byte, snapshotStore SnapshotStore) *RoomServer {
	return NewRoomServer(ctx, secret, snapshotStore, DefaultRoomServerSettings())
}

func NewRoomServer(ctx context.Context, secret []byte, snapshotStore SnapshotStore, settings *RoomServerSettings) *RoomServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RoomServer{
		ctx:           cancelCtx,
		cancel:        cancel,
		secret:        secret,
		snapshotStore: snapshotStore,
		settings:      settings,
		upgrader:      NewWsUpgrader(settings.WsSettings),
		rooms:         map[string]*Room{},
	}
}

func (self *RoomServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/rooms/{roomId}", self.serveRoom).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomId}/snapshot", self.serveSnapshot).Methods(http.MethodGet)
	return router
}

// the open room, loading it on first use
func (self *RoomServer) Room(roomId string) (*Room, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if room, ok := self.rooms[roomId]; ok {
		return room, nil
	}
	room, err := NewRoom(self.ctx, roomId, self.snapshotStore, self.settings.RoomSettings)
	if err != nil {
		return nil, err
	}
	room.Start()
	self.rooms[roomId] = room
	return room, nil
}

func (self *RoomServer) Close() {
	self.cancel()

	self.stateLock.Lock()
	rooms := make([]*Room, 0, len(self.rooms))
	for _, room := range self.rooms {
		rooms = append(rooms, room)
	}
	self.stateLock.Unlock()

	for _, room := range rooms {
		room.Close()
	}
}

func (self *RoomServer) authorize(r *http.Request) (*RoomClaims, error) {
	auth := r.Header.Get("Authorization")
	jwt, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return nil, errors.New("Missing bearer token.")
	}
	claims, err := ParseRoomJwt(strings.TrimSpace(jwt), self.secret)
	if err != nil {
		return nil, err
	}
	if claims.RoomId != mux.Vars(r)["roomId"] {
		return nil, ErrWrongRoom
	}
	return claims, nil
}

func (self *RoomServer) serveRoom(w http.ResponseWriter, r *http.Request) {
	claims, err := self.authorize(r)
	if err != nil {
		glog.Infof("[room]unauthorized %s = %s\n", r.URL.Path, err)
		http.Error(w, "Unauthorized.", http.StatusUnauthorized)
		return
	}
	room, err := self.Room(claims.RoomId)
	if err != nil {
		glog.Infof("[room]%s open = %s\n", claims.RoomId, err)
		http.Error(w, "Room unavailable.", http.StatusInternalServerError)
		return
	}
	conn, err := self.upgrader.Upgrade(w, r)
	if err != nil {
		// the upgrader already wrote the response
		glog.Infof("[room]%s upgrade = %s\n", claims.RoomId, err)
		return
	}
	if err := room.Serve(conn, claims.ClientId); err != nil {
		glog.V(1).Infof("[room]%s %s done = %s\n", claims.RoomId, claims.ClientId, err)
	}
}

func (self *RoomServer) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	claims, err := self.authorize(r)
	if err != nil {
		http.Error(w, "Unauthorized.", http.StatusUnauthorized)
		return
	}
	room, err := self.Room(claims.RoomId)
	if err != nil {
		http.Error(w, "Room unavailable.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	w.Write(room.Snapshot())
}
