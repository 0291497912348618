package canvas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestClient(ctx context.Context, clientId string, dial DialFunction) (*Client, *countingRenderer) {
	renderer := &countingRenderer{}
	client := NewClient(ctx, clientId, "r", dial, renderer, testClientSettings())
	client.Start()
	return client, renderer
}

func waitClientConnected(t *testing.T, client *Client) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		state, _ := client.State()
		return state.IsConnected()
	})
}

func waitConverged(t *testing.T, clients ...*Client) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		for _, client := range clients[1:] {
			if string(clients[0].Digest()) != string(client.Digest()) {
				return false
			}
		}
		return true
	})
}

func TestClientConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := NewRoom(ctx, "r", nil, DefaultRoomSettings())
	assert.Equal(t, nil, err)
	dialer := newTestDialer(room)

	a, _ := newTestClient(ctx, "a", dialer.Dial)
	defer a.Close()
	b, _ := newTestClient(ctx, "b", dialer.Dial)
	defer b.Close()
	waitClientConnected(t, a)
	waitClientConnected(t, b)

	delta, err := a.CreateElement(NewRectangle("", 0, 0, 10, 10))
	assert.Equal(t, nil, err)
	elementId := delta.Target
	assert.NotEqual(t, "", elementId)
	waitFor(t, 5*time.Second, func() bool {
		_, ok := b.Get(elementId)
		return ok
	})

	// new elements go on top
	delta, err = b.CreateElement(NewRectangle("top", 5, 5, 10, 10))
	assert.Equal(t, nil, err)
	top, _ := b.Get("top")
	bottom, _ := b.Get(elementId)
	assert.Equal(t, true, bottom.ZOrder < top.ZOrder)

	_, err = b.UpdateField(elementId, FieldX, NumberValue(25))
	assert.Equal(t, nil, err)
	waitConverged(t, a, b)
	e, _ := a.Get(elementId)
	assert.Equal(t, float64(25), e.Geometry.X)

	// a moves its element above b's
	zOrder, err := ZOrderBetween(top.ZOrder, "")
	assert.Equal(t, nil, err)
	_, err = a.Reorder(elementId, zOrder)
	assert.Equal(t, nil, err)
	waitConverged(t, a, b)
	snapshot := b.Snapshot()
	assert.Equal(t, elementId, snapshot[len(snapshot)-1].Id)

	// undo applies to own edits only, as new deltas
	result, err := a.Undo()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(result.Deltas))
	result, err = a.Undo()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(result.Deltas))
	assert.Equal(t, false, a.store.Load().Live(elementId))
	result, err = a.Undo()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, result == nil)
	waitConverged(t, a, b)
	assert.Equal(t, 1, len(b.Snapshot()))

	// redo re-creates under a new id
	result, err = a.Redo()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(result.Deltas))
	assert.NotEqual(t, elementId, result.Deltas[0].Target)
	waitConverged(t, a, b)
	assert.Equal(t, 2, len(b.Snapshot()))

	// b's edits are untouched by a's history
	b.DeleteElement("top")
	waitConverged(t, a, b)
	assert.Equal(t, 1, len(a.Snapshot()))
}

func TestClientErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := NewRoom(ctx, "r", nil, DefaultRoomSettings())
	assert.Equal(t, nil, err)
	a, _ := newTestClient(ctx, "a", newTestDialer(room).Dial)
	defer a.Close()

	_, err = a.UpdateField("missing", FieldX, NumberValue(1))
	assert.Equal(t, true, errors.Is(err, ErrNoElement))

	_, err = a.CreateElement(NewRectangle("e1", 0, 0, 10, 10))
	assert.Equal(t, nil, err)
	_, err = a.UpdateField("e1", FieldZOrder, TextValue("a"))
	assert.Equal(t, true, errors.Is(err, ErrMalformedDelta))
	_, err = a.AppendPoints("e1", Point{X: 1, Y: 1})
	assert.Equal(t, true, errors.Is(err, ErrMalformedDelta))

	_, err = a.DeleteElement("e1")
	assert.Equal(t, nil, err)
	_, err = a.DeleteElement("e1")
	assert.Equal(t, true, errors.Is(err, ErrNoElement))
	_, err = a.Reorder("e1", "a")
	assert.Equal(t, true, errors.Is(err, ErrNoElement))
}

func TestClientVisibleRender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := NewRoom(ctx, "r", nil, DefaultRoomSettings())
	assert.Equal(t, nil, err)
	a, renderer := newTestClient(ctx, "a", newTestDialer(room).Dial)
	defer a.Close()

	a.SetViewport(Viewport{X: 0, Y: 0, Width: 200, Height: 200, Scale: 1})
	for i := 0; i < 5; i += 1 {
		_, err := a.CreateElement(NewRectangle(fmt.Sprintf("near%d", i), float64(i*20), 0, 10, 10))
		assert.Equal(t, nil, err)
	}
	for i := 0; i < 5; i += 1 {
		_, err := a.CreateElement(NewRectangle(fmt.Sprintf("far%d", i), 5000, float64(i*20), 10, 10))
		assert.Equal(t, nil, err)
	}
	path, err := a.CreateElement(NewFreehand("", Point{X: 50, Y: 50}))
	assert.Equal(t, nil, err)
	_, err = a.AppendPoints(path.Target, Point{X: 60, Y: 60}, Point{X: 70, Y: 40})
	assert.Equal(t, nil, err)

	waitFor(t, 5*time.Second, func() bool {
		return len(a.Visible()) == 6
	})
	for _, element := range a.Visible() {
		assert.Equal(t, false, strings.HasPrefix(element.Id, "far"))
	}
	waitFor(t, 5*time.Second, func() bool {
		frame := renderer.Last()
		return frame != nil && len(frame.Elements) == 6
	})

	// pan to the far elements
	a.SetViewport(Viewport{X: 4900, Y: 0, Width: 200, Height: 200, Scale: 1})
	waitFor(t, 5*time.Second, func() bool {
		visible := a.Visible()
		return len(visible) == 5 && strings.HasPrefix(visible[0].Id, "far")
	})
	waitFor(t, 5*time.Second, func() bool {
		frame := renderer.Last()
		return len(frame.Elements) == 5
	})
	assert.Equal(t, Viewport{X: 4900, Y: 0, Width: 200, Height: 200, Scale: 1}, a.Viewport())

	// frames are drawn in order
	frames := renderer.Frames()
	for i := 1; i < len(frames); i += 1 {
		assert.Equal(t, true, frames[i-1].Seq < frames[i].Seq)
	}
}

func TestClientVisibleConcurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := NewRoom(ctx, "r", nil, DefaultRoomSettings())
	assert.Equal(t, nil, err)
	settings := testClientSettings()
	// visible sets are computed on workers
	settings.VirtualizerSettings.OffloadThreshold = 64
	settings.VirtualizerSettings.ChunkSize = 16
	a := NewClient(ctx, "a", "r", newTestDialer(room).Dial, &countingRenderer{}, settings)
	a.Start()
	defer a.Close()

	for i := 0; i < 300; i += 1 {
		_, err := a.CreateElement(NewRectangle(fmt.Sprintf("base%d", i), float64(i*10), 0, 5, 5))
		assert.Equal(t, nil, err)
	}

	visibleIds := func(elements []*Element) []string {
		elementIds := []string{}
		for _, element := range elements {
			elementIds = append(elementIds, element.Id)
		}
		return elementIds
	}

	for round := 0; round < 10; round += 1 {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i += 1 {
				a.SetViewport(Viewport{X: float64((i % 2) * 1500), Y: 0, Width: 200, Height: 200, Scale: 1})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i += 1 {
				x := float64((i % 2) * 1500)
				_, err := a.CreateElement(NewRectangle(fmt.Sprintf("new%d-%d", round, i), x+50, 50, 5, 5))
				assert.Equal(t, nil, err)
			}
		}()
		wg.Wait()

		// the final visible set reflects the final document and viewport
		waitFor(t, 5*time.Second, func() bool {
			expected := ComputeVisible(a.Snapshot(), a.Viewport(), settings.VirtualizerSettings.Margin)
			return slices.Equal(visibleIds(expected), visibleIds(a.Visible()))
		})
	}
}

func TestClientPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := NewRoom(ctx, "r", nil, DefaultRoomSettings())
	assert.Equal(t, nil, err)
	dialer := newTestDialer(room)

	a, _ := newTestClient(ctx, "a", dialer.Dial)
	b, _ := newTestClient(ctx, "b", dialer.Dial)
	defer b.Close()
	waitClientConnected(t, a)
	waitClientConnected(t, b)

	changes := make(chan string, 64)
	b.AddPeerCallback(func(clientId string, record *AwarenessRecord) {
		select {
		case changes <- clientId:
		default:
		}
	})

	a.SetPresence(Point{X: 3, Y: 4}, []string{"e1"}, map[string]string{"name": "Ada"})
	waitFor(t, 5*time.Second, func() bool {
		record, ok := b.Peers()["a"]
		return ok && record.Cursor == Point{X: 3, Y: 4}
	})
	record := b.Peers()["a"]
	assert.Equal(t, []string{"e1"}, record.Selection)
	assert.Equal(t, "Ada", record.Meta["name"])
	assert.Equal(t, "a", <-changes)

	a.MoveCursor(Point{X: 10, Y: 10})
	a.Select("e2", "e3")
	waitFor(t, 5*time.Second, func() bool {
		record, ok := b.Peers()["a"]
		return ok && record.Cursor == Point{X: 10, Y: 10} && len(record.Selection) == 2
	})
	// own presence is not a peer
	_, ok := a.Peers()["a"]
	assert.Equal(t, false, ok)

	a.Close()
	waitFor(t, 5*time.Second, func() bool {
		_, ok := b.Peers()["a"]
		return !ok
	})
	state, _ := a.State()
	assert.Equal(t, SessionStateClosed, state)
}

func TestClientReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := NewRoom(ctx, "r", nil, DefaultRoomSettings())
	assert.Equal(t, nil, err)
	dialerA := newTestDialer(room)

	a, _ := newTestClient(ctx, "a", dialerA.Dial)
	defer a.Close()
	b, _ := newTestClient(ctx, "b", newTestDialer(room).Dial)
	defer b.Close()
	waitClientConnected(t, a)
	waitClientConnected(t, b)

	_, err = a.CreateElement(NewRectangle("e1", 0, 0, 10, 10))
	assert.Equal(t, nil, err)
	waitConverged(t, a, b)

	dialerA.SetOffline(true)
	waitFor(t, 5*time.Second, func() bool {
		state, _ := a.State()
		return state == SessionStateReconnecting
	})

	// both sides keep editing
	_, err = a.UpdateField("e1", FieldWidth, NumberValue(100))
	assert.Equal(t, nil, err)
	_, err = a.CreateElement(NewRectangle("a1", 0, 0, 10, 10))
	assert.Equal(t, nil, err)
	_, err = b.UpdateField("e1", FieldHeight, NumberValue(50))
	assert.Equal(t, nil, err)
	_, err = b.CreateElement(NewRectangle("b1", 0, 0, 10, 10))
	assert.Equal(t, nil, err)

	dialerA.SetOffline(false)
	waitClientConnected(t, a)
	waitConverged(t, a, b)

	e, _ := b.Get("e1")
	assert.Equal(t, float64(100), e.Geometry.Width)
	assert.Equal(t, float64(50), e.Geometry.Height)
	assert.Equal(t, 3, len(a.Snapshot()))
	assert.Equal(t, room.Snapshot(), a.store.Load().EncodeSnapshot())
}

func TestClientReset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room, err := NewRoom(ctx, "r", nil, DefaultRoomSettings())
	assert.Equal(t, nil, err)
	dialerA := newTestDialer(room)

	a, _ := newTestClient(ctx, "a", dialerA.Dial)
	defer a.Close()
	b, _ := newTestClient(ctx, "b", newTestDialer(room).Dial)
	defer b.Close()
	waitClientConnected(t, a)
	waitClientConnected(t, b)

	_, err = a.CreateElement(NewRectangle("e1", 0, 0, 10, 10))
	assert.Equal(t, nil, err)
	waitConverged(t, a, b)

	dialerA.SetOffline(true)
	waitFor(t, 5*time.Second, func() bool {
		return room.PeerCount() == 1
	})
	_, err = a.CreateElement(NewRectangle("a1", 0, 0, 10, 10))
	assert.Equal(t, nil, err)

	// b deletes and the tombstone is collected without a
	_, err = b.DeleteElement("e1")
	assert.Equal(t, nil, err)
	room.ForgetPeer("a")
	waitFor(t, 5*time.Second, func() bool {
		// b proves the delete with its next ping
		return 0 < room.CollectGarbage()
	})

	resets := make(chan bool, 8)
	a.AddUpdateCallback(func(update *StoreUpdate) {
		if update.Reset {
			resets <- true
		}
	})
	dialerA.SetOffline(false)
	select {
	case <-resets:
	case <-time.After(5 * time.Second):
		t.Fatalf("No reset.")
	}
	// b keeps its tombstone, so compare the visible documents
	waitFor(t, 5*time.Second, func() bool {
		_, ok := b.Get("a1")
		return ok
	})
	assert.Equal(t, b.store.Load().EncodeSnapshot(), a.store.Load().EncodeSnapshot())
	assert.Equal(t, b.VersionVector(), a.VersionVector())
	assert.Equal(t, room.Snapshot(), a.store.Load().EncodeSnapshot())

	// the collected element is gone and the offline create survived
	_, ok := a.Get("e1")
	assert.Equal(t, false, ok)
	assert.Equal(t, true, a.store.Load().Live("a1"))
	// history does not survive a reset
	result, err := a.Undo()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, result == nil)
}

func TestClientWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := DeriveRoomSecret("test")
	roomServer := NewRoomServerWithDefaults(ctx, secret, NewMemorySnapshotStore())
	defer roomServer.Close()
	server := httptest.NewServer(roomServer.Router())
	defer server.Close()

	roomUrl := fmt.Sprintf("ws%s/rooms/r", strings.TrimPrefix(server.URL, "http"))
	dial := func(clientId string) DialFunction {
		jwt, err := NewRoomJwt(secret, &RoomClaims{
			ClientId:  clientId,
			RoomId:    "r",
			ExpiresAt: time.Now().Add(time.Hour),
		})
		assert.Equal(t, nil, err)
		return NewWsDialer(roomUrl, jwt, DefaultWsSettings())
	}

	a, _ := newTestClient(ctx, "a", dial("a"))
	defer a.Close()
	b, _ := newTestClient(ctx, "b", dial("b"))
	defer b.Close()
	waitClientConnected(t, a)
	waitClientConnected(t, b)

	_, err := a.CreateElement(NewRectangle("e1", 1, 2, 3, 4))
	assert.Equal(t, nil, err)
	waitConverged(t, a, b)
	_, ok := b.Get("e1")
	assert.Equal(t, true, ok)

	// the snapshot endpoint needs a token for the room
	request, err := http.NewRequest(http.MethodGet, server.URL+"/rooms/r/snapshot", nil)
	assert.Equal(t, nil, err)
	response, err := http.DefaultClient.Do(request)
	assert.Equal(t, nil, err)
	response.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	jwt, err := NewRoomJwt(secret, &RoomClaims{ClientId: "reader", RoomId: "r"})
	assert.Equal(t, nil, err)
	request.Header.Set("Authorization", "Bearer "+jwt)
	response, err = http.DefaultClient.Do(request)
	assert.Equal(t, nil, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	assert.Equal(t, nil, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	elements, vector, err := DecodeSnapshot(body)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(elements))
	assert.Equal(t, "e1", elements[0].Id)
	assert.Equal(t, a.VersionVector(), vector)

	// a token for another room is refused
	jwt, err = NewRoomJwt(secret, &RoomClaims{ClientId: "a", RoomId: "other"})
	assert.Equal(t, nil, err)
	_, err = NewWsDialer(roomUrl, jwt, DefaultWsSettings())(ctx)
	assert.NotEqual(t, nil, err)
}
