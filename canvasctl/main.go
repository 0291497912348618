package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/net/netutil"
	"golang.org/x/term"

	"github.com/bringyour/canvas/canvas"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Canvas control.

The secret is read from CANVAS_SECRET when not given, and prompted for
when neither is set.

Usage:
    canvasctl serve [--port=<port>] [--db=<path>] [--secret=<secret>]
        [--max_conns=<max_conns>]
    canvasctl token --room_id=<room_id> [--client_id=<client_id>]
        [--secret=<secret>] [--ttl=<ttl>]
    canvasctl join <room_url> --jwt=<jwt> [--draw=<count>]
    canvasctl dump --db=<path> [--room_id=<room_id>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    -p --port=<port>           Listen port [default: 8080].
    --db=<path>                Room database. Rooms are kept in memory when not set.
    --secret=<secret>          Room jwt passphrase.
    --max_conns=<max_conns>    Maximum concurrent connections [default: 4096].
    --room_id=<room_id>
    --client_id=<client_id>    A new client id when not set.
    --ttl=<ttl>                Token lifetime [default: 24h].
    --jwt=<jwt>                Room jwt from "canvasctl token".
    --draw=<count>             Draw this many random rectangles after joining [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	// glog reads its settings from flags
	flag.CommandLine.Parse([]string{})

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if dump_, _ := opts.Bool("dump"); dump_ {
		dump(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	maxConns, _ := opts.Int("--max_conns")
	secret := requireSecret(opts)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	var snapshotStore canvas.SnapshotStore
	if dbPath, err := opts.String("--db"); err == nil && dbPath != "" {
		boltStore, err := canvas.OpenBoltSnapshotStore(dbPath)
		if err != nil {
			panic(err)
		}
		defer boltStore.Close()
		snapshotStore = boltStore
	} else {
		snapshotStore = canvas.NewMemorySnapshotStore()
	}

	roomServer := canvas.NewRoomServerWithDefaults(ctx, secret, snapshotStore)
	defer roomServer.Close()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		panic(err)
	}
	listener = netutil.LimitListener(listener, maxConns)

	server := &http.Server{
		Handler: roomServer.Router(),
	}

	fmt.Printf("Canvas %s on *:%d\n", RequireVersion(), port)

	go func() {
		defer cancel()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func token(opts docopt.Opts) {
	roomId, _ := opts.String("--room_id")
	clientId, _ := opts.String("--client_id")
	if clientId == "" {
		clientId = canvas.NewId()
	}
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		panic(err)
	}
	secret := requireSecret(opts)

	jwt, err := canvas.NewRoomJwt(secret, &canvas.RoomClaims{
		ClientId:  clientId,
		RoomId:    roomId,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", jwt)
}

func join(opts docopt.Opts) {
	roomUrl, _ := opts.String("<room_url>")
	jwt, _ := opts.String("--jwt")
	drawCount, _ := opts.Int("--draw")

	claims, err := canvas.ParseRoomJwtUnverified(jwt)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	renderer := canvas.RenderFunction(func(frame *canvas.RenderFrame) error {
		glog.V(1).Infof("frame %d quality=%s elements=%d\n", frame.Seq, frame.Quality, len(frame.Elements))
		return nil
	})
	dial := canvas.NewWsDialer(roomUrl, jwt, canvas.DefaultWsSettings())
	client := canvas.NewClientWithDefaults(ctx, claims.ClientId, claims.RoomId, dial, renderer)
	defer client.Close()

	drawn := false
	client.AddStateChangeCallback(func(state canvas.SessionState, err error) {
		if err != nil {
			fmt.Printf("state: %s (%s)\n", state, err)
		} else {
			fmt.Printf("state: %s\n", state)
		}
		if state == canvas.SessionStateOpen && !drawn {
			drawn = true
			go draw(client, drawCount)
		}
		if state.IsTerminal() {
			cancel()
		}
	})
	client.AddPeerCallback(func(clientId string, record *canvas.AwarenessRecord) {
		if record == nil {
			fmt.Printf("peer left: %s\n", clientId)
		} else {
			fmt.Printf("peer: %s cursor=(%.1f, %.1f) selection=%s\n", clientId, record.Cursor.X, record.Cursor.Y, strings.Join(record.Selection, ","))
		}
	})
	client.SetViewport(canvas.Viewport{
		Width:  1920,
		Height: 1080,
		Scale:  1,
	})
	client.Start()

	fmt.Printf("client_id: %s\n", claims.ClientId)
	fmt.Printf("room_id: %s\n", claims.RoomId)

	<-ctx.Done()
	fmt.Printf("elements: %d\n", len(client.Snapshot()))
}

func draw(client *canvas.Client, count int) {
	for i := 0; i < count; i += 1 {
		x := rand.Float64() * 1800
		y := rand.Float64() * 1000
		rectangle := canvas.NewRectangle("", x, y, 40+rand.Float64()*80, 40+rand.Float64()*80)
		if _, err := client.CreateElement(rectangle); err != nil {
			fmt.Printf("draw error: %s\n", err)
			return
		}
		client.MoveCursor(canvas.Point{X: x, Y: y})
	}
	if 0 < count {
		fmt.Printf("drew %d\n", count)
	}
}

func dump(opts docopt.Opts) {
	dbPath, _ := opts.String("--db")
	roomId, _ := opts.String("--room_id")

	snapshotStore, err := canvas.OpenBoltSnapshotStore(dbPath)
	if err != nil {
		panic(err)
	}
	defer snapshotStore.Close()

	roomIds := []string{roomId}
	if roomId == "" {
		roomIds, err = snapshotStore.RoomIds()
		if err != nil {
			panic(err)
		}
	}

	for _, roomId := range roomIds {
		state, err := snapshotStore.Load(roomId)
		if err != nil {
			panic(err)
		}
		if state == nil {
			fmt.Printf("%s: none\n", roomId)
			continue
		}
		store := canvas.NewDocumentStore()
		store.RestoreCollected(state.Collected, state.Horizon, state.Vector)
		if _, err := store.ApplyAll(state.Log); err != nil {
			fmt.Printf("%s: %s\n", roomId, err)
		}
		elements := store.GetSnapshot()
		fmt.Printf("%s: deltas=%d elements=%d collected=%d vector=%s\n", roomId, len(state.Log), len(elements), len(state.Collected), store.VersionVector())
		for _, element := range elements {
			g := element.Geometry
			fmt.Printf("    %s %s z=%s (%.1f, %.1f, %.1f, %.1f) points=%d\n", element.Id, element.Kind, element.ZOrder, g.X, g.Y, g.Width, g.Height, len(g.Points))
		}
	}
}

func requireSecret(opts docopt.Opts) []byte {
	passphrase, _ := opts.String("--secret")
	if passphrase == "" {
		passphrase = os.Getenv("CANVAS_SECRET")
	}
	if passphrase == "" {
		fmt.Print("Enter secret: ")
		passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		passphrase = string(passphraseBytes)
		fmt.Printf("\n")
	}
	return canvas.DeriveRoomSecret(passphrase)
}

func RequireVersion() string {
	if version := os.Getenv("CANVAS_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
