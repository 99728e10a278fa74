// Command sharecast runs the streaming engine behind a WebSocket control
// endpoint speaking the {cmd, cmd_id} JSON protocol: startReceiver,
// stopReceiver, startSharer, stopSharer, setSharerTracks, changeEncoding.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sharecast/sharecast/session"
)

var version = "dev"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:8090", "control endpoint address")
	receiverAddr := flag.String("receiver-addr", "0.0.0.0", "media listen address for startReceiver")
	receiverPort := flag.Int("receiver-port", 5004, "media listen port for startReceiver")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("starting sharecast", "version", version, "listen", *listenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	hub := session.NewHub(ctx, slog.Default(), session.HubConfig{
		ReceiverNet: session.ReceiverNetConfig{Address: *receiverAddr, Port: *receiverPort},
		OnFrame: func(frameID uint32, size int) {
			slog.Debug("frame played out", "frame_id", frameID, "size", size)
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		serveControl(hub, w, r)
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("exiting with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

// serveControl speaks the control protocol over one WebSocket connection:
// each inbound text message is a command, each command gets exactly one
// reply.
func serveControl(hub *session.Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	slog.Info("control client connected", "remote", conn.RemoteAddr().String())

	for {
		var cmd session.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("control read failed", "error", err)
			}
			return
		}
		reply := hub.Dispatch(cmd)
		if err := conn.WriteJSON(reply); err != nil {
			slog.Warn("control write failed", "error", err)
			return
		}
	}
}
