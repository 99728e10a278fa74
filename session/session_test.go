package session

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/sharecast/sharecast/internal/sender"
	"github.com/sharecast/sharecast/media"
)

// testTrack feeds a fixed set of raw frames.
type testTrack struct {
	ch     chan sender.RawVideoFrame
	closed bool
}

func newTestTrack() *testTrack {
	return &testTrack{ch: make(chan sender.RawVideoFrame, 64)}
}

func (t *testTrack) Frames() <-chan sender.RawVideoFrame { return t.ch }

func (t *testTrack) Close() {
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
}

func receiverPort(t *testing.T, r *Receiver) int {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", r.LocalAddr())
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return addr.Port
}

func TestSessionEndToEndCleanDelivery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv, err := NewReceiver(nil, ReceiverNetConfig{Address: "127.0.0.1", Port: 0}, DefaultVideoReceiverConfig())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	go recv.Run(ctx)

	const numFrames = 10
	delivered := make(chan *media.EncodedFrame, numFrames)
	recv.Play(func(frame *media.EncodedFrame) { delivered <- frame })

	config := SenderConfig{
		InitialBitrate: 2_000_000,
		FrameRate:      30,
		RemoteAddress:  "127.0.0.1",
		RemotePort:     receiverPort(t, recv),
	}
	sharer, err := NewSharerSender(nil, 1, config, sender.NewNopEncoder(30))
	if err != nil {
		t.Fatalf("NewSharerSender: %v", err)
	}
	go sharer.Run(ctx)
	defer sharer.Stop()

	// Push frames of ~30 KB so each one splits into many packets.
	payloads := make([][]byte, numFrames)
	rng := rand.New(rand.NewSource(1))
	track := newTestTrack()
	sharer.SetTrack(track)
	for i := 0; i < numFrames; i++ {
		payloads[i] = make([]byte, 30000)
		rng.Read(payloads[i])
		track.ch <- sender.RawVideoFrame{
			Timestamp: time.Duration(i) * 33 * time.Millisecond,
			Data:      payloads[i],
		}
		// Pace the input roughly like a camera so admission never
		// trips in a clean-path test.
		time.Sleep(5 * time.Millisecond)
	}

	for want := uint32(0); want < numFrames; want++ {
		select {
		case frame := <-delivered:
			if frame.FrameID != want {
				t.Fatalf("frame %d delivered, want %d", frame.FrameID, want)
			}
			if !bytes.Equal(frame.Data, payloads[want]) {
				t.Fatalf("frame %d payload mismatch (%d bytes)", want, len(frame.Data))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never delivered", want)
		}
	}
}

func TestHubDispatchLifecycle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, nil, HubConfig{
		ReceiverNet: ReceiverNetConfig{Address: "127.0.0.1", Port: 0},
		NewTrackSource: func(sharerID int) (TrackSource, error) {
			return newTestTrack(), nil
		},
	})

	// Unknown command fails but echoes the id.
	reply := hub.Dispatch(Command{Cmd: "bogus", CmdID: 7})
	if reply.Success || reply.CmdID != 7 {
		t.Fatalf("bogus command reply = %+v", reply)
	}

	// startSharer without a payload fails.
	reply = hub.Dispatch(Command{Cmd: "startSharer", CmdID: 8})
	if reply.Success {
		t.Fatal("startSharer without payload should fail")
	}

	payload, _ := json.Marshal(map[string]any{"ip": "127.0.0.1", "port": 6004, "bitrate": 1_000_000, "fps": 30})
	reply = hub.Dispatch(Command{Cmd: "startSharer", CmdID: 9, Payload: payload})
	if !reply.Success {
		t.Fatal("startSharer should succeed")
	}
	id := reply.Payload.(sharerIDPayload).SharerID
	if _, ok := hub.Registry().Get(id); !ok {
		t.Fatal("sharer not registered")
	}

	trackPayload, _ := json.Marshal(map[string]any{"sharer_id": id})
	reply = hub.Dispatch(Command{Cmd: "setSharerTracks", CmdID: 10, Payload: trackPayload})
	if !reply.Success {
		t.Fatal("setSharerTracks should succeed")
	}

	encPayload, _ := json.Marshal(map[string]any{"sharer_id": id, "bitrate": 500_000, "fps": 15})
	reply = hub.Dispatch(Command{Cmd: "changeEncoding", CmdID: 11, Payload: encPayload})
	if !reply.Success {
		t.Fatal("changeEncoding should succeed")
	}

	reply = hub.Dispatch(Command{Cmd: "stopSharer", CmdID: 12, Payload: trackPayload})
	if !reply.Success {
		t.Fatal("stopSharer should succeed")
	}
	if _, ok := hub.Registry().Get(id); ok {
		t.Fatal("sharer should be gone after stopSharer")
	}

	// Stopping an unknown sharer fails.
	reply = hub.Dispatch(Command{Cmd: "stopSharer", CmdID: 13, Payload: trackPayload})
	if reply.Success {
		t.Fatal("stopping a missing sharer should fail")
	}

	// Receiver start/stop round trip.
	reply = hub.Dispatch(Command{Cmd: "startReceiver", CmdID: 14})
	if !reply.Success {
		t.Fatal("startReceiver should succeed")
	}
	reply = hub.Dispatch(Command{Cmd: "stopReceiver", CmdID: 15})
	if !reply.Success {
		t.Fatal("stopReceiver should succeed")
	}
}
