// Package transport provides the UDP datagram plumbing and the
// transport-sender composition that binds the pacer, the RTP sender, and
// the RTCP session of each stream to one shared socket.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/pacing"
)

const maxPacketSize = 4096

// sendQueueDepth bounds the packets buffered toward the socket. A full
// queue is the backpressure signal the pacer reacts to.
const sendQueueDepth = 64

// PacketReceiverFunc consumes inbound datagrams. The addr string is the
// source's textual form; handing the same string back to SendPacket routes
// a reply to that source.
type PacketReceiverFunc func(addr string, data []byte)

// Socket is the datagram capability the engine composes over: the pacer's
// transport plus receive registration and lifecycle. UDPTransport is the
// real implementation; tests substitute in-memory pipes.
type Socket interface {
	pacing.Transport
	StartReceiving(cb PacketReceiverFunc)
	LocalAddr() string
	Close() error
}

type sendRequest struct {
	addr string
	pkt  packet.Packet
}

// UDPTransport is the engine's datagram primitive: asynchronous send and
// receive on one socket, with the remote either configured up front (the
// "multicast" logical address) or learned from inbound traffic.
type UDPTransport struct {
	log  *slog.Logger
	conn *net.UDPConn

	remoteAddr *net.UDPAddr

	mu           sync.Mutex
	addrFromStr  map[string]*net.UDPAddr
	lastSource   *net.UDPAddr
	pendingUnblk func()

	bytesSent atomic.Int64

	sendCh chan sendRequest
	done   chan struct{}
}

// NewUDPTransport binds localAddr (":0" for any port) and, when remoteHost
// is non-empty, resolves the remote once. If log is nil, slog.Default() is
// used.
func NewUDPTransport(log *slog.Logger, localAddr, remoteHost string, remotePort int) (*UDPTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	local, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving local address %q: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("binding udp socket: %w", err)
	}

	t := &UDPTransport{
		log:         log.With("component", "udp", "local", conn.LocalAddr().String()),
		conn:        conn,
		addrFromStr: make(map[string]*net.UDPAddr),
		sendCh:      make(chan sendRequest, sendQueueDepth),
		done:        make(chan struct{}),
	}

	if remoteHost != "" {
		remote, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolving remote %s:%d: %w", remoteHost, remotePort, err)
		}
		t.remoteAddr = remote
		t.log.Info("remote resolved", "remote", remote.String())
	}

	go t.sendLoop()
	return t, nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() string { return t.conn.LocalAddr().String() }

// Close tears the socket down; both worker goroutines exit.
func (t *UDPTransport) Close() error {
	close(t.done)
	return t.conn.Close()
}

// BytesSent returns the total bytes handed to the socket.
func (t *UDPTransport) BytesSent() int64 { return t.bytesSent.Load() }

// StartReceiving spawns the receive loop. cb runs on the receive goroutine;
// callers hand the data off to their run loop.
func (t *UDPTransport) StartReceiving(cb PacketReceiverFunc) {
	go func() {
		buf := make([]byte, maxPacketSize)
		for {
			n, source, err := t.conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-t.done:
					return
				default:
				}
				t.log.Error("udp receive failed", "error", err)
				return
			}
			addr := source.String()
			t.mu.Lock()
			if _, ok := t.addrFromStr[addr]; !ok {
				t.addrFromStr[addr] = source
			}
			t.lastSource = source
			t.mu.Unlock()

			data := make([]byte, n)
			copy(data, buf[:n])
			cb(addr, data)
		}
	}()
}

// resolveAddr maps a logical address to a socket address: "multicast" is
// the configured remote (or, for a passive receiver, the last learned
// source); anything else must have been learned from inbound traffic.
func (t *UDPTransport) resolveAddr(addr string) *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr == pacing.MulticastAddr {
		if t.remoteAddr != nil {
			return t.remoteAddr
		}
		return t.lastSource
	}
	return t.addrFromStr[addr]
}

// SendPacket queues p for addr. It returns false when the queue is full; in
// that case onUnblocked fires exactly once when sending may resume.
// Implements pacing.Transport.
func (t *UDPTransport) SendPacket(addr string, p packet.Packet, onUnblocked func()) bool {
	select {
	case t.sendCh <- sendRequest{addr: addr, pkt: p}:
		t.bytesSent.Add(int64(len(p)))
		return true
	default:
		t.mu.Lock()
		t.pendingUnblk = onUnblocked
		t.mu.Unlock()
		return false
	}
}

func (t *UDPTransport) sendLoop() {
	for {
		select {
		case <-t.done:
			return
		case req := <-t.sendCh:
			dest := t.resolveAddr(req.addr)
			if dest == nil {
				t.log.Warn("no destination for packet", "addr", req.addr)
				continue
			}
			if _, err := t.conn.WriteToUDP(req.pkt, dest); err != nil {
				t.log.Error("udp send failed", "dest", dest.String(), "error", err)
			}

			// Room opened up; wake a blocked sender.
			if len(t.sendCh) < sendQueueDepth/2 {
				t.mu.Lock()
				unblock := t.pendingUnblk
				t.pendingUnblk = nil
				t.mu.Unlock()
				if unblock != nil {
					unblock()
				}
			}
		}
	}
}
