// Package clientengine is the chat client's outbound API and inbound
// dispatch loop (component C6): it owns the TCP control connection and UDP
// data socket, runs the reliable-UDP send path, and feeds a UI collaborator
// through the CoreEvents callback interface.
//
// Grounded on the teacher's client/transport.go: a struct wrapping the
// session handle plus background reader goroutines and a keepalive ticker,
// with Set*/callback plumbing guarded by its own mutex so the UI can be
// wired before or after Connect.
package clientengine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"chatmesh/internal/protocol"
	"chatmesh/internal/reliableudp"
	"chatmesh/internal/topology"
)

// CoreEvents is the callback surface a UI collaborator implements.
// SPEC_FULL.md §4.6/§6 requires this as an interface the engine consumes
// rather than a struct of function fields, to keep the engine's reference
// to the UI weak-style (cleared on Disconnect) and avoid a retention cycle
// between the UI window and the engine.
type CoreEvents interface {
	OnMessage(user, content, timestamp string)
	OnDirectMessage(user, content, timestamp string)
	OnUserJoin(text string)
	OnUserLeave(text string)
	OnUserList(users []string)
	OnTopologyData(snap protocol.TopoSnapshot)
}

// keepaliveInterval is how often a connected client pings the hub, per
// SPEC_FULL.md §4.6.
const keepaliveInterval = 10 * time.Second

// connectTimeout bounds the TCP dial plus AUTH round trip.
const connectTimeout = 10 * time.Second

// Engine is the client-side message engine (component C6).
type Engine struct {
	udpOpts reliableudp.Options

	eventsMu sync.RWMutex
	events   CoreEvents

	mu       sync.Mutex
	username string
	tcpConn  net.Conn
	udpConn  *net.UDPConn
	hubUDP   *net.UDPAddr
	cancel   context.CancelFunc
	sender   *reliableudp.Sender

	knownMu     sync.Mutex
	knownUsers  []string
	pendingPing map[string]string // ping id -> target username ("" = hub self-latency only)
	localTopo   *topology.Tracker // lazily built by selfTopology(); guarded by knownMu
}

// New builds an Engine. udpOpts configures the reliable-UDP sender; a zero
// value selects SPEC_FULL.md's defaults (W=5, T=1s, R=3).
func New(udpOpts reliableudp.Options) *Engine {
	return &Engine{
		udpOpts:     udpOpts,
		pendingPing: make(map[string]string),
	}
}

// SetEvents registers the UI collaborator. Safe to call before or after
// Connect; pass nil to detach.
func (e *Engine) SetEvents(ev CoreEvents) {
	e.eventsMu.Lock()
	e.events = ev
	e.eventsMu.Unlock()
}

func (e *Engine) emit(fn func(CoreEvents)) {
	e.eventsMu.RLock()
	ev := e.events
	e.eventsMu.RUnlock()
	if ev != nil {
		fn(ev)
	}
}

// Connect opens the TCP control connection to tcpAddr, performs the AUTH
// handshake, and — on success — starts the background TCP reader, UDP
// reader, and keepalive timer. udpAddr is the hub's data-plane address,
// learned out of band (the AUTH reply merely confirms the hub's own UDP
// port in its content string; this implementation takes the caller's
// udpAddr as authoritative, since the hub binds one fixed UDP port for the
// whole process).
func (e *Engine) Connect(ctx context.Context, tcpAddr, udpAddr, username string) (bool, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
	defer cancelDial()

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(dialCtx, "tcp", tcpAddr)
	if err != nil {
		return false, fmt.Errorf("dial tcp: %w", err)
	}

	hubUDP, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		tcpConn.Close()
		return false, fmt.Errorf("resolve udp addr: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		tcpConn.Close()
		return false, fmt.Errorf("open udp socket: %w", err)
	}

	authFrame, err := protocol.Encode(protocol.KindAuth, username, nil, protocol.EncodeOptions{Now: time.Now()})
	if err != nil {
		tcpConn.Close()
		udpConn.Close()
		return false, fmt.Errorf("encode auth: %w", err)
	}
	if err := writeFrame(tcpConn, authFrame); err != nil {
		tcpConn.Close()
		udpConn.Close()
		return false, fmt.Errorf("send auth: %w", err)
	}

	_ = tcpConn.SetReadDeadline(time.Now().Add(connectTimeout))
	reader := bufio.NewReader(tcpConn)
	line, err := reader.ReadBytes('\n')
	_ = tcpConn.SetReadDeadline(time.Time{})
	if err != nil {
		tcpConn.Close()
		udpConn.Close()
		return false, fmt.Errorf("read auth reply: %w", err)
	}
	reply, ok := protocol.Decode(line)
	if !ok || reply.Type != protocol.KindAuth {
		tcpConn.Close()
		udpConn.Close()
		return false, nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.username = username
	e.tcpConn = tcpConn
	e.udpConn = udpConn
	e.hubUDP = hubUDP
	e.cancel = cancel
	senderOpts := e.udpOpts
	senderOpts.Reseal = protocol.Reseal
	e.sender = reliableudp.NewSender(e.writeUDP, senderOpts)
	e.mu.Unlock()

	go e.readTCPLoop(runCtx, reader)
	go e.readUDPLoop(runCtx)
	go e.keepaliveLoop(runCtx)

	slog.Info("client connected", "user", username, "tcp", tcpAddr, "udp", udpAddr)
	return true, nil
}

// Disconnect closes both sockets and stops all background goroutines.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.sender != nil {
		e.sender.Close()
		e.sender = nil
	}
	if e.tcpConn != nil {
		e.tcpConn.Close()
		e.tcpConn = nil
	}
	if e.udpConn != nil {
		e.udpConn.Close()
		e.udpConn = nil
	}
	e.mu.Unlock()

	e.SetEvents(nil)
}

func (e *Engine) writeUDP(payload []byte, peer *net.UDPAddr) error {
	e.mu.Lock()
	conn := e.udpConn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("clientengine: udp socket closed")
	}
	_, err := conn.WriteToUDP(payload, peer)
	return err
}

// SendChat broadcasts text through the hub's reliable-UDP fan-out. It
// blocks until the hub ACKs the datagram or the retry budget is exhausted.
func (e *Engine) SendChat(text string) (bool, error) {
	return e.sendReliableFrame(protocol.KindChat, text, "")
}

// SendDirect sends text to recipient only, via the hub. It blocks the same
// way SendChat does.
func (e *Engine) SendDirect(recipient, text string) (bool, error) {
	return e.sendReliableFrame(protocol.KindDirect, text, recipient)
}

func (e *Engine) sendReliableFrame(kind protocol.Kind, text, recipient string) (bool, error) {
	e.mu.Lock()
	sender, hubUDP, username := e.sender, e.hubUDP, e.username
	e.mu.Unlock()
	if sender == nil {
		return false, fmt.Errorf("clientengine: not connected")
	}

	payload, err := protocol.Encode(kind, username, text, protocol.EncodeOptions{Recipient: recipient, Now: time.Now()})
	if err != nil {
		return false, fmt.Errorf("encode: %w", err)
	}

	_, result := sender.SendReliable(payload, hubUDP)
	return <-result, nil
}

// RequestUsers asks the hub for the current username list; the reply
// arrives asynchronously on the TCP reader and is delivered via
// CoreEvents.OnUserList.
func (e *Engine) RequestUsers() error {
	return e.sendTCPFrame(protocol.KindUsers, nil, "")
}

// RequestTopology asks the hub for a topology snapshot, delivered via
// CoreEvents.OnTopologyData.
func (e *Engine) RequestTopology() error {
	return e.sendTCPFrame(protocol.KindTopo, nil, "")
}

func (e *Engine) sendTCPFrame(kind protocol.Kind, content any, recipient string) error {
	e.mu.Lock()
	conn, username := e.tcpConn, e.username
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("clientengine: not connected")
	}
	frame, err := protocol.Encode(kind, username, content, protocol.EncodeOptions{Recipient: recipient, Now: time.Now()})
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return writeFrame(conn, frame)
}

// PingServer measures round-trip latency to the hub itself. The result
// does not update the topology tracker — the hub is not a graph node.
func (e *Engine) PingServer() error {
	return e.sendPing("")
}

// PingUser sends a PING to the hub and files the resulting PONG under
// target. The hub answers every PING itself and does not forward it to
// target, so the measured round trip is this client's latency to the hub;
// it updates target's node and the self↔target edge in the local topology
// view.
func (e *Engine) PingUser(target string) error {
	return e.sendPing(target)
}

// PingAll pings every username last seen in a USERS reply, excluding self.
func (e *Engine) PingAll() error {
	e.knownMu.Lock()
	targets := append([]string(nil), e.knownUsers...)
	e.knownMu.Unlock()

	e.mu.Lock()
	self := e.username
	e.mu.Unlock()

	var firstErr error
	for _, u := range targets {
		if u == self {
			continue
		}
		if err := e.sendPing(u); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) sendPing(target string) error {
	e.mu.Lock()
	conn, hubUDP, username := e.udpConn, e.hubUDP, e.username
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("clientengine: not connected")
	}

	id := fmt.Sprintf("%d", time.Now().UnixMilli())
	payload, err := protocol.Encode(protocol.KindPing, username, nil, protocol.EncodeOptions{ID: id, Now: time.Now()})
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}

	e.knownMu.Lock()
	e.pendingPing[id] = target
	e.knownMu.Unlock()

	_, err = conn.WriteToUDP(payload, hubUDP)
	return err
}

func (e *Engine) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PingServer(); err != nil {
				slog.Warn("keepalive ping failed", "err", err)
			}
		}
	}
}

// writeFrame appends a newline delimiter so the TCP control stream, which
// has no inherent message boundaries, can be split back into frames with
// bufio.Scanner/Reader on the other end — the same convention the teacher's
// transport.go uses for its control stream.
func writeFrame(conn net.Conn, frame []byte) error {
	frame = append(frame, '\n')
	_, err := conn.Write(frame)
	return err
}
