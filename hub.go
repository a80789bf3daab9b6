// Component C5: the hub dispatcher. A Hub owns the TCP control listener,
// the single UDP data socket, and the registry/topology/receive-buffer
// state they share.
//
// Grounded on the teacher's client.go per-connection handleClient loop
// (AUTH-then-dispatch shape, defer-based cleanup) and room.go's
// broadcast-outside-the-lock convention: fan-out targets are snapshotted
// under the registry's lock, then written to outside it.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"chatmesh/internal/protocol"
	"chatmesh/internal/registry"
	"chatmesh/internal/reliableudp"
	"chatmesh/internal/topology"
)

// defaultEdgeQuality is the placeholder link quality TOPO and PING
// handlers assign to a pair that has never exchanged a real latency
// measurement (SPEC_FULL.md §4.3/§4.5, preserved per the Open Question
// decision in DESIGN.md even once a better measurement exists elsewhere).
const defaultEdgeQuality = 50

// authTimeout bounds how long a freshly accepted TCP connection may take to
// send its one required AUTH frame before the hub gives up on it.
const authTimeout = 10 * time.Second

// udpReadTimeout is the UDP reader's socket deadline, short enough that
// ctx cancellation is noticed promptly (SPEC_FULL.md §5).
const udpReadTimeout = 500 * time.Millisecond

// Config bundles the hub's listen addresses and admission limits.
type Config struct {
	TCPAddr string
	UDPAddr string

	// MaxConnections caps total concurrent TCP sessions; 0 means
	// unlimited. Enforced by wrapping the listener in netutil.LimitListener.
	MaxConnections int
	// PerIPLimit caps concurrent TCP sessions from a single source IP;
	// 0 means unlimited.
	PerIPLimit int
	// ControlRateLimit caps control-frame (post-AUTH TCP) processing per
	// session, in messages per second; 0 means unlimited.
	ControlRateLimit int
}

// Hub is the chat server's dispatcher: TCP accept loop plus per-connection
// handler, and a single UDP reader loop.
type Hub struct {
	cfg     Config
	reg     *registry.Registry
	topo    *topology.Tracker
	recvBuf *reliableudp.ReceiveBuffer
	metrics *Metrics

	udpConn *net.UDPConn

	ipMu    sync.Mutex
	ipConns map[string]int

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	startedAt time.Time
}

// NewHub builds a Hub. metrics may be nil in tests that don't care about
// counters.
func NewHub(cfg Config, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{
		cfg:       cfg,
		reg:       registry.New(),
		topo:      topology.NewTracker(topology.DefaultInactivityWindow),
		recvBuf:   reliableudp.NewReceiveBuffer(nil, reliableudp.DefaultReceiveBufferGC),
		metrics:   metrics,
		ipConns:   make(map[string]int),
		limiters:  make(map[string]*rate.Limiter),
		startedAt: time.Now(),
	}
}

// Uptime reports how long this Hub has been running, for the admin surface's
// GET /health (SPEC_FULL.md §4.7).
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.startedAt)
}

// Run opens both listeners and blocks until ctx is canceled or the TCP
// listener fails. It shuts both listeners down before returning.
func (h *Hub) Run(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", h.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("hub: listen tcp: %w", err)
	}
	if h.cfg.MaxConnections > 0 {
		tcpLn = netutil.LimitListener(tcpLn, h.cfg.MaxConnections)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", h.cfg.UDPAddr)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("hub: resolve udp addr: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("hub: listen udp: %w", err)
	}
	h.udpConn = udpConn

	slog.Info("hub listening", "tcp", tcpLn.Addr().String(), "udp", udpConn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		tcpLn.Close()
		udpConn.Close()
	}()

	go h.udpLoop(ctx)

	for {
		conn, err := tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("hub: accept: %w", err)
			}
		}
		go h.handleTCP(ctx, conn)
	}
}

// admitIP enforces the per-IP connection cap. It returns false (and takes
// no action) when ip is already at the limit.
func (h *Hub) admitIP(ip string) bool {
	h.ipMu.Lock()
	defer h.ipMu.Unlock()
	if h.cfg.PerIPLimit > 0 && h.ipConns[ip] >= h.cfg.PerIPLimit {
		return false
	}
	h.ipConns[ip]++
	return true
}

func (h *Hub) releaseIP(ip string) {
	h.ipMu.Lock()
	defer h.ipMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
}

func (h *Hub) sessionLimiter(username string) *rate.Limiter {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	l, ok := h.limiters[username]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.cfg.ControlRateLimit), h.cfg.ControlRateLimit)
		h.limiters[username] = l
	}
	return l
}

func (h *Hub) dropLimiter(username string) {
	h.limiterMu.Lock()
	delete(h.limiters, username)
	h.limiterMu.Unlock()
}

// handleTCP is the per-connection state machine: admission, AUTH handshake,
// JOIN broadcast, then a read loop dispatching USERS/TOPO until EOF or
// error, at which point it unregisters and broadcasts LEAVE. Grounded on
// the teacher's handleClient in client.go.
func (h *Hub) handleTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !h.admitIP(ip) {
		slog.Warn("connection rejected: per-ip limit", "ip", ip, "limit", h.cfg.PerIPLimit)
		h.metrics.RejectedConnections.Add(1)
		return
	}
	defer h.releaseIP(ip)

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	line, err := reader.ReadBytes('\n')
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		slog.Debug("connection closed before auth", "ip", ip, "err", err)
		return
	}

	env, ok := protocol.Decode(line)
	if !ok || env.Type != protocol.KindAuth || env.User == "" {
		slog.Debug("malformed auth frame", "ip", ip)
		return
	}
	h.metrics.RecordMessage(protocol.KindAuth)
	username := env.User

	if err := h.reg.Register(username, conn); err != nil {
		slog.Info("auth rejected: duplicate user", "user", username)
		return
	}
	defer h.dropLimiter(username)

	reply, err := protocol.Encode(protocol.KindAuth, "SERVER",
		fmt.Sprintf("Hoş geldin %s! UDP port: %d", username, h.udpPort()),
		protocol.EncodeOptions{Now: time.Now()})
	if err != nil {
		h.reg.Unregister(username)
		return
	}
	if err := writeFrame(conn, reply); err != nil {
		h.reg.Unregister(username)
		return
	}

	h.metrics.Connections.Add(1)
	defer h.metrics.Connections.Add(-1)

	h.broadcastJoin(username)
	slog.Info("user joined", "user", username, "ip", ip)

	limiter := h.sessionLimiter(username)
	for {
		if h.cfg.ControlRateLimit > 0 {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		env, ok := protocol.Decode(line)
		if !ok {
			h.metrics.FramingFailures.Add(1)
			continue
		}
		h.handleTCPFrame(conn, username, env)
	}

	h.reg.Unregister(username)
	h.broadcastLeave(username)
	slog.Info("user left", "user", username)
}

func (h *Hub) handleTCPFrame(conn net.Conn, username string, env protocol.Envelope) {
	h.metrics.RecordMessage(env.Type)
	switch env.Type {
	case protocol.KindUsers:
		users := h.reg.ListUsers()
		frame, err := protocol.Encode(protocol.KindUsers, "SERVER", users, protocol.EncodeOptions{Now: time.Now()})
		if err != nil {
			return
		}
		_ = writeFrame(conn, frame)
	case protocol.KindTopo:
		h.replyTopology(conn, username)
	default:
		slog.Debug("unhandled tcp frame", "type", env.Type, "user", username)
	}
}

// replyTopology upserts every known session as a node, materializes any
// still-missing pairwise edge at the default quality, and writes back a
// snapshot (SPEC_FULL.md §4.5 TOPO handling).
func (h *Hub) replyTopology(conn net.Conn, requester string) {
	sessions := h.reg.Snapshot()
	for _, s := range sessions {
		ip, port := "", 0
		if s.UDPAddr != nil {
			ip = s.UDPAddr.IP.String()
			port = s.UDPAddr.Port
		}
		h.topo.UpsertNode(s.Username, ip, port, nil)
	}
	h.materializeDefaultEdges(sessions)

	frame, err := protocol.Encode(protocol.KindTopo, "SERVER", h.topo.Snapshot(),
		protocol.EncodeOptions{Now: time.Now()})
	if err != nil {
		return
	}
	_ = writeFrame(conn, frame)
}

func (h *Hub) materializeDefaultEdges(sessions []registry.Session) {
	for i := range sessions {
		for j := i + 1; j < len(sessions); j++ {
			a, b := sessions[i].Username, sessions[j].Username
			if !h.topo.HasEdge(a, b) {
				h.topo.UpdateLink(a, b, defaultEdgeQuality)
			}
		}
	}
}

func (h *Hub) udpPort() int {
	if h.udpConn == nil {
		return 0
	}
	if addr, ok := h.udpConn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// broadcastJoin and broadcastLeave mirror the teacher's room.go
// Broadcast/BroadcastControl pattern: marshal once, snapshot targets under
// the registry's lock, send outside it.
func (h *Hub) broadcastJoin(username string) {
	h.broadcastTCP(protocol.KindJoin, fmt.Sprintf("%s joined", username), username)
}

func (h *Hub) broadcastLeave(username string) {
	h.broadcastTCP(protocol.KindLeave, fmt.Sprintf("%s left", username), username)
}

func (h *Hub) broadcastTCP(kind protocol.Kind, text, exclude string) {
	frame, err := protocol.Encode(kind, "SERVER", text, protocol.EncodeOptions{Now: time.Now()})
	if err != nil {
		return
	}
	for _, s := range h.reg.Snapshot() {
		if s.Username == exclude || s.TCPConn == nil {
			continue
		}
		_ = writeFrame(s.TCPConn, frame)
	}
}

// udpLoop is the hub's single UDP reader: decode, opportunistically bind
// the sender's address and touch its session, then dispatch by type.
func (h *Hub) udpLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = h.udpConn.SetReadDeadline(time.Now().Add(udpReadTimeout))
		n, from, err := h.udpConn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				slog.Debug("udp read error", "err", err)
				continue
			}
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		env, ok := protocol.Decode(raw)
		if !ok {
			h.metrics.FramingFailures.Add(1)
			continue
		}

		h.reg.BindUDP(env.User, from)
		h.reg.Touch(env.User)
		h.metrics.Datagrams.Add(1)
		h.metrics.Bytes.Add(int64(n))
		h.metrics.RecordMessage(env.Type)

		switch env.Type {
		case protocol.KindChat:
			h.handleChat(env, raw, from)
		case protocol.KindDirect:
			h.handleDirect(env, raw, from)
		case protocol.KindAck:
			h.handleAck(env, from)
		case protocol.KindPing:
			h.handlePing(env, from)
		case protocol.KindPong:
			slog.Debug("pong received", "user", env.User)
		default:
			slog.Debug("unhandled udp frame", "type", env.Type, "user", env.User)
		}
	}
}

// handleChat ACKs the origin immediately, then runs the datagram through
// the per-origin receive buffer so fan-out preserves that origin's send
// order (SPEC_FULL.md §5's per-sender ordering guarantee — see DESIGN.md
// for why the hub, not each receiving peer, is where this is enforced: it
// is the only point that ever observes a genuine per-origin sequence
// stream, since every other hop is already relayed through it).
func (h *Hub) handleChat(env protocol.Envelope, raw []byte, from *net.UDPAddr) {
	h.ackOrigin(env, from)
	for _, deliverable := range h.orderedFor(env, raw) {
		h.fanOutUDP(deliverable, env.User)
	}
}

// handleDirect ACKs the origin immediately, then forwards the in-order
// datagram to recipient alone if bound; unknown recipients are silently
// dropped (SPEC_FULL.md §7, an explicit Open Question decision).
func (h *Hub) handleDirect(env protocol.Envelope, raw []byte, from *net.UDPAddr) {
	h.ackOrigin(env, from)
	for _, deliverable := range h.orderedFor(env, raw) {
		dEnv, ok := protocol.Decode(deliverable)
		if !ok {
			continue
		}
		recipient, ok := h.reg.Lookup(dEnv.Recipient)
		if !ok || recipient.UDPAddr == nil {
			slog.Debug("direct message to unknown recipient dropped", "recipient", dEnv.Recipient)
			continue
		}
		_, _ = h.udpConn.WriteToUDP(deliverable, recipient.UDPAddr)
	}
}

// orderedFor runs one datagram through the per-origin receive buffer and
// returns whatever is now in-order deliverable (zero, one, or several
// payloads if a gap just closed). Frames without a sequence number (not
// expected from a conforming client, but tolerated) pass straight through.
func (h *Hub) orderedFor(env protocol.Envelope, raw []byte) [][]byte {
	if env.Seq == nil {
		return [][]byte{raw}
	}
	return h.recvBuf.ProcessReceived(env.User, *env.Seq, raw)
}

func (h *Hub) ackOrigin(env protocol.Envelope, from *net.UDPAddr) {
	ack, err := protocol.Encode(protocol.KindAck, "SERVER", env.ID, protocol.EncodeOptions{Now: time.Now()})
	if err != nil {
		return
	}
	_, _ = h.udpConn.WriteToUDP(ack, from)
	h.metrics.AcksSent.Add(1)
}

func (h *Hub) fanOutUDP(raw []byte, origin string) {
	for _, s := range h.reg.Snapshot() {
		if s.Username == origin || s.UDPAddr == nil {
			continue
		}
		_, _ = h.udpConn.WriteToUDP(raw, s.UDPAddr)
	}
}

// handleAck forwards an end-to-end ACK (one carrying a non-empty
// Recipient) to that recipient, the same way handleDirect forwards DIRECT
// — the resolution for SPEC_FULL.md §8 scenario S3 recorded in DESIGN.md.
// Plain origin-ACKs (no recipient) never reach this path; they are
// produced by ackOrigin and consumed directly by the sender's
// reliableudp.Sender.
func (h *Hub) handleAck(env protocol.Envelope, _ *net.UDPAddr) {
	if env.Recipient == "" {
		return
	}
	recipient, ok := h.reg.Lookup(env.Recipient)
	if !ok || recipient.UDPAddr == nil {
		return
	}
	msgID, ok := env.ContentString()
	if !ok {
		return
	}
	frame, err := protocol.Encode(protocol.KindAck, env.User, msgID,
		protocol.EncodeOptions{Recipient: env.Recipient, Now: time.Now()})
	if err != nil {
		return
	}
	_, _ = h.udpConn.WriteToUDP(frame, recipient.UDPAddr)
	h.metrics.AcksSent.Add(1)
}

// handlePing registers the sender into the topology graph, wires default
// edges to every other known session, and echoes a PONG back to the
// sender (SPEC_FULL.md §4.5). Edges are only added where missing, so a
// PING never clobbers a better measurement a client already reported via
// TOPO or another PING.
func (h *Hub) handlePing(env protocol.Envelope, from *net.UDPAddr) {
	h.topo.UpsertNode(env.User, from.IP.String(), from.Port, nil)

	sessions := h.reg.Snapshot()
	h.materializeDefaultEdges(sessions)

	pong, err := protocol.Encode(protocol.KindPong, "SERVER", nil, protocol.EncodeOptions{ID: env.ID, Now: time.Now()})
	if err != nil {
		return
	}
	_, _ = h.udpConn.WriteToUDP(pong, from)
}

func writeFrame(conn net.Conn, frame []byte) error {
	frame = append(frame, '\n')
	_, err := conn.Write(frame)
	return err
}
