package clientengine

import (
	"bufio"
	"context"
	"log/slog"
	"math"
	"net"
	"strconv"
	"time"

	"chatmesh/internal/protocol"
	"chatmesh/internal/topology"
)

// udpReadBufferSize is generous for a JSON control/data frame; oversized
// datagrams are truncated by ReadFromUDP and will simply fail checksum
// verification in protocol.Decode.
const udpReadBufferSize = 65535

// selfTopology tracks latency measurements this client has made of its
// peers via PingUser/PingAll PONGs. It is independent of the hub's own
// topology.Tracker and only ever contains edges the user initiated from
// here.
func (e *Engine) selfTopology() *topology.Tracker {
	e.knownMu.Lock()
	defer e.knownMu.Unlock()
	if e.localTopo == nil {
		e.localTopo = topology.NewTracker(topology.DefaultInactivityWindow)
	}
	return e.localTopo
}

func (e *Engine) readTCPLoop(ctx context.Context, reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Info("tcp control stream closed", "err", err)
			e.emit(func(ev CoreEvents) { ev.OnUserLeave("connection to hub lost") })
			return
		}

		env, ok := protocol.Decode(line)
		if !ok {
			continue
		}

		switch env.Type {
		case protocol.KindJoin:
			if text, ok := env.ContentString(); ok {
				e.emit(func(ev CoreEvents) { ev.OnUserJoin(text) })
			}
		case protocol.KindLeave:
			if text, ok := env.ContentString(); ok {
				e.emit(func(ev CoreEvents) { ev.OnUserLeave(text) })
			}
		case protocol.KindUsers:
			users, _ := env.ContentStrings()
			e.knownMu.Lock()
			e.knownUsers = users
			e.knownMu.Unlock()
			e.emit(func(ev CoreEvents) { ev.OnUserList(users) })
		case protocol.KindTopo:
			var snap protocol.TopoSnapshot
			if err := env.ContentAs(&snap); err == nil {
				e.emit(func(ev CoreEvents) { ev.OnTopologyData(snap) })
			}
		default:
			slog.Debug("unhandled tcp frame", "type", env.Type)
		}
	}
}

func (e *Engine) readUDPLoop(ctx context.Context) {
	e.mu.Lock()
	conn := e.udpConn
	e.mu.Unlock()
	if conn == nil {
		return
	}

	buf := make([]byte, udpReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
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

		env, ok := protocol.Decode(buf[:n])
		if !ok {
			continue
		}
		e.handleUDPFrame(env, from)
	}
}

func (e *Engine) handleUDPFrame(env protocol.Envelope, from *net.UDPAddr) {
	switch env.Type {
	case protocol.KindChat:
		content, _ := env.ContentString()
		e.emit(func(ev CoreEvents) { ev.OnMessage(env.User, content, env.Time) })
	case protocol.KindAck:
		if msgID, ok := env.ContentString(); ok {
			e.mu.Lock()
			sender := e.sender
			e.mu.Unlock()
			if sender != nil {
				sender.ProcessAck(msgID)
			}
		}
	case protocol.KindPing:
		e.replyPong(env, from)
	case protocol.KindPong:
		e.handlePong(env)
	case protocol.KindDirect:
		e.mu.Lock()
		self := e.username
		e.mu.Unlock()
		if env.Recipient == self {
			content, _ := env.ContentString()
			e.emit(func(ev CoreEvents) { ev.OnDirectMessage(env.User, content, env.Time) })
			e.ackDirect(env, from)
		}
	default:
		slog.Debug("unhandled udp frame", "type", env.Type)
	}
}

func (e *Engine) replyPong(env protocol.Envelope, from *net.UDPAddr) {
	e.mu.Lock()
	conn, username := e.udpConn, e.username
	e.mu.Unlock()
	if conn == nil {
		return
	}
	pong, err := protocol.Encode(protocol.KindPong, username, nil, protocol.EncodeOptions{ID: env.ID, Now: time.Now()})
	if err != nil {
		return
	}
	_, _ = conn.WriteToUDP(pong, from)
}

// ackDirect sends a second, end-to-end ACK back through the hub addressed
// to the original sender (SPEC_FULL.md §8 scenario S3: "bob additionally
// ACKs alice directly", on top of the hub's own origin-ACK from §4.5). The
// frame is still sent to from — the hub's UDP socket, since all traffic is
// routed through it — with Recipient set so the hub's dispatch can deliver
// it onward the same way it forwards DIRECT frames.
func (e *Engine) ackDirect(env protocol.Envelope, from *net.UDPAddr) {
	e.mu.Lock()
	conn, username := e.udpConn, e.username
	e.mu.Unlock()
	if conn == nil {
		return
	}
	ack, err := protocol.Encode(protocol.KindAck, username, env.ID, protocol.EncodeOptions{Recipient: env.User, Now: time.Now()})
	if err != nil {
		return
	}
	_, _ = conn.WriteToUDP(ack, from)
}

// handlePong implements SPEC_FULL.md §4.6: latency_ms = max(0, (now −
// float(id)) × 1000), where id carries the millisecond timestamp the ping
// was sent with (see sendPing / keepaliveLoop).
func (e *Engine) handlePong(env protocol.Envelope) {
	sentMs, ok := parseMillis(env.ID)
	if !ok {
		return
	}
	latencyMs := math.Max(0, float64(time.Now().UnixMilli()-sentMs))

	e.knownMu.Lock()
	target, tracked := e.pendingPing[env.ID]
	delete(e.pendingPing, env.ID)
	e.knownMu.Unlock()
	if !tracked || target == "" {
		return
	}

	tr := e.selfTopology()
	e.mu.Lock()
	self := e.username
	e.mu.Unlock()

	tr.UpsertNode(target, "", 0, &latencyMs)
	tr.UpdateLink(self, target, topology.QualityFromLatency(latencyMs))

	e.emit(func(ev CoreEvents) { ev.OnTopologyData(tr.Snapshot()) })
}

func parseMillis(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
