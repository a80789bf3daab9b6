package clientengine

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"chatmesh/internal/protocol"
	"chatmesh/internal/reliableudp"
)

// recordingEvents captures every callback invocation for assertions.
type recordingEvents struct {
	mu        sync.Mutex
	messages  []string
	directs   []string
	joins     []string
	leaves    []string
	userLists [][]string
	topology  []protocol.TopoSnapshot
}

func (r *recordingEvents) OnMessage(user, content, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, user+":"+content)
}
func (r *recordingEvents) OnDirectMessage(user, content, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directs = append(r.directs, user+":"+content)
}
func (r *recordingEvents) OnUserJoin(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins = append(r.joins, text)
}
func (r *recordingEvents) OnUserLeave(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves = append(r.leaves, text)
}
func (r *recordingEvents) OnUserList(users []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userLists = append(r.userLists, users)
}
func (r *recordingEvents) OnTopologyData(snap protocol.TopoSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topology = append(r.topology, snap)
}

func (r *recordingEvents) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// fakeHub is a minimal stand-in for the real hub, just enough to exercise
// the client engine's AUTH handshake and a handful of frame types.
type fakeHub struct {
	tcpLn  net.Listener
	udp    *net.UDPConn
	t      *testing.T
	closed chan struct{}
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp: %v", err)
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return &fakeHub{tcpLn: tcpLn, udp: udp, t: t, closed: make(chan struct{})}
}

func (h *fakeHub) addr() string    { return h.tcpLn.Addr().String() }
func (h *fakeHub) udpAddr() string { return h.udp.LocalAddr().String() }

func (h *fakeHub) close() {
	close(h.closed)
	h.tcpLn.Close()
	h.udp.Close()
}

// acceptAndAuth accepts exactly one TCP connection, replies to its AUTH
// frame, and returns the connection for further scripted behavior.
func (h *fakeHub) acceptAndAuth() (net.Conn, *bufio.Reader) {
	conn, err := h.tcpLn.Accept()
	if err != nil {
		h.t.Fatalf("accept: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		h.t.Fatalf("read auth: %v", err)
	}
	env, ok := protocol.Decode(line)
	if !ok || env.Type != protocol.KindAuth {
		h.t.Fatalf("expected AUTH frame, got ok=%v type=%v", ok, env.Type)
	}
	reply, err := protocol.Encode(protocol.KindAuth, "SERVER", "welcome", protocol.EncodeOptions{Now: time.Now()})
	if err != nil {
		h.t.Fatalf("encode auth reply: %v", err)
	}
	reply = append(reply, '\n')
	if _, err := conn.Write(reply); err != nil {
		h.t.Fatalf("write auth reply: %v", err)
	}
	return conn, reader
}

func TestConnectPerformsAuthHandshake(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t)
	defer hub.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, _ := hub.acceptAndAuth()
		defer conn.Close()
		<-hub.closed
	}()

	eng := New(reliableudp.Options{})
	defer eng.Disconnect()

	ok, err := eng.Connect(context.Background(), hub.addr(), hub.udpAddr(), "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !ok {
		t.Fatalf("expected successful AUTH handshake")
	}
}

func TestSendChatSucceedsOnHubAck(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t)
	defer hub.close()

	go func() {
		conn, _ := hub.acceptAndAuth()
		defer conn.Close()
		<-hub.closed
	}()

	// Hub-side UDP loop: decode CHAT, ACK it back to the sender.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := hub.udp.ReadFromUDP(buf)
			if err != nil {
				return
			}
			env, ok := protocol.Decode(buf[:n])
			if !ok || env.Type != protocol.KindChat {
				continue
			}
			ack, err := protocol.Encode(protocol.KindAck, "SERVER", env.ID, protocol.EncodeOptions{Now: time.Now()})
			if err != nil {
				continue
			}
			hub.udp.WriteToUDP(ack, from)
		}
	}()

	eng := New(reliableudp.Options{Timeout: 200 * time.Millisecond})
	defer eng.Disconnect()

	ok, err := eng.Connect(context.Background(), hub.addr(), hub.udpAddr(), "alice")
	if err != nil || !ok {
		t.Fatalf("connect failed: ok=%v err=%v", ok, err)
	}

	acked, err := eng.SendChat("hello")
	if err != nil {
		t.Fatalf("send chat: %v", err)
	}
	if !acked {
		t.Fatalf("expected chat to be acknowledged")
	}
}

func TestIncomingChatInvokesOnMessage(t *testing.T) {
	t.Parallel()

	hub := newFakeHub(t)
	defer hub.close()

	var clientUDPAddr *net.UDPAddr
	var mu sync.Mutex

	go func() {
		conn, _ := hub.acceptAndAuth()
		defer conn.Close()
		<-hub.closed
	}()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := hub.udp.ReadFromUDP(buf)
			if err != nil {
				return
			}
			mu.Lock()
			clientUDPAddr = from
			mu.Unlock()
			_ = n
		}
	}()

	eng := New(reliableudp.Options{})
	defer eng.Disconnect()

	events := &recordingEvents{}
	eng.SetEvents(events)

	ok, err := eng.Connect(context.Background(), hub.addr(), hub.udpAddr(), "alice")
	if err != nil || !ok {
		t.Fatalf("connect failed: ok=%v err=%v", ok, err)
	}

	// Prime the hub with the client's ephemeral UDP address via a ping.
	if err := eng.PingServer(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return clientUDPAddr != nil
	})

	mu.Lock()
	addr := clientUDPAddr
	mu.Unlock()

	chat, err := protocol.Encode(protocol.KindChat, "bob", "hi alice", protocol.EncodeOptions{Now: time.Now()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := hub.udp.WriteToUDP(chat, addr); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool { return events.messageCount() == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}
