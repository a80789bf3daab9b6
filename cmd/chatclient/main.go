// chatclient is a thin terminal wrapper around internal/clientengine,
// mirroring the teacher's decision to ship the client as its own
// executable (client/main.go) separate from the server binary.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"chatmesh/internal/protocol"
	"chatmesh/internal/reliableudp"

	"chatmesh/internal/clientengine"
)

// terminalEvents prints every callback straight to stdout. It implements
// clientengine.CoreEvents.
type terminalEvents struct{}

func (terminalEvents) OnMessage(user, content, timestamp string) {
	fmt.Printf("[%s] %s: %s\n", timestamp, user, content)
}

func (terminalEvents) OnDirectMessage(user, content, timestamp string) {
	fmt.Printf("[%s] (direct) %s: %s\n", timestamp, user, content)
}

func (terminalEvents) OnUserJoin(text string) { fmt.Printf("* %s\n", text) }
func (terminalEvents) OnUserLeave(text string) { fmt.Printf("* %s\n", text) }

func (terminalEvents) OnUserList(users []string) {
	fmt.Printf("* users online: %s\n", strings.Join(users, ", "))
}

func (terminalEvents) OnTopologyData(snap protocol.TopoSnapshot) {
	fmt.Printf("* topology: %d nodes, %d links\n", len(snap.Nodes), len(snap.Connections))
	for _, e := range snap.Connections {
		fmt.Printf("    %s <-> %s (quality %d)\n", e.From, e.To, e.Quality)
	}
}

func main() {
	tcpAddr := flag.String("tcp-addr", "localhost:12345", "hub TCP control address")
	udpAddr := flag.String("udp-addr", "localhost:12346", "hub UDP data address")
	username := flag.String("user", "", "username to authenticate as (required)")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: chatclient -user <name> [-tcp-addr host:port] [-udp-addr host:port]")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	eng := clientengine.New(reliableudp.Options{})
	eng.SetEvents(terminalEvents{})
	defer eng.Disconnect()

	ok, err := eng.Connect(ctx, *tcpAddr, *udpAddr, *username)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if !ok {
		log.Fatalf("authentication rejected (username %q may already be in use)", *username)
	}
	fmt.Printf("connected as %s. Commands: /users /topo /ping [user] /msg <user> <text>, or just type to chat.\n", *username)

	scanner := bufio.NewScanner(os.Stdin)
	go func() {
		<-ctx.Done()
		os.Stdin.Close()
	}()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := dispatchCommand(eng, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func dispatchCommand(eng *clientengine.Engine, line string) error {
	switch {
	case line == "/users":
		return eng.RequestUsers()
	case line == "/topo":
		return eng.RequestTopology()
	case line == "/ping":
		return eng.PingAll()
	case strings.HasPrefix(line, "/ping "):
		return eng.PingUser(strings.TrimPrefix(line, "/ping "))
	case strings.HasPrefix(line, "/msg "):
		rest := strings.TrimPrefix(line, "/msg ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: /msg <user> <text>")
		}
		ok, err := eng.SendDirect(parts[0], parts[1])
		if err == nil && !ok {
			return fmt.Errorf("message to %s was not acknowledged", parts[0])
		}
		return err
	default:
		ok, err := eng.SendChat(line)
		if err == nil && !ok {
			return fmt.Errorf("message was not acknowledged by the hub")
		}
		return err
	}
}
