package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/lmittmann/tint"
)

func main() {
	// Check for CLI subcommands before parsing flags, same as the
	// teacher's main.go.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	tcpAddr := flag.String("tcp-addr", ":12345", "TCP control-plane listen address")
	udpAddr := flag.String("udp-addr", ":12346", "UDP data-plane listen address")
	adminAddr := flag.String("admin-addr", ":8444", "admin HTTPS listen address (empty to disable)")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity for the admin surface")
	maxConnections := flag.Int("max-connections", 500, "maximum total TCP sessions")
	perIPLimit := flag.Int("per-ip-limit", 10, "maximum TCP sessions per source IP")
	rateLimit := flag.Int("rate-limit", 50, "maximum control messages per second per session")
	flag.Parse()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[hub] shutting down...")
		cancel()
	}()

	metrics := NewMetrics()
	hub := NewHub(Config{
		TCPAddr:          *tcpAddr,
		UDPAddr:          *udpAddr,
		MaxConnections:   *maxConnections,
		PerIPLimit:       *perIPLimit,
		ControlRateLimit: *rateLimit,
	}, metrics)

	go RunMetrics(ctx, metrics, 5*time.Second)

	if *adminAddr != "" {
		tlsHostname := ""
		if host, _, err := net.SplitHostPort(*adminAddr); err == nil && host != "" {
			tlsHostname = host
		}
		tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
		if err != nil {
			log.Fatalf("[admin] %v", err)
		}
		log.Printf("[admin] TLS certificate fingerprint: %s", fingerprint)

		admin := NewAdminServer(hub, tlsConfig)
		go func() {
			if err := admin.Run(ctx, *adminAddr); err != nil {
				log.Printf("[admin] %v", err)
			}
		}()
	}

	if err := hub.Run(ctx); err != nil {
		log.Fatalf("[hub] %v", err)
	}
}
