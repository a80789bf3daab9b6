package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// defaultAdminAddr is used by the "status" subcommand when the caller
// doesn't override it.
const defaultAdminAddr = "localhost:8444"

// RunCLI handles subcommand execution before flag parsing, the same
// ahead-of-flag.Parse dispatch shape as the teacher's cli.go. There is no
// persisted state to administer here (SPEC_FULL.md §6), so subcommands
// that the teacher backed with a sqlite store are replaced with "status",
// which instead reads the live admin HTTPS surface (component C7).
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("chatmesh hub %s\n", Version)
		return true
	case "status":
		addr := defaultAdminAddr
		if len(args) > 1 {
			addr = args[1]
		}
		return cliStatus(addr)
	default:
		return false
	}
}

// cliStatus queries a running hub's /health endpoint over HTTPS. The admin
// surface's certificate is self-signed (tls.go), so verification is
// skipped here the same way an operator's curl -k would.
func cliStatus(addr string) bool {
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, //nolint:gosec
	}

	resp, err := client.Get("https://" + addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error contacting %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading response: %v\n", err)
		os.Exit(1)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return true
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return true
}
