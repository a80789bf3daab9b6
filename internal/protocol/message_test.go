package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindChat, "alice", "hi", EncodeOptions{
		Now: time.UnixMilli(1_700_000_000_000).UTC(),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, ok := Decode(data)
	if !ok {
		t.Fatalf("decode rejected a freshly encoded message")
	}
	if env.Type != KindChat || env.User != "alice" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	got, ok := env.ContentString()
	if !ok || got != "hi" {
		t.Fatalf("content mismatch: got=%q ok=%v", got, ok)
	}
	if len(env.Checksum) != ChecksumLen {
		t.Fatalf("checksum length = %d, want %d", len(env.Checksum), ChecksumLen)
	}
}

func TestEncodeFillsIDWhenAbsent(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_123).UTC()
	data, err := Encode(KindPing, "bob", nil, EncodeOptions{Now: now})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, ok := Decode(data)
	if !ok {
		t.Fatalf("decode failed")
	}
	if env.ID != "1700000000123" {
		t.Fatalf("id = %q, want millisecond timestamp", env.ID)
	}
}

func TestDecodeRejectsTamperedField(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindChat, "alice", "hi", EncodeOptions{
		Now: time.UnixMilli(1_700_000_000_000).UTC(),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env.User = "mallory"
	tampered, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, ok := Decode(tampered); ok {
		t.Fatalf("decode accepted a message with a tampered field")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, ok := Decode([]byte("{not json")); ok {
		t.Fatalf("decode accepted malformed JSON")
	}
	if _, ok := Decode([]byte("")); ok {
		t.Fatalf("decode accepted empty input")
	}
}

func TestDecodeRejectsMissingChecksum(t *testing.T) {
	t.Parallel()

	raw := `{"type":"CHAT","id":"1","time":"2024-01-01 00:00:00","user":"alice","content":"hi"}`
	if _, ok := Decode([]byte(raw)); ok {
		t.Fatalf("decode accepted a message with no checksum")
	}
}

func TestChecksumCoversSeqAndRecipient(t *testing.T) {
	t.Parallel()

	seq := uint16(7)
	data, err := Encode(KindDirect, "alice", "psst", EncodeOptions{
		Now:       time.UnixMilli(1_700_000_000_000).UTC(),
		Seq:       &seq,
		Recipient: "bob",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	env.Recipient = "carol"
	tampered, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, ok := Decode(tampered); ok {
		t.Fatalf("decode accepted a message with a tampered recipient")
	}
}

func TestContentStringsAndTopoPayload(t *testing.T) {
	t.Parallel()

	data, err := Encode(KindUsers, "SERVER", []string{"alice", "bob"}, EncodeOptions{Now: time.Now()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, ok := Decode(data)
	if !ok {
		t.Fatalf("decode failed")
	}
	users, ok := env.ContentStrings()
	if !ok {
		t.Fatalf("ContentStrings failed")
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("unexpected users: %v", users)
	}

	snap := TopoSnapshot{
		Nodes:       []TopoNode{{User: "alice", IP: "127.0.0.1", Port: 1, LatencyMs: 12}},
		Connections: []TopoEdge{{From: "alice", To: "bob", Quality: 50}},
	}
	data, err = Encode(KindTopo, "SERVER", snap, EncodeOptions{Now: time.Now()})
	if err != nil {
		t.Fatalf("encode topo: %v", err)
	}
	env, ok = Decode(data)
	if !ok {
		t.Fatalf("decode topo failed")
	}
	var got TopoSnapshot
	if err := env.ContentAs(&got); err != nil {
		t.Fatalf("ContentAs: %v", err)
	}
	if len(got.Nodes) != 1 || len(got.Connections) != 1 {
		t.Fatalf("unexpected snapshot: %#v", got)
	}
}
