// Package protocol defines the wire envelope exchanged between clients and
// the hub, and the checksum that guards it.
//
// The wire format is plain JSON: one envelope per UDP datagram, or per
// newline-terminated line on the TCP control stream. Every envelope carries a type tag, an origin-assigned id, a
// timestamp, a sender username, a payload, and a 12-character checksum
// computed over everything else in sorted-key order.
package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the message type tag carried on the wire.
type Kind string

const (
	KindAuth   Kind = "AUTH"
	KindChat   Kind = "CHAT"
	KindAck    Kind = "ACK"
	KindUsers  Kind = "USERS"
	KindJoin   Kind = "JOIN"
	KindLeave  Kind = "LEAVE"
	KindDirect Kind = "DIRECT"
	KindPing   Kind = "PING"
	KindPong   Kind = "PONG"
	KindTopo   Kind = "TOPO"

	// KindFile is reserved for a future MSG_FILE type; never emitted or
	// accepted by this implementation.
	KindFile Kind = "MSG_FILE"
)

// timeLayout is the "YYYY-MM-DD HH:MM:SS" timestamp format used on the wire.
const timeLayout = "2006-01-02 15:04:05"

// ChecksumLen is the number of base64 characters retained from the SHA-256
// digest.
const ChecksumLen = 12

// Envelope is the literal wire shape of a message. Content is kept as raw
// JSON so it can hold a string, a list, or a nested object depending on
// Type; see the Kind-specific payload helpers below for typed access.
type Envelope struct {
	Type      Kind            `json:"type"`
	ID        string          `json:"id"`
	Time      string          `json:"time"`
	User      string          `json:"user"`
	Content   json.RawMessage `json:"content,omitempty"`
	Seq       *uint16         `json:"seq,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Checksum  string          `json:"checksum"`
}

// EncodeOptions carries the optional fields accepted by Encode.
type EncodeOptions struct {
	ID        string  // defaults to the current millisecond timestamp
	Seq       *uint16 // sequence number, present only for data-plane frames
	Recipient string  // present only for DIRECT frames and end-to-end ACKs
	Now       time.Time
}

// Encode builds a framed, checksummed message for kind, sent by user, with
// content marshaled to JSON. If opts.ID is empty it is filled with the
// current millisecond-timestamp counter, matching the origin-id convention
// in SPEC_FULL.md §4.1.
func Encode(kind Kind, user string, content any, opts EncodeOptions) ([]byte, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal content: %w", err)
	}
	// A bare JSON null should be omitted rather than serialized, so that
	// content-less frames (ACK, PING, PONG echoes) round-trip cleanly.
	if string(contentJSON) == "null" {
		contentJSON = nil
	}

	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("%d", now.UnixMilli())
	}

	env := Envelope{
		Type:      kind,
		ID:        id,
		Time:      now.UTC().Format(timeLayout),
		User:      user,
		Content:   contentJSON,
		Seq:       opts.Seq,
		Recipient: opts.Recipient,
	}

	sum, err := checksum(env)
	if err != nil {
		return nil, err
	}
	env.Checksum = sum

	return json.Marshal(env)
}

// Decode parses a raw frame and verifies its checksum. It returns ok=false
// — never an error — on any parse failure or checksum mismatch, per
// SPEC_FULL.md §4.1: malformed or tampered input must never propagate to
// callers as an exception.
func Decode(data []byte) (env Envelope, ok bool) {
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, false
	}
	if env.Type == "" || env.Checksum == "" {
		return Envelope{}, false
	}
	want, err := checksum(env)
	if err != nil {
		return Envelope{}, false
	}
	if want != env.Checksum {
		return Envelope{}, false
	}
	return env, true
}

// checksum computes the 12-character base64 prefix of the SHA-256 digest of
// env's fields other than Checksum, serialized in canonical sorted-key
// order. Go's encoding/json already sorts map[string]any keys
// lexicographically at every nesting level, which is exactly the
// sort_keys=True behaviour SPEC_FULL.md §4.1 specifies — so the canonical
// form is built as a map, not a struct.
func checksum(env Envelope) (string, error) {
	canonical := map[string]any{
		"type": string(env.Type),
		"id":   env.ID,
		"time": env.Time,
		"user": env.User,
	}
	if len(env.Content) > 0 {
		var v any
		if err := json.Unmarshal(env.Content, &v); err != nil {
			return "", fmt.Errorf("protocol: decode content for checksum: %w", err)
		}
		canonical["content"] = v
	}
	if env.Seq != nil {
		canonical["seq"] = *env.Seq
	}
	if env.Recipient != "" {
		canonical["recipient"] = env.Recipient
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("protocol: marshal canonical form: %w", err)
	}

	sum := sha256.Sum256(data)
	encoded := base64.StdEncoding.EncodeToString(sum[:])
	if len(encoded) < ChecksumLen {
		return encoded, nil
	}
	return encoded[:ChecksumLen], nil
}

// Reseal re-signs an already-encoded frame after its Seq field is assigned
// post-hoc — the reliable-UDP sender (internal/reliableudp) learns a
// message's sequence number only once it reaches the front of the send
// queue, after Encode has already run and checksummed the envelope without
// it. Reseal decodes data, overwrites Seq, and recomputes the checksum so
// the wire form stays internally consistent; it never validates the
// incoming checksum, since the caller is resealing its own freshly built
// frame, not one received off the wire.
func Reseal(data []byte, seq uint16) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: reseal: %w", err)
	}
	env.Seq = &seq

	sum, err := checksum(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: reseal: %w", err)
	}
	env.Checksum = sum

	return json.Marshal(env)
}

// ContentString decodes Content as a plain JSON string, the shape used by
// CHAT, DIRECT, AUTH and ACK frames.
func (e Envelope) ContentString() (string, bool) {
	if len(e.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// ContentStrings decodes Content as a list of strings, the shape used by a
// USERS reply.
func (e Envelope) ContentStrings() ([]string, bool) {
	if len(e.Content) == 0 {
		return nil, false
	}
	var list []string
	if err := json.Unmarshal(e.Content, &list); err != nil {
		return nil, false
	}
	return list, true
}

// ContentAs decodes Content into out, the shape used by a TOPO snapshot or
// any other nested-object payload.
func (e Envelope) ContentAs(out any) error {
	if len(e.Content) == 0 {
		return fmt.Errorf("protocol: empty content")
	}
	return json.Unmarshal(e.Content, out)
}
