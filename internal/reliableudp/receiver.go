package reliableudp

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultReceiveBufferGC is how long an out-of-order datagram waits for its
// gap to close before it is discarded, per SPEC_FULL.md §4.2.
const DefaultReceiveBufferGC = 30 * time.Second

type bufferedEntry struct {
	data     []byte
	storedAt time.Time
}

// ReceiveBuffer enforces strict in-order delivery per remote peer: a
// datagram is delivered to the caller only once every lower sequence number
// has already been delivered. Out-of-order arrivals are buffered until the
// gap closes or they age out; duplicates and stragglers behind the last
// delivered sequence are dropped silently.
//
// Sequence numbers start at 1: Sender.SendReliable assigns them from a
// zero-valued atomic.Uint32 counter, so the first datagram a peer ever sends
// carries seq 1, never 0. A peer with no history is treated as having
// already delivered seq 0, so its first admissible sequence is 1.
//
// Sequence numbers are compared as a simple increasing integer, not with
// RFC 1982-style cyclic arithmetic — a peer that sends past 65535 wraps back
// to 0, which ProcessReceived will treat as "behind" and drop. This mirrors
// the 16-bit rollover gap called out in SPEC_FULL.md §9 and is left
// unfixed by design (Decision in DESIGN.md).
type ReceiveBuffer struct {
	clock   clockwork.Clock
	gcAfter time.Duration

	mu      sync.Mutex
	lastSeq map[string]int32 // peer -> last delivered seq, 0 if none yet
	pending map[string]map[uint16]bufferedEntry
}

// NewReceiveBuffer builds a ReceiveBuffer. A zero gcAfter selects
// DefaultReceiveBufferGC.
func NewReceiveBuffer(clock clockwork.Clock, gcAfter time.Duration) *ReceiveBuffer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if gcAfter <= 0 {
		gcAfter = DefaultReceiveBufferGC
	}
	return &ReceiveBuffer{
		clock:   clock,
		gcAfter: gcAfter,
		lastSeq: make(map[string]int32),
		pending: make(map[string]map[uint16]bufferedEntry),
	}
}

// ProcessReceived admits one datagram from peer carrying sequence seq and
// payload data, and returns the run of payloads (possibly empty, possibly
// more than one) that are now deliverable in order.
func (b *ReceiveBuffer) ProcessReceived(peer string, seq uint16, data []byte) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gcLocked()

	last := b.lastSeq[peer] // zero value (0) if peer is unseen
	s := int32(seq)

	var delivered [][]byte
	switch {
	case s <= last:
		// Duplicate or stale retransmit; already delivered.
		return nil
	case s == last+1:
		delivered = append(delivered, data)
		last = s
		for {
			next := uint16(last + 1)
			entry, ok := b.pending[peer][next]
			if !ok {
				break
			}
			delivered = append(delivered, entry.data)
			delete(b.pending[peer], next)
			last++
		}
		b.lastSeq[peer] = last
	default:
		if b.pending[peer] == nil {
			b.pending[peer] = make(map[uint16]bufferedEntry)
		}
		b.pending[peer][seq] = bufferedEntry{data: data, storedAt: b.clock.Now()}
	}
	return delivered
}

// gcLocked drops buffered out-of-order entries older than gcAfter. Callers
// must hold b.mu.
func (b *ReceiveBuffer) gcLocked() {
	now := b.clock.Now()
	for peer, bucket := range b.pending {
		for seq, entry := range bucket {
			if now.Sub(entry.storedAt) > b.gcAfter {
				delete(bucket, seq)
			}
		}
		if len(bucket) == 0 {
			delete(b.pending, peer)
		}
	}
}

// PendingCount returns the number of buffered out-of-order datagrams for
// peer, for tests and metrics.
func (b *ReceiveBuffer) PendingCount(peer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[peer])
}
