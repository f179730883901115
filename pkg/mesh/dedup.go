package mesh

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
)

// dedupWindow is the sliding window over which (content_hash, source) pairs
// are remembered (spec.md §4.11).
const dedupWindow = 2 * time.Second

// contentHash hashes a datagram's payload together with its source virtual
// address, so a packet that loops back through a relay/forward hop hashes
// identically to its first capture (spec.md §4.11 loop prevention).
func contentHash(payload []byte, source netip.Addr) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write(payload)
	if source.IsValid() {
		b := source.As16()
		h.Write(b[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// dedupSet is a sliding-window set of recently seen (content_hash,
// source_virtual_address) pairs. Entries older than dedupWindow are purged
// lazily on each Seen call.
type dedupSet struct {
	mu      sync.Mutex
	entries map[[32]byte]time.Time
}

func newDedupSet() *dedupSet {
	return &dedupSet{entries: make(map[[32]byte]time.Time)}
}

// Seen reports whether (payload, source) was already recorded within the
// window. If not, it is inserted and Seen returns false.
func (d *dedupSet) Seen(payload []byte, source netip.Addr) bool {
	key := contentHash(payload, source)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.entries {
		if now.Sub(t) > dedupWindow {
			delete(d.entries, k)
		}
	}

	if t, ok := d.entries[key]; ok && now.Sub(t) <= dedupWindow {
		return true
	}
	d.entries[key] = now
	return false
}
