package mesh

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupSetFirstSeenThenDuplicate(t *testing.T) {
	d := newDedupSet()
	src := netip.MustParseAddr("10.77.0.2")
	payload := []byte("hello")

	assert.False(t, d.Seen(payload, src))
	assert.True(t, d.Seen(payload, src))
}

func TestDedupSetDistinguishesBySource(t *testing.T) {
	d := newDedupSet()
	payload := []byte("hello")
	srcA := netip.MustParseAddr("10.77.0.2")
	srcB := netip.MustParseAddr("10.77.0.3")

	assert.False(t, d.Seen(payload, srcA))
	assert.False(t, d.Seen(payload, srcB))
}

func TestDedupSetDistinguishesByPayload(t *testing.T) {
	d := newDedupSet()
	src := netip.MustParseAddr("10.77.0.2")

	assert.False(t, d.Seen([]byte("one"), src))
	assert.False(t, d.Seen([]byte("two"), src))
}

func TestContentHashStable(t *testing.T) {
	src := netip.MustParseAddr("10.77.0.2")
	h1 := contentHash([]byte("payload"), src)
	h2 := contentHash([]byte("payload"), src)
	assert.Equal(t, h1, h2)
}
