package comm

import (
	"math/rand"
	"time"

	"github.com/danmuck/commlink/internal/wire"
)

// keyRing tracks handshake keys for one communicator: keys for pings this
// side has sent and still awaits an echo for, and keys this side has
// promised to admit a payload for.
type keyRing struct {
	outstanding map[uint32]struct{}
	accepted    map[uint32]time.Time
	ttl         time.Duration
}

// newKeyRing builds an empty ring. ttl bounds how long an accepted key is
// admissible; 0 keeps accepted keys until their payload arrives (no expiry).
func newKeyRing(ttl time.Duration) *keyRing {
	return &keyRing{
		outstanding: make(map[uint32]struct{}),
		accepted:    make(map[uint32]time.Time),
		ttl:         ttl,
	}
}

func (r *keyRing) markPinged(key uint32) {
	r.outstanding[key] = struct{}{}
}

func (r *keyRing) observeEcho(key uint32) {
	delete(r.outstanding, key)
}

func (r *keyRing) awaiting(key uint32) bool {
	_, ok := r.outstanding[key]
	return ok
}

// drainOutstanding clears every pending ping key. Runs after each ping
// attempt regardless of outcome so stray state cannot leak into the next.
func (r *keyRing) drainOutstanding() {
	clear(r.outstanding)
}

func (r *keyRing) accept(key uint32) {
	r.accepted[key] = time.Now()
}

// admit consumes key if it was previously accepted and has not expired.
func (r *keyRing) admit(key uint32) bool {
	at, ok := r.accepted[key]
	if !ok {
		return false
	}
	delete(r.accepted, key)
	if r.ttl > 0 && time.Since(at) > r.ttl {
		return false
	}
	return true
}

func (r *keyRing) acceptedCount() int {
	return len(r.accepted)
}

// keyGen produces handshake keys. It never yields wire.NoKey, which is
// reserved to mean "no handshake".
type keyGen struct {
	rng *rand.Rand
}

func newKeyGen() *keyGen {
	return &keyGen{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *keyGen) next() uint32 {
	for {
		if key := g.rng.Uint32(); key != wire.NoKey {
			return key
		}
	}
}
