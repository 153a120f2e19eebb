// Package transaction implements the 8-byte KRPC transaction id generator:
// a 5-byte action id identifying a higher-level operation (bootstrap,
// lookup, refresh) concatenated with a 3-byte message id unique within that
// action. Both halves are served from shuffled, wrapping preallocation
// blocks so consecutive ids are not guessable from their predecessor.
package transaction

import (
	"math/rand"
)

// ActionIDLen and MessageIDLen are the byte widths of the two halves of an
// 8-byte transaction id.
const (
	ActionIDLen  = 5
	MessageIDLen = 3

	actionModulus  = uint64(1) << (ActionIDLen * 8)
	messageModulus = uint64(1) << (MessageIDLen * 8)

	// DefaultBlockSize balances shuffle cost against cache locality for
	// production use.
	DefaultBlockSize = 2048
)

// ID is an 8-byte transaction id: ActionIDLen bytes of action id followed by
// MessageIDLen bytes of message id.
type ID [ActionIDLen + MessageIDLen]byte

// ActionID returns the action-id prefix of the transaction id, used to
// route a response back to its owning bootstrap/lookup/refresh action.
func (id ID) ActionID() [ActionIDLen]byte {
	var out [ActionIDLen]byte
	copy(out[:], id[:ActionIDLen])
	return out
}

// block is a shuffled, wrapping preallocation window over [0, modulus).
type block struct {
	modulus   uint64
	size      int
	rng       *rand.Rand
	ids       []uint64
	pos       int
	nextStart uint64
}

func newBlock(modulus uint64, size int, rng *rand.Rand) *block {
	if uint64(size) > modulus {
		size = int(modulus)
	}
	b := &block{modulus: modulus, size: size, rng: rng}
	b.refill()
	return b
}

func (b *block) refill() {
	b.ids = make([]uint64, b.size)
	for i := range b.ids {
		b.ids[i] = (b.nextStart + uint64(i)) % b.modulus
	}
	b.rng.Shuffle(len(b.ids), func(i, j int) { b.ids[i], b.ids[j] = b.ids[j], b.ids[i] })
	b.nextStart = (b.nextStart + uint64(b.size)) % b.modulus
	b.pos = 0
}

func (b *block) next() uint64 {
	if b.pos >= len(b.ids) {
		b.refill()
	}
	v := b.ids[b.pos]
	b.pos++
	return v
}

func put(dst []byte, v uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// Generator is the shared, process-wide action-id source. Create one per
// DhtHandler.
type Generator struct {
	rng       *rand.Rand
	actions   *block
	blockSize int
}

// New returns a Generator using the production block size.
func New(rng *rand.Rand) *Generator {
	return NewWithBlockSize(rng, DefaultBlockSize)
}

// NewWithBlockSize returns a Generator with an explicit preallocation block
// size, so tests can exhaust wraparound quickly (e.g. 16).
func NewWithBlockSize(rng *rand.Rand, blockSize int) *Generator {
	return &Generator{
		rng:       rng,
		actions:   newBlock(actionModulus, blockSize, rng),
		blockSize: blockSize,
	}
}

// Action owns a stream of message ids all sharing one action id.
type Action struct {
	actionID [ActionIDLen]byte
	messages *block
}

// NewAction allocates a fresh action id and its own message-id stream.
func (g *Generator) NewAction() *Action {
	var actionID [ActionIDLen]byte
	put(actionID[:], g.actions.next())
	return &Action{
		actionID: actionID,
		messages: newBlock(messageModulus, g.blockSize, g.rng),
	}
}

// Next returns the next transaction id for this action.
func (a *Action) Next() ID {
	var out ID
	copy(out[:ActionIDLen], a.actionID[:])
	put(out[ActionIDLen:], a.messages.next())
	return out
}

// ActionID returns this action's fixed 5-byte id.
func (a *Action) ActionID() [ActionIDLen]byte {
	return a.actionID
}
