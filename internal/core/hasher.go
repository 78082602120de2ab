package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed seeds the envelope chain. Changing it forks every log.
const GenesisHashSeed = "CDPLedger:genesis:v1"

const envelopeHashDomain = "CDPLedger:envelope:v1"

// GenesisHash is the PrevHash of the envelope at sequence 1.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHash links an applied request to its predecessor:
//
//	SHA-256(domain || prev || sequence (8 bytes BE) || len(digest) (4 bytes BE) || digest)
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(envelopeHashDomain))
	h.Write(prev[:])

	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[:8], uint64(sequence))
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(digest)))
	h.Write(hdr[:])
	h.Write(digest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashChain holds the tip of the envelope chain. Only the core goroutine
// touches it.
type hashChain struct {
	tip [32]byte
}

func newHashChain() *hashChain {
	return &hashChain{tip: GenesisHash()}
}

// link extends the chain by one applied request and returns the previous
// and new tips.
func (hc *hashChain) link(sequence int64, digest []byte) (prev, next [32]byte) {
	prev = hc.tip
	hc.tip = ChainHash(prev, sequence, digest)
	return prev, hc.tip
}

func (hc *hashChain) head() [32]byte {
	return hc.tip
}

// resume continues the chain from a snapshot's state hash.
func (hc *hashChain) resume(tip [32]byte) {
	hc.tip = tip
}
