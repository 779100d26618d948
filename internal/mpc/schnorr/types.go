// Package schnorr implements the Schnorr-threshold ciphersuite: a
// single-round Feldman-VSS DKG and FROST-style two-round signing producing
// BIP340/Taproot-compatible 64-byte signatures. Mirrors the structure of
// internal/mpc/ecdsa (itself grounded on ecdsa/mpc_test.go) the way the
// teacher keeps separate, independently-implemented ecdsa/ and eddsa/
// packages rather than sharing a generic signing core.
package schnorr

import (
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Curve is the group every Schnorr-threshold wallet operates over.
func Curve() *btcec.KoblitzCurve { return btcec.S256() }

// Sender delivers an outbound protocol message either to every other party
// (broadcast) or to a single numeric party id.
type Sender func(msgBytes []byte, broadcast bool, to uint16)

// Logger is the structured logger every party logs through.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// ShareData is one party's saved DKG output: its Feldman-VSS secret share
// and the group's BIP340 x-only public key.
type ShareData struct {
	Threshold      int
	PartyCount     int
	Self           int
	Xi             *big.Int
	GroupPublicKey *btcec.PublicKey // even-Y normalized per BIP340
	Ks             map[int]*big.Int
}

type partyLock struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newPartyLock() *partyLock {
	pl := &partyLock{}
	pl.cond = sync.NewCond(&pl.mu)
	return pl
}

func (p *partyLock) signal() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *partyLock) waitUntil(ready func() bool) {
	p.mu.Lock()
	for !ready() {
		p.cond.Wait()
	}
	p.mu.Unlock()
}
