// Package ecdsa implements the ECDSA-threshold ciphersuite: Feldman-VSS
// distributed key generation (DKG Phase A), Paillier/Ring-Pedersen
// auxiliary-info generation (DKG Phase B), MtA-based presignature
// generation and both cold and presigned-fast signing. The outer wrapper
// (NewParty/Init/KeyGen/Sign/SetShareData/TPubKey/Sender/Logger/OnMsg) is
// grounded on ecdsa/mpc_test.go, the only surviving trace of the teacher's
// own party.go — every method that file exercises is reproduced here.
// Internally this package does not attempt to reconstruct tss-lib's
// round/LocalParty machinery (whose defining files were never retrieved,
// only ecdsa/cggplus/round_2.go and its _test.go survive out of a much
// larger state machine); see DESIGN.md for that scope decision.
package ecdsa

import (
	stdecdsa "crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/kisdex/mpc-custody/internal/mpc/paillier"
	"github.com/kisdex/mpc-custody/internal/mpc/zkproofs"
)

// Curve is the group every ECDSA-threshold wallet operates over.
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

// Identity is a party's numeric handle within one DKG/signing group.
type Identity struct {
	Index int
	Key   []byte // big-endian encoding of Index, the wire identity peers compare against
}

// ShareData is one party's saved output of DKG Phase A + Phase B: the
// Feldman-VSS secret share, the group's verification points, and the
// Paillier/Ring-Pedersen auxiliary material every other party published.
type ShareData struct {
	Threshold      int
	PartyCount     int
	Self           int
	Xi             *big.Int            // this party's secret share
	GroupPublicKey *btcec.PublicKey    // the wallet's combined public key
	BigXj          map[int]*btcec.PublicKey // xj*G for every party, for verification
	Ks             map[int]*big.Int    // x-coordinate (party index) used in Lagrange interpolation
	PaillierSK     *paillier.PrivateKey
	PaillierPKs    map[int]*paillier.PublicKey
	RingPedersen   map[int]*zkproofs.RingPedersenParams
}

func (s *ShareData) ringPedersenFor(j int) *zkproofs.RingPedersenParams {
	if s.RingPedersen == nil {
		return nil
	}
	return s.RingPedersen[j]
}

// ECDSAPublicKey converts the saved group key to a standard library key for
// verification against btcec/crypto/ecdsa-compatible signatures.
func (s *ShareData) ECDSAPublicKey() *stdecdsa.PublicKey {
	if s.GroupPublicKey == nil {
		return nil
	}
	return s.GroupPublicKey.ToECDSA()
}

// partyLock is a tiny condition-variable helper the keygen/presign rounds
// use to block until every expected peer message has arrived.
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
