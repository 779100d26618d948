package ecdsa

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
)

// signState accumulates every signer's partial signature share for one
// message digest.
type signState struct {
	lock   *partyLock
	shares map[int]*big.Int
}

func newSignState() *signState {
	return &signState{lock: newPartyLock(), shares: make(map[int]*big.Int)}
}

// finishSign combines a cached presignature with a message digest to
// produce this party's partial signature share, broadcasts it, then waits
// for every other signer's share and assembles the final DER signature.
// s_i = m*k_i + r*sigma_i mod q, and s = sum_i s_i mod q (GG18 Figure 3).
func finishSign(self int, digest []byte, presig *Presignature, send Sender, st *signState) ([]byte, error) {
	q := Curve().Params().N
	m := hashToInt(digest, q)
	r := new(big.Int).Mod(presig.R.X(), q)

	sShare := common.ModInt(q).Add(
		common.ModInt(q).Mul(m, presig.Ki),
		common.ModInt(q).Mul(r, presig.SigmaI),
	)

	payload := signPartialMsg{SShare: sShare.Bytes()}
	raw, err := encodeEnvelope(msgSignPartial, self, payload)
	if err != nil {
		return nil, err
	}
	send(raw, true, 0)

	st.lock.mu.Lock()
	st.shares[self] = sShare
	st.lock.mu.Unlock()
	st.lock.signal()

	st.lock.waitUntil(func() bool {
		return len(st.shares) == len(presig.SigningSet)
	})

	s := big.NewInt(0)
	for _, share := range st.shares {
		s = common.ModInt(q).Add(s, share)
	}

	// canonicalize to low-S form, the form every Bitcoin consensus rule
	// requires.
	halfQ := new(big.Int).Rsh(q, 1)
	if s.Cmp(halfQ) == 1 {
		s = new(big.Int).Sub(q, s)
	}

	var rScalar, sScalar btcec.ModNScalar
	rBytes := make([]byte, 32)
	r.FillBytes(rBytes)
	rScalar.SetByteSlice(rBytes)
	sBytes := make([]byte, 32)
	s.FillBytes(sBytes)
	sScalar.SetByteSlice(sBytes)

	sig := btcecdsa.NewSignature(&rScalar, &sScalar)
	return sig.Serialize(), nil
}

func handleSignMsg(st *signState, env envelope) error {
	if env.Type != msgSignPartial {
		return nil
	}
	var m signPartialMsg
	if err := unmarshalPayload(env.Payload, &m); err != nil {
		return errors.Wrap(err, "decoding sign partial message")
	}
	st.lock.mu.Lock()
	st.shares[env.From] = new(big.Int).SetBytes(m.SShare)
	st.lock.mu.Unlock()
	st.lock.signal()
	return nil
}

// hashToInt reduces a message digest to a curve-order-bounded scalar the
// way FIPS 186 does: take the leftmost bits of the digest up to the
// curve's bit length.
func hashToInt(digest []byte, q *big.Int) *big.Int {
	z := new(big.Int).SetBytes(digest)
	bitLen := q.BitLen()
	if excess := len(digest)*8 - bitLen; excess > 0 {
		z = new(big.Int).Rsh(z, uint(excess))
	}
	return z
}
