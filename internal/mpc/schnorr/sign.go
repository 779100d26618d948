package schnorr

import (
	"crypto/sha256"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
)

// signState accumulates one FROST signing round's nonce commitments and
// partial signatures. d and e are this party's own ephemeral nonce secrets,
// never put on the wire.
type signState struct {
	lock *partyLock

	d, e *big.Int

	nonceD map[int]*btcec.PublicKey
	nonceE map[int]*btcec.PublicKey

	partials map[int]*big.Int
}

func newSignState() *signState {
	return &signState{
		lock:     newPartyLock(),
		nonceD:   make(map[int]*btcec.PublicKey),
		nonceE:   make(map[int]*btcec.PublicKey),
		partials: make(map[int]*big.Int),
	}
}

// lagrangeCoefficient returns lambda_i for party i within signingSet, the
// standard Shamir reconstruction weight.
func lagrangeCoefficient(self int, signingSet []int, ks map[int]*big.Int, q *big.Int) *big.Int {
	num := big.NewInt(1)
	den := big.NewInt(1)
	ki := ks[self]
	for _, j := range signingSet {
		if j == self {
			continue
		}
		kj := ks[j]
		num = new(big.Int).Mod(new(big.Int).Mul(num, new(big.Int).Neg(kj)), q)
		den = new(big.Int).Mod(new(big.Int).Mul(den, new(big.Int).Sub(ki, kj)), q)
	}
	denInv := new(big.Int).ModInverse(den, q)
	return common.ModInt(q).Mul(num, denInv)
}

// taggedHash implements the BIP340 tagged-hash construction:
// SHA256(SHA256(tag) || SHA256(tag) || msg).
func taggedHash(tag string, msgs ...[]byte) *big.Int {
	tagHash := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	for _, m := range msgs {
		h.Write(m)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

// xBytes32 returns the big-endian, 32-byte-padded X coordinate of p, the
// BIP340 x-only encoding.
func xBytes32(p *btcec.PublicKey) []byte {
	out := make([]byte, 32)
	p.X().FillBytes(out)
	return out
}

// runSign executes FROST's two-round signing ceremony for signingSet against
// digest (a 32-byte message hash) and returns a 64-byte BIP340 signature
// (r || s). share.GroupPublicKey and every Xi are already normalized to
// even-Y by keygen, so only the fresh per-signature nonce commitment needs a
// parity check here.
func runSign(self int, digest []byte, signingSet []int, share *ShareData, send Sender, st *signState) ([]byte, error) {
	q := Curve().Params().N

	d := common.GetRandomPositiveInt(q)
	e := common.GetRandomPositiveInt(q)
	D := scalarBaseMult(d)
	E := scalarBaseMult(e)

	st.lock.mu.Lock()
	st.d, st.e = d, e
	st.lock.mu.Unlock()

	payload := signNonceMsg{D: D.SerializeCompressed(), E: E.SerializeCompressed()}
	raw, err := encodeEnvelope(msgSignNonce, self, payload)
	if err != nil {
		return nil, err
	}
	send(raw, true, 0)

	st.lock.mu.Lock()
	st.nonceD[self] = D
	st.nonceE[self] = E
	st.lock.mu.Unlock()
	st.lock.signal()

	st.lock.waitUntil(func() bool {
		return len(st.nonceD) == len(signingSet) && len(st.nonceE) == len(signingSet)
	})

	// FROST binding factor: rho_i = H(i, msg, sorted commitment list), binding
	// every signer's nonce pair to this specific signing session so a
	// malicious coordinator can't mix-and-match nonces across ceremonies.
	sorted := append([]int(nil), signingSet...)
	sort.Ints(sorted)
	commitList := make([]byte, 0, len(sorted)*66)
	for _, j := range sorted {
		commitList = append(commitList, st.nonceD[j].SerializeCompressed()...)
		commitList = append(commitList, st.nonceE[j].SerializeCompressed()...)
	}

	rhos := make(map[int]*big.Int, len(sorted))
	var rSum *btcec.PublicKey
	for _, j := range sorted {
		idxBytes := big.NewInt(int64(j)).Bytes()
		rho := new(big.Int).Mod(taggedHash("schnorr-threshold/binding", idxBytes, digest, commitList), q)
		rhos[j] = rho

		rj := addPoints(st.nonceD[j], scalarMult(st.nonceE[j], rho))
		if rSum == nil {
			rSum = rj
		} else {
			rSum = addPoints(rSum, rj)
		}
	}

	negate := rSum.SerializeCompressed()[0] == 0x03
	if negate {
		d = new(big.Int).Mod(new(big.Int).Neg(d), q)
		e = new(big.Int).Mod(new(big.Int).Neg(e), q)
		rSum = negatePoint(rSum)
	}

	challenge := new(big.Int).Mod(
		taggedHash("BIP0340/challenge", xBytes32(rSum), xBytes32(share.GroupPublicKey), digest),
		q,
	)

	lambda := lagrangeCoefficient(self, signingSet, share.Ks, q)
	zi := common.ModInt(q).Add(d, common.ModInt(q).Mul(rhos[self], e))
	zi = common.ModInt(q).Add(zi, common.ModInt(q).Mul(challenge, common.ModInt(q).Mul(lambda, share.Xi)))

	zPayload := signPartialMsg{Z: zi.Bytes()}
	raw, err = encodeEnvelope(msgSignPartial, self, zPayload)
	if err != nil {
		return nil, err
	}
	send(raw, true, 0)

	st.lock.mu.Lock()
	st.partials[self] = zi
	st.lock.mu.Unlock()
	st.lock.signal()

	st.lock.waitUntil(func() bool {
		return len(st.partials) == len(signingSet)
	})

	z := big.NewInt(0)
	for _, part := range st.partials {
		z = common.ModInt(q).Add(z, part)
	}

	sig := make([]byte, 64)
	copy(sig[:32], xBytes32(rSum))
	zBytes := make([]byte, 32)
	z.FillBytes(zBytes)
	copy(sig[32:], zBytes)
	return sig, nil
}

// handleSignMsg feeds one inbound envelope into the signing round's state.
func handleSignMsg(st *signState, env envelope) error {
	switch env.Type {
	case msgSignNonce:
		var m signNonceMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		d, err := btcec.ParsePubKey(m.D)
		if err != nil {
			return errors.Wrap(err, "parsing nonce commitment D")
		}
		e, err := btcec.ParsePubKey(m.E)
		if err != nil {
			return errors.Wrap(err, "parsing nonce commitment E")
		}
		st.lock.mu.Lock()
		st.nonceD[env.From] = d
		st.nonceE[env.From] = e
		st.lock.mu.Unlock()
		st.lock.signal()

	case msgSignPartial:
		var m signPartialMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		st.lock.mu.Lock()
		st.partials[env.From] = new(big.Int).SetBytes(m.Z)
		st.lock.mu.Unlock()
		st.lock.signal()
	}
	return nil
}
