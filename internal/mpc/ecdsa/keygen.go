package ecdsa

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
	"github.com/kisdex/mpc-custody/internal/mpc/paillier"
	"github.com/kisdex/mpc-custody/internal/mpc/zkproofs"
)

const (
	paillierBits     = 2048
	ringPedersenBits = 2048
)

// keygenState accumulates the two DKG phases' inbound messages for one
// party until every peer (including itself) has contributed.
type keygenState struct {
	lock *partyLock

	commitments map[int][]*btcec.PublicKey // sender -> Feldman commitments C_0..C_t (t = threshold)
	shares      map[int]*big.Int           // sender -> f_sender(self)
	auxN        map[int]*big.Int           // sender -> Paillier N
	auxRP       map[int]*zkproofs.RingPedersenParams
}

func newKeygenState() *keygenState {
	return &keygenState{
		lock:        newPartyLock(),
		commitments: make(map[int][]*btcec.PublicKey),
		shares:      make(map[int]*big.Int),
		auxN:        make(map[int]*big.Int),
		auxRP:       make(map[int]*zkproofs.RingPedersenParams),
	}
}

// runKeygen drives Feldman-VSS DKG (Phase A) and Paillier/Ring-Pedersen
// auxiliary-info generation (Phase B) to completion, returning this party's
// saved share data. ids is every participating party's numeric index
// (including self); threshold is the minimum signer count minus one (the
// Shamir polynomial degree).
func runKeygen(ctx context.Context, self int, ids []int, threshold int, send Sender, st *keygenState) (*ShareData, error) {
	q := Curve().Params().N

	// Phase A: sample this party's degree-(threshold) polynomial and
	// Feldman-commit to its coefficients.
	coeffs := make([]*big.Int, threshold+1)
	commitPoints := make([]*btcec.PublicKey, threshold+1)
	for k := range coeffs {
		coeffs[k] = common.GetRandomPositiveInt(q)
		commitPoints[k] = scalarBaseMult(coeffs[k])
	}

	commitBytes := make([][]byte, len(commitPoints))
	for k, p := range commitPoints {
		commitBytes[k] = p.SerializeCompressed()
	}

	// Phase B: generate this party's own Paillier keypair + Ring-Pedersen
	// parameters before Phase A's broadcast, so both travel in the same
	// keygen_commit message.
	priv, pub, err := paillier.GenerateKeyPair(ctx, paillierBits)
	if err != nil {
		return nil, errors.Wrap(err, "generating Paillier key pair")
	}
	rp, err := generateRingPedersen(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "generating Ring-Pedersen parameters")
	}

	commitMsg := keygenCommitMsg{
		Commitments: commitBytes,
		Nhat:        rp.N.Bytes(),
		H1:          rp.S.Bytes(),
		H2:          rp.T.Bytes(),
		PaillierN:   pub.N.Bytes(),
	}
	raw, err := encodeEnvelope(msgKeygenCommit, self, commitMsg)
	if err != nil {
		return nil, err
	}
	send(raw, true, 0)

	// record our own broadcast immediately so the waitUntil below doesn't
	// block on a message we already know.
	st.lock.mu.Lock()
	st.commitments[self] = commitPoints
	st.auxN[self] = pub.N
	st.auxRP[self] = rp
	st.lock.mu.Unlock()
	st.lock.signal()

	// send each peer (and ourselves) our polynomial evaluated at their index.
	for _, j := range ids {
		share := evalPoly(coeffs, big.NewInt(int64(j)), q)
		if j == self {
			st.lock.mu.Lock()
			st.shares[self] = share
			st.lock.mu.Unlock()
			st.lock.signal()
			continue
		}
		payload, err := encodeEnvelope(msgKeygenShare, self, keygenShareMsg{Share: share.Bytes()})
		if err != nil {
			return nil, err
		}
		send(payload, false, uint16(j))
	}

	// wait for every peer's commitment, share and aux-info to arrive.
	st.lock.waitUntil(func() bool {
		return len(st.commitments) == len(ids) && len(st.shares) == len(ids) &&
			len(st.auxN) == len(ids) && len(st.auxRP) == len(ids)
	})

	// verify each received share against the sender's Feldman commitments,
	// then sum into our own total secret share.
	xi := big.NewInt(0)
	for sender, share := range st.shares {
		expected := evalCommitments(st.commitments[sender], big.NewInt(int64(self)), q)
		got := scalarBaseMult(share)
		if !expected.IsEqual(got) {
			return nil, errors.Errorf("party %d: Feldman VSS verification failed for share from party %d", self, sender)
		}
		xi = new(big.Int).Mod(new(big.Int).Add(xi, share), q)
	}

	// derive the group public key (sum of every sender's constant term)
	// and each party's verification point BigXj.
	groupPub := commitPoints[0]
	for sender, c := range st.commitments {
		if sender == self {
			continue
		}
		groupPub = addPoints(groupPub, c[0])
	}

	bigXj := make(map[int]*btcec.PublicKey, len(ids))
	ks := make(map[int]*big.Int, len(ids))
	for _, j := range ids {
		var sum *btcec.PublicKey
		for _, c := range st.commitments {
			pt := evalCommitments(c, big.NewInt(int64(j)), q)
			if sum == nil {
				sum = pt
			} else {
				sum = addPoints(sum, pt)
			}
		}
		bigXj[j] = sum
		ks[j] = big.NewInt(int64(j))
	}

	pks := make(map[int]*paillier.PublicKey, len(ids))
	rps := make(map[int]*zkproofs.RingPedersenParams, len(ids))
	for _, j := range ids {
		pks[j] = &paillier.PublicKey{N: st.auxN[j]}
		rps[j] = st.auxRP[j]
	}

	return &ShareData{
		Threshold:      threshold,
		PartyCount:     len(ids),
		Self:           self,
		Xi:             xi,
		GroupPublicKey: groupPub,
		BigXj:          bigXj,
		Ks:             ks,
		PaillierSK:     priv,
		PaillierPKs:    pks,
		RingPedersen:   rps,
	}, nil
}

// handleKeygenMsg feeds one inbound envelope into the keygen round's state
// and wakes any goroutine blocked in waitUntil.
func handleKeygenMsg(st *keygenState, env envelope) error {
	switch env.Type {
	case msgKeygenCommit:
		var m keygenCommitMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		points := make([]*btcec.PublicKey, len(m.Commitments))
		for i, b := range m.Commitments {
			p, err := btcec.ParsePubKey(b)
			if err != nil {
				return errors.Wrap(err, "parsing Feldman commitment point")
			}
			points[i] = p
		}
		st.lock.mu.Lock()
		st.commitments[env.From] = points
		st.auxN[env.From] = new(big.Int).SetBytes(m.PaillierN)
		st.auxRP[env.From] = &zkproofs.RingPedersenParams{
			N: new(big.Int).SetBytes(m.Nhat),
			S: new(big.Int).SetBytes(m.H1),
			T: new(big.Int).SetBytes(m.H2),
		}
		st.lock.mu.Unlock()
		st.lock.signal()

	case msgKeygenShare:
		var m keygenShareMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		st.lock.mu.Lock()
		st.shares[env.From] = new(big.Int).SetBytes(m.Share)
		st.lock.mu.Unlock()
		st.lock.signal()
	}
	return nil
}

func generateRingPedersen(ctx context.Context) (*zkproofs.RingPedersenParams, error) {
	p := common.GetRandomSafePrime(ringPedersenBits / 2)
	q := common.GetRandomSafePrime(ringPedersenBits / 2)
	n := new(big.Int).Mul(p, q)

	phi := new(big.Int).Mul(new(big.Int).Sub(p, big.NewInt(1)), new(big.Int).Sub(q, big.NewInt(1)))
	t := common.GetRandomPositiveInt(n)
	for !common.IsNumberInMultiplicativeGroup(n, t) {
		t = common.GetRandomPositiveInt(n)
	}
	lambda := common.GetRandomPositiveInt(phi)
	s := common.ModInt(n).Exp(t, lambda)

	return &zkproofs.RingPedersenParams{S: s, T: t, N: n}, nil
}

func evalPoly(coeffs []*big.Int, x, q *big.Int) *big.Int {
	result := big.NewInt(0)
	xPow := big.NewInt(1)
	for _, c := range coeffs {
		term := new(big.Int).Mul(c, xPow)
		result = new(big.Int).Mod(new(big.Int).Add(result, term), q)
		xPow = new(big.Int).Mod(new(big.Int).Mul(xPow, x), q)
	}
	return result
}

func evalCommitments(commitments []*btcec.PublicKey, x, q *big.Int) *btcec.PublicKey {
	xPow := big.NewInt(1)
	var sum *btcec.PublicKey
	for _, c := range commitments {
		term := scalarMult(c, xPow)
		if sum == nil {
			sum = term
		} else {
			sum = addPoints(sum, term)
		}
		xPow = new(big.Int).Mod(new(big.Int).Mul(xPow, x), q)
	}
	return sum
}

func scalarBaseMult(k *big.Int) *btcec.PublicKey {
	kBytes := make([]byte, 32)
	new(big.Int).Mod(k, Curve().Params().N).FillBytes(kBytes)
	priv := btcec.PrivKeyFromBytes(kBytes)
	return priv.PubKey()
}

func scalarMult(p *btcec.PublicKey, k *big.Int) *btcec.PublicKey {
	var pt btcec.JacobianPoint
	p.AsJacobian(&pt)

	kBytes := make([]byte, 32)
	new(big.Int).Mod(k, Curve().Params().N).FillBytes(kBytes)
	var scalar btcec.ModNScalar
	scalar.SetByteSlice(kBytes)

	var out btcec.JacobianPoint
	btcec.ScalarMultNonConst(&scalar, &pt, &out)
	out.ToAffine()
	return btcec.NewPublicKey(&out.X, &out.Y)
}

func addPoints(a, b *btcec.PublicKey) *btcec.PublicKey {
	var ja, jb, sum btcec.JacobianPoint
	a.AsJacobian(&ja)
	b.AsJacobian(&jb)
	btcec.AddNonConst(&ja, &jb, &sum)
	sum.ToAffine()
	return btcec.NewPublicKey(&sum.X, &sum.Y)
}
