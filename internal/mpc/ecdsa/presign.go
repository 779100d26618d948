package ecdsa

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/accmta"
	"github.com/kisdex/mpc-custody/internal/mpc/common"
	"github.com/kisdex/mpc-custody/internal/mpc/zkproofs"
)

// Presignature is the message-independent output of a GG18-style signing
// round: a nonce commitment R (shared by every signer) plus each
// participant's additive share of k and of k times the private key x,
// ready to be combined with a message digest in a single further
// broadcast round (finishSign).
type Presignature struct {
	SigningSet []int
	R          *btcec.PublicKey
	Ki         *big.Int // this party's nonce share
	SigmaI     *big.Int // this party's share of k*x
}

// presignState accumulates the inbound halves of one presign round.
type presignState struct {
	lock *partyLock

	cipherK map[int]*big.Int
	pointG  map[int]*btcec.PublicKey

	mtaGamma map[int]*mtaReceipt // from j: response for (self.k, j.gamma)
	mtaW     map[int]*mtaReceipt // from j: response for (self.k, j.w)

	deltas map[int]*big.Int // from every signer: their share of k*gamma
}

func newPresignState() *presignState {
	return &presignState{
		lock:     newPartyLock(),
		cipherK:  make(map[int]*big.Int),
		pointG:   make(map[int]*btcec.PublicKey),
		mtaGamma: make(map[int]*mtaReceipt),
		mtaW:     make(map[int]*mtaReceipt),
		deltas:   make(map[int]*big.Int),
	}
}

// mtaReceipt is one inbound MtA response: the additive-share ciphertext
// plus (when the sender had ring-pedersen parameters) the decrypt-
// correctness proof and the statement it was built against.
type mtaReceipt struct {
	CAlpha     *big.Int
	CBetaPrime *big.Int
	X          *big.Int
	Proof      *zkproofs.DecProof
}

func decodeMtaReceipt(cAlpha []byte, pm decProofMsg) (*mtaReceipt, error) {
	receipt := &mtaReceipt{CAlpha: new(big.Int).SetBytes(cAlpha)}
	if len(pm.ProofParts) == 0 {
		return receipt, nil
	}
	proof, err := (&zkproofs.DecProof{}).ProofFromBytes(Curve(), pm.ProofParts)
	if err != nil {
		return nil, errors.Wrap(err, "decoding MtA dec proof")
	}
	receipt.CBetaPrime = new(big.Int).SetBytes(pm.CBetaPrime)
	receipt.X = new(big.Int).SetBytes(pm.X)
	receipt.Proof = proof.(*zkproofs.DecProof)
	return receipt, nil
}

func encodeDecProof(cBetaPrime, x *big.Int, proof *zkproofs.DecProof) decProofMsg {
	if proof == nil {
		return decProofMsg{}
	}
	return decProofMsg{CBetaPrime: cBetaPrime.Bytes(), X: x.Bytes(), ProofParts: proof.Bytes()}
}

// lagrangeCoefficient returns lambda_i for party i within signing set S, the
// standard Shamir reconstruction weight: product over j in S, j != i, of
// (0 - k_j) / (k_i - k_j) mod q.
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

// runPresign executes one GG18-style presignature round for signingSet
// (which must include self), producing a nonce commitment R and this
// party's additive shares of k and of k times the private key x.
func runPresign(self int, signingSet []int, share *ShareData, send Sender, st *presignState) (*Presignature, error) {
	q := Curve().Params().N

	k := common.GetRandomPositiveInt(q)
	gamma := common.GetRandomPositiveInt(q)
	lambda := lagrangeCoefficient(self, signingSet, share.Ks, q)
	w := common.ModInt(q).Mul(lambda, share.Xi)

	myPK := share.PaillierPKs[self]
	cipherK, err := myPK.Encrypt(k)
	if err != nil {
		return nil, errors.Wrap(err, "encrypting nonce share")
	}
	pointG := scalarBaseMult(gamma)

	payload := presignBroadcastMsg{CipherK: cipherK.Bytes(), PointG: pointG.SerializeCompressed()}
	raw, err := encodeEnvelope(msgPresignBroadcast, self, payload)
	if err != nil {
		return nil, err
	}
	send(raw, true, 0)

	st.lock.mu.Lock()
	st.cipherK[self] = cipherK
	st.pointG[self] = pointG
	st.lock.mu.Unlock()
	st.lock.signal()

	st.lock.waitUntil(func() bool {
		return len(st.cipherK) == len(signingSet) && len(st.pointG) == len(signingSet)
	})

	// For every other signer j, respond to their nonce ciphertext as Bob
	// (MtA with gamma, then again with w), and initiate our own as Alice.
	deltaShare := common.ModInt(q).Mul(k, gamma)
	sigmaShare := common.ModInt(q).Mul(k, w)

	for _, j := range signingSet {
		if j == self {
			continue
		}
		jPK := share.PaillierPKs[j]
		rp := share.ringPedersenFor(j)

		betaGamma, cAlphaGamma, cBetaPrimeGamma, xGamma, decProofGamma, err := accmta.BobResponds(Curve(), jPK, share.PaillierSK, st.cipherK[j], gamma, rp)
		if err != nil {
			return nil, errors.Wrapf(err, "MtA(gamma) responding to party %d", j)
		}
		betaW, cAlphaW, cBetaPrimeW, xW, decProofW, err := accmta.BobResponds(Curve(), jPK, share.PaillierSK, st.cipherK[j], w, rp)
		if err != nil {
			return nil, errors.Wrapf(err, "MtA(w) responding to party %d", j)
		}
		deltaShare = common.ModInt(q).Add(deltaShare, betaGamma)
		sigmaShare = common.ModInt(q).Add(sigmaShare, betaW)

		mtaPayload := presignMtaMsg{
			CAlphaGamma: cAlphaGamma.Bytes(),
			CAlphaW:     cAlphaW.Bytes(),
			ProofGamma:  encodeDecProof(cBetaPrimeGamma, xGamma, decProofGamma),
			ProofW:      encodeDecProof(cBetaPrimeW, xW, decProofW),
		}
		raw, err := encodeEnvelope(msgPresignMta, self, mtaPayload)
		if err != nil {
			return nil, err
		}
		send(raw, false, uint16(j))
	}

	st.lock.waitUntil(func() bool {
		return len(st.mtaGamma) == len(signingSet)-1 && len(st.mtaW) == len(signingSet)-1
	})

	myRP := share.ringPedersenFor(self)
	for j, receipt := range st.mtaGamma {
		if !accmta.VerifyDecProof(Curve(), share.PaillierPKs[self], receipt.Proof, receipt.CBetaPrime, receipt.X, myRP) {
			return nil, errors.Errorf("MtA(gamma) dec proof from party %d failed verification", j)
		}
		alpha, err := accmta.AliceEnd(share.PaillierSK, receipt.CAlpha, q)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding MtA(gamma) response from party %d", j)
		}
		deltaShare = common.ModInt(q).Add(deltaShare, alpha)
	}
	for j, receipt := range st.mtaW {
		if !accmta.VerifyDecProof(Curve(), share.PaillierPKs[self], receipt.Proof, receipt.CBetaPrime, receipt.X, myRP) {
			return nil, errors.Errorf("MtA(w) dec proof from party %d failed verification", j)
		}
		alpha, err := accmta.AliceEnd(share.PaillierSK, receipt.CAlpha, q)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding MtA(w) response from party %d", j)
		}
		sigmaShare = common.ModInt(q).Add(sigmaShare, alpha)
	}

	// Broadcast our share of delta=k*gamma so every signer can reconstruct
	// the public scalar delta and, from it, the nonce commitment R.
	deltaPayload := presignDeltaMsg{Delta: deltaShare.Bytes()}
	raw, err = encodeEnvelope(msgPresignDelta, self, deltaPayload)
	if err != nil {
		return nil, err
	}
	send(raw, true, 0)

	st.lock.mu.Lock()
	st.deltas[self] = deltaShare
	st.lock.mu.Unlock()
	st.lock.signal()

	st.lock.waitUntil(func() bool {
		return len(st.deltas) == len(signingSet)
	})

	delta := big.NewInt(0)
	for _, d := range st.deltas {
		delta = common.ModInt(q).Add(delta, d)
	}
	deltaInv := new(big.Int).ModInverse(delta, q)
	if deltaInv == nil {
		return nil, errors.New("delta has no inverse mod q; presign round failed")
	}

	var gammaSum *btcec.PublicKey
	for _, p := range st.pointG {
		if gammaSum == nil {
			gammaSum = p
		} else {
			gammaSum = addPoints(gammaSum, p)
		}
	}
	r := scalarMult(gammaSum, deltaInv)

	return &Presignature{SigningSet: signingSet, R: r, Ki: k, SigmaI: sigmaShare}, nil
}

// handlePresignMsg feeds one inbound envelope into the presign round state.
func handlePresignMsg(st *presignState, env envelope) error {
	switch env.Type {
	case msgPresignBroadcast:
		var m presignBroadcastMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		point, err := btcec.ParsePubKey(m.PointG)
		if err != nil {
			return errors.Wrap(err, "parsing presign point")
		}
		st.lock.mu.Lock()
		st.cipherK[env.From] = new(big.Int).SetBytes(m.CipherK)
		st.pointG[env.From] = point
		st.lock.mu.Unlock()
		st.lock.signal()

	case msgPresignMta:
		var m presignMtaMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		gammaReceipt, err := decodeMtaReceipt(m.CAlphaGamma, m.ProofGamma)
		if err != nil {
			return errors.Wrapf(err, "decoding MtA(gamma) receipt from party %d", env.From)
		}
		wReceipt, err := decodeMtaReceipt(m.CAlphaW, m.ProofW)
		if err != nil {
			return errors.Wrapf(err, "decoding MtA(w) receipt from party %d", env.From)
		}
		st.lock.mu.Lock()
		st.mtaGamma[env.From] = gammaReceipt
		st.mtaW[env.From] = wReceipt
		st.lock.mu.Unlock()
		st.lock.signal()

	case msgPresignDelta:
		var m presignDeltaMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		st.lock.mu.Lock()
		st.deltas[env.From] = new(big.Int).SetBytes(m.Delta)
		st.lock.mu.Unlock()
		st.lock.signal()
	}
	return nil
}
