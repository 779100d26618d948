// This file implements proof dec from CGG21 Appendix C6 Figure 30.
// The prover holds secret input (y, rho) and the verifier checks the proof
// against the statement (x, N0, C) where
//   C = (1+N0)^y rho^N0 mod N0^2
//   x = y mod q
// Adapted from crypto/zkproofs/dec_proof.go onto this module's paillier
// package.
package zkproofs

import (
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
	"github.com/kisdex/mpc-custody/internal/mpc/paillier"
)

const DecProofParts = 7

// DecProof proves knowledge of the plaintext y and randomness rho behind a
// Paillier ciphertext C, and that y reduces to x mod q. (z1, z2, w) are
// lowercase in CGG21 Figure 30; Figure 30 has a typo omitting S, T from the
// proof transcript.
type DecProof struct {
	S     *big.Int // mod Nhat
	T     *big.Int // mod Nhat
	A     *big.Int // mod N0^2
	Gamma *big.Int // mod q
	Z1    *big.Int // in +-2^(ell+epsilon)
	Z2    *big.Int // in +-2^(ell+epsilon) + |Nhat|
	W     *big.Int // mod N0
}

type DecStatement struct {
	Q   *big.Int
	Ell *big.Int
	N0  *big.Int
	C   *big.Int
	X   *big.Int
}

type DecWitness struct {
	Y   *big.Int
	Rho *big.Int
}

// NewDecProof constructs dec per CGG21 Appendix C6 Figure 30.
func NewDecProof(wit *DecWitness, stmt *DecStatement, rp *RingPedersenParams) *DecProof {
	ecpc := NewEll(stmt.Ell)

	alpha := common.GetRandomPositiveInt(ecpc.TwoPowEllPlusEpsilon)
	muRange := new(big.Int).Mul(ecpc.TwoPowEll, rp.N)
	mu := common.GetRandomPositiveInt(muRange)
	nuRange := new(big.Int).Mul(ecpc.TwoPowEllPlusEpsilon, rp.N)
	nu := common.GetRandomPositiveInt(nuRange)
	// CGG21's Figure 30 has a typo sampling from Z*_N where N is
	// undefined; it must be Z*_N0 since it feeds a Paillier ciphertext.
	r := common.GetRandomPositiveInt(stmt.N0)

	S := rp.Commit(wit.Y, mu)
	T := rp.Commit(alpha, nu)

	pkN0 := &paillier.PublicKey{N: stmt.N0}
	A := pkN0.EncryptWithRandomnessNoErrChk(alpha, r)

	gamma := new(big.Int).Mod(alpha, stmt.Q)

	proof := &DecProof{S: S, T: T, A: A, Gamma: gamma}

	e := proof.GetChallenge(stmt, rp)

	proof.Z1 = APlusBC(alpha, e, wit.Y)
	proof.Z2 = APlusBC(nu, e, mu)
	proof.W = ATimesBToTheCModN(r, wit.Rho, e, stmt.N0)

	return proof
}

// Verify checks dec per CGG21 Appendix C6 Figure 30.
func (proof *DecProof) Verify(stmt *DecStatement, rp *RingPedersenParams) bool {
	if proof == nil {
		return false
	}
	if stmt.N0.Sign() != 1 {
		return false
	}

	e := proof.GetChallenge(stmt, rp)

	if IsZero(proof.W) || IsZero(proof.A) {
		return false
	}

	pkN0 := &paillier.PublicKey{N: stmt.N0}
	left1 := pkN0.EncryptWithRandomnessNoErrChk(proof.Z1, proof.W)
	right1 := ATimesBToTheCModN(proof.A, stmt.C, e, pkN0.NSquare())
	if left1.Cmp(right1) != 0 {
		return false
	}

	left2 := new(big.Int).Mod(proof.Z1, stmt.Q)
	right2 := new(big.Int).Mod(APlusBC(proof.Gamma, e, stmt.X), stmt.Q)
	if left2.Cmp(right2) != 0 {
		return false
	}

	left3 := rp.Commit(proof.Z1, proof.Z2)
	right3 := ATimesBToTheCModN(proof.T, proof.S, e, rp.N)
	if left3.Cmp(right3) != 0 {
		return false
	}

	return true
}

func (proof *DecProof) GetChallenge(stmt *DecStatement, rp *RingPedersenParams) *big.Int {
	msg := []*big.Int{stmt.Ell, stmt.Q, stmt.N0, stmt.C, stmt.X, rp.N, rp.S, rp.T, proof.S, proof.T, proof.A, proof.Gamma}
	return common.SHA512_256i(msg...)
}

func (proof *DecProof) Nil() bool {
	if proof == nil {
		return true
	}
	return proof.S == nil || proof.T == nil || proof.A == nil || proof.Gamma == nil ||
		proof.Z1 == nil || proof.Z2 == nil || proof.W == nil
}

func (proof *DecProof) IsNil() bool { return proof == nil }

func (proof *DecProof) Parts() int { return DecProofParts }

func (proof *DecProof) Bytes() [][]byte {
	return [][]byte{
		proof.S.Bytes(), proof.T.Bytes(), proof.A.Bytes(), proof.Gamma.Bytes(),
		proof.Z1.Bytes(), proof.Z2.Bytes(), proof.W.Bytes(),
	}
}

func (proof *DecProof) ProofFromBytes(ec elliptic.Curve, bzs [][]byte) (Proof, error) {
	if !common.NonEmptyMultiBytes(bzs, DecProofParts) {
		return nil, fmt.Errorf("expected %d byte parts to construct DecProof", DecProofParts)
	}
	return &DecProof{
		S:     new(big.Int).SetBytes(bzs[0]),
		T:     new(big.Int).SetBytes(bzs[1]),
		A:     new(big.Int).SetBytes(bzs[2]),
		Gamma: new(big.Int).SetBytes(bzs[3]),
		Z1:    new(big.Int).SetBytes(bzs[4]),
		Z2:    new(big.Int).SetBytes(bzs[5]),
		W:     new(big.Int).SetBytes(bzs[6]),
	}, nil
}
