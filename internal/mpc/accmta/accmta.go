// Package accmta implements the additive-to-multiplicative share
// conversion (MtA) protocol threshold ECDSA signing uses to turn each
// party's local product k_i*gamma_j into an additively shared value without
// either party learning the other's secret. Grounded on the arithmetic
// documented in crypto/accmta/share_protocol_test.go (the alpha+beta=a*b
// relation every MtA variant in that file asserts); the full CGG21
// aff-g/log-star/mul-star/enc zero-knowledge proof suite those tests also
// exercise is out of scope here because its defining source
// (crypto/zkproofs/aff_g_proof.go, log_star_proof.go, mul_star_proof.go,
// enc_proof.go) was never retrieved, only its _test.go files were — see
// DESIGN.md for the resulting scope decision. Range-proof enforcement is
// replaced by the after-the-fact Byzantine detection the consensus package
// performs; the DecProof this package still uses (crypto/zkproofs/dec_proof.go,
// a file that *was* retrieved in full) is wired for decrypt-correctness
// checks: BobResponds returns it alongside the statement it was built
// against, internal/mpc/ecdsa/presign.go ships both over the wire, and the
// receiving party calls VerifyDecProof before trusting the MtA output.
package accmta

import (
	"crypto/elliptic"
	"math/big"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
	"github.com/kisdex/mpc-custody/internal/mpc/paillier"
	"github.com/kisdex/mpc-custody/internal/mpc/zkproofs"
)

// AliceInit encrypts Alice's secret share a under her own Paillier key,
// returning the ciphertext she sends to Bob to start an MtA exchange.
func AliceInit(pkA *paillier.PublicKey, a *big.Int) (*big.Int, error) {
	return pkA.Encrypt(a)
}

// BobResponds is Bob's side of the MtA exchange: given Alice's ciphertext
// cA = Enc_A(a) and Bob's own value b, Bob samples betaPrime, computes
// cAlpha = Enc_A(a*b + betaPrime) homomorphically (never learning a), and
// returns his additive share beta = -betaPrime mod q. Alongside that, Bob
// proves to Alice that cBetaPrime (the ciphertext folded into cAlpha)
// truly decrypts to x = betaPrime mod q, without revealing the randomness
// rho behind it; cBetaPrime and x travel with the proof since VerifyDecProof
// needs the exact statement the proof was built against.
func BobResponds(ec elliptic.Curve, pkA *paillier.PublicKey, skB *paillier.PrivateKey, cA *big.Int, b *big.Int, rp *zkproofs.RingPedersenParams) (beta *big.Int, cAlpha *big.Int, cBetaPrime *big.Int, x *big.Int, decProof *zkproofs.DecProof, err error) {
	q := ec.Params().N

	cAB, err := pkA.HomoMult(b, cA)
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "homomorphic multiply in BobResponds")
	}

	betaPrime := common.GetRandomPositiveInt(q)
	var rho *big.Int
	cBetaPrime, rho, err = pkA.EncryptAndReturnRandomness(betaPrime)
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "encrypting betaPrime in BobResponds")
	}

	cAlpha, err = pkA.HomoAdd(cAB, cBetaPrime)
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "homomorphic add in BobResponds")
	}

	beta = common.ModInt(q).Sub(big.NewInt(0), betaPrime)

	if rp != nil {
		// Bob chose betaPrime and its encryption randomness himself, so he
		// proves knowledge of both directly rather than decrypting cBetaPrime
		// back out (only Alice, holding skA, could do that).
		x = new(big.Int).Mod(betaPrime, q)
		stmt := &zkproofs.DecStatement{
			Q:   q,
			Ell: zkproofs.GetEll(ec),
			N0:  pkA.N,
			C:   cBetaPrime,
			X:   x,
		}
		wit := &zkproofs.DecWitness{Y: betaPrime, Rho: rho}
		decProof = zkproofs.NewDecProof(wit, stmt, rp)
	}

	return beta, cAlpha, cBetaPrime, x, decProof, nil
}

// AliceEnd decrypts cAlpha to recover Alice's additive share alpha, such
// that alpha + beta = a*b mod q.
func AliceEnd(skA *paillier.PrivateKey, cAlpha *big.Int, q *big.Int) (*big.Int, error) {
	alpha, err := skA.Decrypt(cAlpha)
	if err != nil {
		return nil, errors.Wrap(err, "decrypting alpha")
	}
	return new(big.Int).Mod(alpha, q), nil
}

// VerifyDecProof checks Bob's claim that cBetaPrime decrypts to a value
// congruent to x mod q, without Alice learning betaPrime itself.
func VerifyDecProof(ec elliptic.Curve, pkA *paillier.PublicKey, proof *zkproofs.DecProof, cBetaPrime *big.Int, x *big.Int, rp *zkproofs.RingPedersenParams) bool {
	if proof == nil || rp == nil {
		return false
	}
	stmt := &zkproofs.DecStatement{
		Q:   ec.Params().N,
		Ell: zkproofs.GetEll(ec),
		N0:  pkA.N,
		C:   cBetaPrime,
		X:   x,
	}
	return proof.Verify(stmt, rp)
}
