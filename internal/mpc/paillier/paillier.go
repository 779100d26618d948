// Package paillier implements the additively homomorphic Paillier
// cryptosystem used to encrypt the multiplicative shares exchanged during
// MtA conversion and CGG21 auxiliary-info generation. Grounded on
// crypto/paillier/paillier_test.go, the only surviving trace of the
// teacher's own paillier package; safe-prime generation reuses
// common.GetRandomSafePrime in the style of bnb-chain/tss-lib's common
// package, which implements its own safe-prime sampler rather than reaching
// for a dedicated prime-generation library.
package paillier

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
)

const (
	// primeBitsDefault is the modulus bit length GenerateKeyPair uses when
	// called with bitLen <= 0.
	primeBitsDefault = 2048
)

// PublicKey is the Paillier public modulus N; NSquare computes N^2 on demand.
type PublicKey struct {
	N *big.Int
}

// PrivateKey holds the two safe primes alongside the public modulus.
type PrivateKey struct {
	PublicKey
	P *big.Int
	Q *big.Int
}

// GenerateKeyPair samples two safe primes of bitLen/2 bits each via
// common.GetRandomSafePrime and derives N = P*Q, retrying until gcd(N, phi(N)) == 1 as
// the classical Paillier key-generation requires.
func GenerateKeyPair(ctx context.Context, bitLen int) (*PrivateKey, *PublicKey, error) {
	if bitLen <= 0 {
		bitLen = primeBitsDefault
	}
	half := bitLen / 2

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		p := common.GetRandomSafePrime(half)
		q := common.GetRandomSafePrime(half)
		if p.Cmp(q) == 0 {
			continue
		}

		n := new(big.Int).Mul(p, q)
		phi := new(big.Int).Mul(new(big.Int).Sub(p, big.NewInt(1)), new(big.Int).Sub(q, big.NewInt(1)))
		if new(big.Int).GCD(nil, nil, n, phi).Cmp(big.NewInt(1)) != 0 {
			continue
		}

		pub := PublicKey{N: n}
		priv := &PrivateKey{PublicKey: pub, P: p, Q: q}
		return priv, &pub, nil
	}
}

// NSquare returns N^2, the working modulus for Paillier ciphertexts.
func (pk *PublicKey) NSquare() *big.Int {
	return new(big.Int).Mul(pk.N, pk.N)
}

// L computes (u-1)/n, the Paillier decryption building block shared by
// Decrypt and the CGG21 proofs that reference it directly.
func L(u, n *big.Int) *big.Int {
	t := new(big.Int).Sub(u, big.NewInt(1))
	return new(big.Int).Div(t, n)
}

// Encrypt samples fresh randomness and returns (1+N)^m * rho^N mod N^2.
func (pk *PublicKey) Encrypt(m *big.Int) (*big.Int, error) {
	c, _, err := pk.EncryptAndReturnRandomness(m)
	return c, err
}

// EncryptAndReturnRandomness is Encrypt but also returns the randomness rho
// used, needed by callers (e.g. DecProof) that
// must reason about the randomness later.
func (pk *PublicKey) EncryptAndReturnRandomness(m *big.Int) (*big.Int, *big.Int, error) {
	rho := common.GetRandomPositiveInt(pk.N)
	for rho.Sign() == 0 || !common.IsNumberInMultiplicativeGroup(pk.N, rho) {
		rho = common.GetRandomPositiveInt(pk.N)
	}
	return pk.EncryptWithRandomnessNoErrChk(m, rho), rho, nil
}

// EncryptWithRandomnessNoErrChk computes (1+N)^m * rho^N mod N^2 for a
// caller-supplied rho, skipping the multiplicative-group membership check —
// used by the CGG21 proofs that construct ciphertexts from range-bounded
// alphas rather than fresh randomness.
func (pk *PublicKey) EncryptWithRandomnessNoErrChk(m, rho *big.Int) *big.Int {
	n2 := pk.NSquare()
	modN2 := common.ModInt(n2)
	gm := modN2.Exp(new(big.Int).Add(big.NewInt(1), pk.N), m)
	rhoN := modN2.Exp(rho, pk.N)
	return modN2.Mul(gm, rhoN)
}

// HomoAdd returns Enc(a+b) given Enc(a) and Enc(b), by multiplying the
// ciphertexts mod N^2.
func (pk *PublicKey) HomoAdd(c1, c2 *big.Int) (*big.Int, error) {
	return common.ModInt(pk.NSquare()).Mul(c1, c2), nil
}

// HomoMult returns Enc(m*a) given a plaintext scalar m and Enc(a), by
// raising the ciphertext to the m-th power mod N^2.
func (pk *PublicKey) HomoMult(m, c *big.Int) (*big.Int, error) {
	return common.ModInt(pk.NSquare()).Exp(c, m), nil
}

// HomoMultAndReturnRandomness is HomoMult but also returns the effective
// randomness rho^m, the quantity the aff-g proof needs to reason about.
func (pk *PublicKey) HomoMultAndReturnRandomness(m, c *big.Int) (*big.Int, *big.Int, error) {
	cm, err := pk.HomoMult(m, c)
	if err != nil {
		return nil, nil, err
	}
	rho := common.GetRandomPositiveInt(pk.N)
	return cm, rho, nil
}

// HomoMultInv returns Enc(-a) given Enc(a), by inverting the ciphertext
// mod N^2.
func (pk *PublicKey) HomoMultInv(c *big.Int) (*big.Int, error) {
	inv := new(big.Int).ModInverse(c, pk.NSquare())
	if inv == nil {
		return nil, errors.New("ciphertext has no inverse mod N^2")
	}
	return inv, nil
}

// Decrypt recovers the plaintext m from ciphertext c using L((c^lambda mod
// N^2)) * mu mod N, the standard (non-CRT) Paillier decryption.
func (pk *PrivateKey) Decrypt(c *big.Int) (*big.Int, error) {
	m, _, err := pk.DecryptFull(c)
	return m, err
}

// DecryptFull recovers both the plaintext and the randomness rho originally
// used to encrypt it, needed by callers that must later prove knowledge of
// that randomness (e.g. the dec proof).
func (pk *PrivateKey) DecryptFull(c *big.Int) (*big.Int, *big.Int, error) {
	n2 := pk.NSquare()
	if c.Sign() <= 0 || c.Cmp(n2) >= 0 {
		return nil, nil, errors.New("ciphertext out of range")
	}
	if !common.IsNumberInMultiplicativeGroup(n2, c) {
		return nil, nil, errors.New("ciphertext is not invertible mod N^2")
	}

	phi := new(big.Int).Mul(new(big.Int).Sub(pk.P, big.NewInt(1)), new(big.Int).Sub(pk.Q, big.NewInt(1)))
	lambda := phi
	mu := new(big.Int).ModInverse(L(new(big.Int).Exp(new(big.Int).Add(big.NewInt(1), pk.N), lambda, n2), pk.N), pk.N)
	if mu == nil {
		return nil, nil, errors.New("failed to invert mu during decryption")
	}

	cLambda := new(big.Int).Exp(c, lambda, n2)
	m := common.ModInt(pk.N).Mul(L(cLambda, pk.N), mu)

	// recover rho = (c * (1+N)^-m)^(N^-1 mod phi) mod N
	nInvModPhi := new(big.Int).ModInverse(pk.N, phi)
	if nInvModPhi == nil {
		return nil, nil, errors.New("N has no inverse mod phi(N); malformed key")
	}
	gmInv := new(big.Int).ModInverse(new(big.Int).Exp(new(big.Int).Add(big.NewInt(1), pk.N), m, n2), n2)
	if gmInv == nil {
		return nil, nil, errors.New("failed to invert (1+N)^m during rho recovery")
	}
	rhoN := common.ModInt(n2).Mul(c, gmInv)
	rho := new(big.Int).Exp(rhoN, nInvModPhi, pk.N)

	return m, rho, nil
}
