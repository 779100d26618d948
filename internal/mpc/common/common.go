// Package common holds the number-theory helpers shared by the Paillier,
// zero-knowledge proof and accmta packages, in the style of kisdex-mpc-lib's
// (unretrieved) common package — reconstructed here from its call sites in
// crypto/zkproofs/dec_proof.go and the crypto/{paillier,accmta,zkproofs}
// test files, which document the exact API every caller expects.
package common

import (
	"crypto/rand"
	"crypto/sha512"
	"math/big"
)

// modInt is arithmetic modulo m; ModInt(n) constructs one, mirroring the
// teacher's common.ModInt(n).Mul(...) call shape seen throughout
// crypto/zkproofs and crypto/paillier.
type modInt big.Int

func ModInt(m *big.Int) *modInt {
	return (*modInt)(m)
}

func (m *modInt) modulus() *big.Int { return (*big.Int)(m) }

func (m *modInt) Add(x, y *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Add(x, y), m.modulus())
}

func (m *modInt) Sub(x, y *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Sub(x, y), m.modulus())
}

func (m *modInt) Mul(x, y *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Mul(x, y), m.modulus())
}

func (m *modInt) Exp(x, y *big.Int) *big.Int {
	return new(big.Int).Exp(x, y, m.modulus())
}

func (m *modInt) Inverse(g *big.Int) *big.Int {
	return new(big.Int).ModInverse(g, m.modulus())
}

func (m *modInt) IsCongruent(x, y *big.Int) bool {
	return m.Add(x, new(big.Int).Neg(y)).Sign() == 0
}

func (m *modInt) IsAdditiveInverse(x, y *big.Int) bool {
	return m.IsCongruent(new(big.Int).Add(x, y), big.NewInt(0))
}

// GetRandomPositiveInt returns a uniform random value in [0, upperBound).
func GetRandomPositiveInt(upperBound *big.Int) *big.Int {
	if upperBound == nil || upperBound.Sign() <= 0 {
		return big.NewInt(0)
	}
	n, err := rand.Int(rand.Reader, upperBound)
	if err != nil {
		return big.NewInt(0)
	}
	return n
}

// MustGetRandomInt returns a uniform random non-negative integer with at
// most bitLen bits, panicking only if the system CSPRNG fails.
func MustGetRandomInt(bitLen int) *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), uint(bitLen))
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(err)
	}
	return n
}

// GetRandomPrimeInt returns a random prime with exactly bitLen bits.
func GetRandomPrimeInt(bitLen int) *big.Int {
	p, err := rand.Prime(rand.Reader, bitLen)
	if err != nil {
		panic(err)
	}
	return p
}

// GetRandomSafePrime returns a random safe prime p (p = 2q+1 with q also
// prime) of exactly bitLen bits, the building block Paillier key generation
// needs so that phi(N) = (p-1)(q-1) has no small factors.
func GetRandomSafePrime(bitLen int) *big.Int {
	for {
		q, err := rand.Prime(rand.Reader, bitLen-1)
		if err != nil {
			panic(err)
		}
		p := new(big.Int).Add(new(big.Int).Lsh(q, 1), big.NewInt(1))
		if p.ProbablyPrime(20) {
			return p
		}
	}
}

// IsNumberInMultiplicativeGroup reports whether gcd(v, n) == 1 and 0 < v < n.
func IsNumberInMultiplicativeGroup(n, v *big.Int) bool {
	if v.Sign() <= 0 || v.Cmp(n) >= 0 {
		return false
	}
	return new(big.Int).GCD(nil, nil, v, n).Cmp(big.NewInt(1)) == 0
}

// NonEmptyMultiBytes reports whether bzs has exactly expectedParts non-nil
// entries with non-zero length, the guard proof types use before decoding.
func NonEmptyMultiBytes(bzs [][]byte, expectedParts int) bool {
	if len(bzs) != expectedParts {
		return false
	}
	for _, b := range bzs {
		if len(b) == 0 {
			return false
		}
	}
	return true
}

// SHA512_256i hashes the big-endian encoding of each input together with
// SHA-512/256, the Fiat-Shamir challenge function CGG21 proofs use.
func SHA512_256i(ints ...*big.Int) *big.Int {
	h := sha512.New512_256()
	for _, i := range ints {
		if i == nil {
			continue
		}
		h.Write(i.Bytes())
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}
