// Package zkproofs implements the CGG21 zero-knowledge proof building
// blocks the threshold ECDSA protocol needs to verify a peer's MtA inputs
// without revealing them. Adapted from crypto/zkproofs/zkproofs.go,
// generalized off its teacher-specific module path onto this module's
// common package.
package zkproofs

import (
	"crypto/elliptic"
	"fmt"
	"math/big"
	"strconv"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
)

type Proof interface {
	IsNil() bool
	Bytes() [][]byte
	Parts() int
	ProofFromBytes(ec elliptic.Curve, bzs [][]byte) (Proof, error)
}

func ProofArrayToBytes[P Proof](proofs []P) [][]byte {
	if len(proofs) == 0 {
		return nil
	}
	parts := proofs[0].Parts()
	output := make([][]byte, parts*len(proofs))
	i := 0
	for _, proof := range proofs {
		if proof.IsNil() {
			for j := 0; j < parts; j++ {
				output[i] = nil
				i++
			}
		} else {
			for _, ppBytes := range proof.Bytes() {
				output[i] = ppBytes
				i++
			}
		}
	}
	return output
}

func ProofArrayFromBytes[P Proof](ec elliptic.Curve, bzs [][]byte) ([]P, error) {
	pp := make([]P, 1)[0]
	parts := pp.Parts()
	if len(bzs)%parts != 0 {
		return nil, fmt.Errorf("improper input length")
	}

	proofs := make([]P, len(bzs)/parts)
	for p := range proofs {
		start := p * parts
		end := (p + 1) * parts
		slice := bzs[start:end]
		if common.NonEmptyMultiBytes(slice, len(slice)) {
			proof, err := pp.ProofFromBytes(ec, slice)
			if err != nil {
				return nil, err
			}
			proofs[p] = proof.(P)
		}
	}
	return proofs, nil
}

// Ell holds the range-proof constants derived from a curve's group order.
type Ell struct {
	Ell                  *big.Int
	TwoPowEll            *big.Int
	Epsilon              *big.Int
	EllPlusEpsilon       *big.Int
	TwoPowEllPlusEpsilon *big.Int
}

func NewEll(ell *big.Int) *Ell {
	two := big.NewInt(2)
	twoPowEll := new(big.Int).Exp(two, ell, nil)
	epsilon := new(big.Int).Mul(ell, two)
	ellPlusEpsilon := new(big.Int).Add(ell, epsilon)
	twoPowEllPlusEpsilon := new(big.Int).Exp(two, ellPlusEpsilon, nil)
	return &Ell{
		Ell:                  ell,
		TwoPowEll:            twoPowEll,
		Epsilon:              epsilon,
		EllPlusEpsilon:       ellPlusEpsilon,
		TwoPowEllPlusEpsilon: twoPowEllPlusEpsilon,
	}
}

func GetEll(ec elliptic.Curve) *big.Int {
	return big.NewInt(int64(ec.Params().BitSize))
}

func (ell *Ell) String() string {
	out := "Ell: " + ell.Ell.String()
	out += "\nEpsilon " + ell.Epsilon.String()
	out += "\n2^ell <= 2^ell+epsilon: " + strconv.FormatBool(ell.InRange(ell.TwoPowEll))
	out += "\n2^Ell " + ell.TwoPowEll.String()
	out += "\n2^Ell+Epsilon " + ell.TwoPowEllPlusEpsilon.String()
	return out
}

// InRange reports whether val lies in the open interval
// (-2^(ell+epsilon), 2^(ell+epsilon)); the bounds themselves are excluded.
func (ell *Ell) InRange(val *big.Int) bool {
	min := new(big.Int).Mul(big.NewInt(-1), ell.TwoPowEllPlusEpsilon)
	max := ell.TwoPowEllPlusEpsilon
	return val.Cmp(min) == 1 && val.Cmp(max) == -1
}

// InRangeEll reports whether val lies in the open interval (-2^ell, 2^ell);
// the bounds themselves are excluded.
func (ell *Ell) InRangeEll(val *big.Int) bool {
	min := new(big.Int).Mul(big.NewInt(-1), ell.TwoPowEll)
	max := ell.TwoPowEll
	return val.Cmp(min) == 1 && val.Cmp(max) == -1
}

func Q(ec elliptic.Curve) *big.Int {
	return ec.Params().N
}

func IsZero(val *big.Int) bool {
	return val.Cmp(big.NewInt(0)) == 0
}

// PseudoPaillierEncrypt returns c = gamma^m * rho^N mod N^2.
func PseudoPaillierEncrypt(gamma, m, rho, N, N2 *big.Int) *big.Int {
	Gm := new(big.Int).Exp(gamma, m, N2)
	Xn := new(big.Int).Exp(rho, N, N2)
	return common.ModInt(N2).Mul(Gm, Xn)
}

// RingPedersenParams is a Ring-Pedersen commitment key (s, t, N).
type RingPedersenParams struct {
	S *big.Int
	T *big.Int
	N *big.Int
}

// Commit returns s^x * t^y mod N.
func (rp *RingPedersenParams) Commit(x, y *big.Int) *big.Int {
	modN := common.ModInt(rp.N)
	sx := modN.Exp(rp.S, x)
	ty := modN.Exp(rp.T, y)
	return modN.Mul(sx, ty)
}

// APlusBC returns a + b*c.
func APlusBC(a, b, c *big.Int) *big.Int {
	bc := new(big.Int).Mul(b, c)
	return new(big.Int).Add(a, bc)
}

// ATimesBToTheCModN returns a * b^c mod N.
func ATimesBToTheCModN(a, b, c, N *big.Int) *big.Int {
	modN := common.ModInt(N)
	bc := modN.Exp(b, c)
	return modN.Mul(a, bc)
}
