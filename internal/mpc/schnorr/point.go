package schnorr

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

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

// negatePoint returns -p, i.e. the point with the same X and Y negated mod
// the field prime. Used to flip a group key's Y parity to even for BIP340.
func negatePoint(p *btcec.PublicKey) *btcec.PublicKey {
	var pt btcec.JacobianPoint
	p.AsJacobian(&pt)
	pt.Y.Negate(1)
	pt.Y.Normalize()
	pt.ToAffine()
	return btcec.NewPublicKey(&pt.X, &pt.Y)
}
