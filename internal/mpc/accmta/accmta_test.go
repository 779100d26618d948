package accmta_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"

	"github.com/kisdex/mpc-custody/internal/mpc/accmta"
	"github.com/kisdex/mpc-custody/internal/mpc/common"
	"github.com/kisdex/mpc-custody/internal/mpc/paillier"
	"github.com/kisdex/mpc-custody/internal/mpc/zkproofs"
)

// ringPedersenBitsForTest is far below the production 2048 bits (keygen.go's
// ringPedersenBits); the dec proof's soundness doesn't depend on key size, so
// tests trade it for speed rather than loading fixed fixtures.
const ringPedersenBitsForTest = 256

func generateRingPedersenForTest() *zkproofs.RingPedersenParams {
	p := common.GetRandomSafePrime(ringPedersenBitsForTest / 2)
	q := common.GetRandomSafePrime(ringPedersenBitsForTest / 2)
	n := new(big.Int).Mul(p, q)
	phi := new(big.Int).Mul(new(big.Int).Sub(p, big.NewInt(1)), new(big.Int).Sub(q, big.NewInt(1)))
	t := common.GetRandomPositiveInt(n)
	for !common.IsNumberInMultiplicativeGroup(n, t) {
		t = common.GetRandomPositiveInt(n)
	}
	lambda := common.GetRandomPositiveInt(phi)
	s := common.ModInt(n).Exp(t, lambda)
	return &zkproofs.RingPedersenParams{S: s, T: t, N: n}
}

func TestMtAAdditiveRelation(t *testing.T) {
	ec := btcec.S256()
	q := ec.Params().N

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	skA, pkA, err := paillier.GenerateKeyPair(ctx, 1024)
	assert.NoError(t, err)

	a := common.GetRandomPositiveInt(q)
	b := common.GetRandomPositiveInt(q)

	cA, err := accmta.AliceInit(pkA, a)
	assert.NoError(t, err)

	beta, cAlpha, _, _, decProof, err := accmta.BobResponds(ec, pkA, nil, cA, b, nil)
	assert.NoError(t, err)
	assert.Nil(t, decProof, "no ring-pedersen params supplied: no proof should be produced")

	alpha, err := accmta.AliceEnd(skA, cAlpha, q)
	assert.NoError(t, err)

	left := common.ModInt(q).Mul(a, b)
	right := common.ModInt(q).Add(alpha, beta)
	assert.Equal(t, 0, left.Cmp(right))
}

func TestMtADecProofGatesAliceEnd(t *testing.T) {
	ec := btcec.S256()
	q := ec.Params().N

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	skA, pkA, err := paillier.GenerateKeyPair(ctx, 1024)
	assert.NoError(t, err)
	_, pkB, err := paillier.GenerateKeyPair(ctx, 1024)
	assert.NoError(t, err)

	rp := generateRingPedersenForTest()

	a := common.GetRandomPositiveInt(q)
	b := common.GetRandomPositiveInt(q)

	cA, err := accmta.AliceInit(pkA, a)
	assert.NoError(t, err)

	beta, cAlpha, cBetaPrime, x, decProof, err := accmta.BobResponds(ec, pkA, nil, cA, b, rp)
	assert.NoError(t, err)
	assert.NotNil(t, decProof, "ring-pedersen params supplied: a proof must be produced")

	assert.True(t, accmta.VerifyDecProof(ec, pkA, decProof, cBetaPrime, x, rp),
		"genuine proof from an honest Bob must verify against his own ring-pedersen params")

	alpha, err := accmta.AliceEnd(skA, cAlpha, q)
	assert.NoError(t, err)
	left := common.ModInt(q).Mul(a, b)
	right := common.ModInt(q).Add(alpha, beta)
	assert.Equal(t, 0, left.Cmp(right))

	// A statement built against the wrong Paillier key must not verify.
	assert.False(t, accmta.VerifyDecProof(ec, pkB, decProof, cBetaPrime, x, rp))

	// A tampered x must not verify either.
	tamperedX := new(big.Int).Add(x, big.NewInt(1))
	assert.False(t, accmta.VerifyDecProof(ec, pkA, decProof, cBetaPrime, tamperedX, rp))
}
