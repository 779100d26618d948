package paillier_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
	. "github.com/kisdex/mpc-custody/internal/mpc/paillier"
)

const testPaillierKeyLength = 1024

var (
	privateKey *PrivateKey
	publicKey  *PublicKey
)

func setUp(t *testing.T) {
	if privateKey != nil && publicKey != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var err error
	privateKey, publicKey, err = GenerateKeyPair(ctx, testPaillierKeyLength)
	assert.NoError(t, err)
}

func TestGenerateKeyPair(t *testing.T) {
	setUp(t)
	assert.NotZero(t, publicKey)
	assert.NotZero(t, privateKey)
}

func TestEncrypt(t *testing.T) {
	setUp(t)
	cipher, err := publicKey.Encrypt(big.NewInt(1))
	assert.NoError(t, err)
	assert.NotZero(t, cipher)
}

func TestEncryptDecrypt(t *testing.T) {
	setUp(t)
	exp := big.NewInt(100)
	cypher, err := privateKey.Encrypt(exp)
	assert.NoError(t, err)

	ret, err := privateKey.Decrypt(cypher)
	assert.NoError(t, err)
	assert.Equal(t, 0, exp.Cmp(ret), "wrong decryption", ret, "is not", exp)

	cypher = new(big.Int).Set(privateKey.N)
	_, err = privateKey.Decrypt(cypher)
	assert.Error(t, err)
}

func TestDecryptFull(t *testing.T) {
	setUp(t)
	exp := big.NewInt(100)
	cypher, rho, err := privateKey.EncryptAndReturnRandomness(exp)
	assert.NoError(t, err)

	ret, retRho, err := privateKey.DecryptFull(cypher)
	assert.NoError(t, err)
	assert.Equal(t, 0, exp.Cmp(ret))
	assert.Equal(t, 0, rho.Cmp(retRho))
}

func TestHomoMul(t *testing.T) {
	setUp(t)
	three, err := privateKey.Encrypt(big.NewInt(3))
	assert.NoError(t, err)

	six := big.NewInt(6)
	cm, err := privateKey.HomoMult(six, three)
	assert.NoError(t, err)

	multiple, err := privateKey.Decrypt(cm)
	assert.NoError(t, err)
	assert.Equal(t, 0, multiple.Cmp(big.NewInt(18)))
}

func TestHomoMulAndReturnRandomness(t *testing.T) {
	setUp(t)
	three, err := privateKey.Encrypt(big.NewInt(3))
	assert.NoError(t, err)

	six := big.NewInt(6)
	cm, rho, err := privateKey.HomoMultAndReturnRandomness(six, three)
	assert.NoError(t, err)

	multiple, err := privateKey.Decrypt(cm)
	assert.NoError(t, err)
	assert.Equal(t, 0, multiple.Cmp(big.NewInt(18)))
	assert.NotZero(t, rho)
}

func TestMultInv(t *testing.T) {
	setUp(t)
	num := big.NewInt(2343)
	zero := big.NewInt(0)

	cipher, _ := publicKey.Encrypt(num)
	inv, _ := publicKey.HomoMultInv(cipher)
	negNum, _ := privateKey.Decrypt(inv)
	nMinusNum := new(big.Int).Sub(publicKey.N, num)
	actual := common.ModInt(publicKey.N).Add(num, negNum)

	assert.True(t, common.ModInt(publicKey.N).IsCongruent(zero, actual))
	assert.True(t, common.ModInt(publicKey.N).IsAdditiveInverse(num, negNum))
	assert.Equal(t, 0, negNum.Cmp(nMinusNum))
}

func TestHomoAdd(t *testing.T) {
	setUp(t)
	num1 := big.NewInt(10)
	num2 := big.NewInt(32)

	one, _ := publicKey.Encrypt(num1)
	two, _ := publicKey.Encrypt(num2)

	ciphered, _ := publicKey.HomoAdd(one, two)
	plain, _ := privateKey.Decrypt(ciphered)
	assert.Equal(t, new(big.Int).Add(num1, num2), plain)
}

func TestComputeL(t *testing.T) {
	u := big.NewInt(21)
	n := big.NewInt(3)
	assert.Equal(t, 0, big.NewInt(6).Cmp(L(u, n)))
}
