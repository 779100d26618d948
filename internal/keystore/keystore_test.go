package keystore

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kisdex/mpc-custody/internal/model"
)

func testMasterKey(t *testing.T) [chacha20poly1305.KeySize]byte {
	t.Helper()
	var key [chacha20poly1305.KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "shares.db"), testMasterKey(t))
	require.NoError(t, err)
	defer store.Close()

	walletID := uuid.New()
	share := model.KeyShare{
		WalletID:       walletID,
		PartyIndex:     2,
		SecretShare:    []byte{1, 2, 3, 4},
		AuxiliaryData:  []byte("paillier-aux"),
		GroupPublicKey: []byte{9, 9, 9},
	}

	require.NoError(t, store.Put(walletID, share))

	got, err := store.Get(walletID)
	require.NoError(t, err)
	assert.Equal(t, share.PartyIndex, got.PartyIndex)
	assert.Equal(t, share.SecretShare, got.SecretShare)
	assert.Equal(t, share.AuxiliaryData, got.AuxiliaryData)
	assert.Equal(t, share.GroupPublicKey, got.GroupPublicKey)
}

func TestPutRejectsDuplicateWallet(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "shares.db"), testMasterKey(t))
	require.NoError(t, err)
	defer store.Close()

	walletID := uuid.New()
	share := model.KeyShare{WalletID: walletID, PartyIndex: 0, SecretShare: []byte{1}}
	require.NoError(t, store.Put(walletID, share))
	assert.Error(t, store.Put(walletID, share))
}

func TestGetMissingWallet(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "shares.db"), testMasterKey(t))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(uuid.New())
	assert.ErrorIs(t, err, model.ErrKeyShareMissing)
}

func TestGetDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "shares.db"), testMasterKey(t))
	require.NoError(t, err)
	defer store.Close()

	walletID := uuid.New()
	require.NoError(t, store.Put(walletID, model.KeyShare{WalletID: walletID, SecretShare: []byte{1, 2, 3}}))

	// Corrupt a key-key using a different master key: same ciphertext, wrong
	// unwrap key, must surface as a decrypt failure rather than garbage data.
	wrongKey := testMasterKey(t)
	wrongKey[0] ^= 0xff
	store.masterKey = wrongKey

	_, err = store.Get(walletID)
	assert.ErrorIs(t, err, model.ErrKeyShareDecryptFailed)
}
