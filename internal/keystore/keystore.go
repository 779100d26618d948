// Package keystore implements the Key Store (spec.md §4.1): encrypted
// per-node persistence of one key share per wallet, envelope-encrypted so
// the share ciphertext is never stored in plaintext at rest.
package keystore

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kisdex/mpc-custody/internal/model"
)

var bucketShares = []byte("key_shares")

// Store is a bbolt-backed key share store. bbolt gives the single-writer
// ACID transaction this component needs; share bytes are always written and
// read as AEAD ciphertext, never plaintext.
type Store struct {
	db       *bbolt.DB
	masterKey [chacha20poly1305.KeySize]byte
}

// Open opens (creating if absent) the bbolt database at path, protected by
// masterKey (the node master key — provisioned out of band per the Open
// Question in spec.md §9; see DESIGN.md for the bootstrap decision).
func Open(path string, masterKey [chacha20poly1305.KeySize]byte) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening key store database")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketShares)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating key share bucket")
	}
	return &Store{db: db, masterKey: masterKey}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// envelope is the on-disk record: a fresh data key, itself AEAD-encrypted
// under the node master key, and the share AEAD-encrypted under the data
// key. Two independent nonces keep the two encryption layers cryptographically
// separate.
type envelope struct {
	WrappedDataKey []byte
	DataKeyNonce   []byte
	Ciphertext     []byte
	ShareNonce     []byte
}

// Put encrypts and persists a key share. It rejects a duplicate wallet_id
// (spec.md §4.1).
func (s *Store) Put(walletID uuid.UUID, share model.KeyShare) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketShares)
		if b.Get(walletID[:]) != nil {
			return errors.Errorf("key share for wallet %s already exists", walletID)
		}

		plain := marshalShare(share)

		var dataKey [chacha20poly1305.KeySize]byte
		if _, err := rand.Read(dataKey[:]); err != nil {
			return errors.Wrap(err, "generating data key")
		}

		dataAEAD, err := chacha20poly1305.New(dataKey[:])
		if err != nil {
			return errors.Wrap(err, "constructing data key AEAD")
		}
		shareNonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(shareNonce); err != nil {
			return errors.Wrap(err, "generating share nonce")
		}
		ciphertext := dataAEAD.Seal(nil, shareNonce, plain, walletID[:])

		masterAEAD, err := chacha20poly1305.New(s.masterKey[:])
		if err != nil {
			return errors.Wrap(err, "constructing master key AEAD")
		}
		dataKeyNonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(dataKeyNonce); err != nil {
			return errors.Wrap(err, "generating data key nonce")
		}
		wrappedDataKey := masterAEAD.Seal(nil, dataKeyNonce, dataKey[:], walletID[:])

		env := envelope{
			WrappedDataKey: wrappedDataKey,
			DataKeyNonce:   dataKeyNonce,
			Ciphertext:     ciphertext,
			ShareNonce:     shareNonce,
		}
		return b.Put(walletID[:], encodeEnvelope(env))
	})
}

// Get decrypts and returns the key share for wallet_id, or
// model.ErrKeyShareMissing when absent, or model.ErrKeyShareDecryptFailed
// when the AEAD tag fails to authenticate (tampering).
func (s *Store) Get(walletID uuid.UUID) (model.KeyShare, error) {
	var share model.KeyShare
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketShares)
		raw := b.Get(walletID[:])
		if raw == nil {
			return model.ErrKeyShareMissing
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return errors.Wrap(model.ErrKeyShareDecryptFailed, err.Error())
		}

		masterAEAD, err := chacha20poly1305.New(s.masterKey[:])
		if err != nil {
			return errors.Wrap(err, "constructing master key AEAD")
		}
		dataKey, err := masterAEAD.Open(nil, env.DataKeyNonce, env.WrappedDataKey, walletID[:])
		if err != nil {
			return errors.Wrap(model.ErrKeyShareDecryptFailed, "data key unwrap failed")
		}

		dataAEAD, err := chacha20poly1305.New(dataKey)
		if err != nil {
			return errors.Wrap(err, "constructing data key AEAD")
		}
		plain, err := dataAEAD.Open(nil, env.ShareNonce, env.Ciphertext, walletID[:])
		zero(dataKey)
		if err != nil {
			return errors.Wrap(model.ErrKeyShareDecryptFailed, "share ciphertext did not authenticate")
		}
		defer zero(plain)

		share = unmarshalShare(plain)
		return nil
	})
	return share, err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
