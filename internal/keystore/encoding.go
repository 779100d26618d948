package keystore

import (
	"encoding/binary"

	"github.com/kisdex/mpc-custody/internal/model"
)

// marshalShare/unmarshalShare use a simple length-prefixed layout; the
// result is only ever handled as an opaque AEAD plaintext, never persisted
// un-encrypted.
func marshalShare(s model.KeyShare) []byte {
	buf := make([]byte, 0, 4+len(s.SecretShare)+4+len(s.AuxiliaryData)+4+len(s.GroupPublicKey)+4)
	buf = appendUint32Prefixed(buf, s.SecretShare)
	buf = appendUint32Prefixed(buf, s.AuxiliaryData)
	buf = appendUint32Prefixed(buf, s.GroupPublicKey)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(s.PartyIndex))
	buf = append(buf, idx[:]...)
	return buf
}

func unmarshalShare(b []byte) model.KeyShare {
	var s model.KeyShare
	secret, rest := readUint32Prefixed(b)
	aux, rest2 := readUint32Prefixed(rest)
	pub, rest3 := readUint32Prefixed(rest2)
	s.SecretShare = secret
	s.AuxiliaryData = aux
	s.GroupPublicKey = pub
	if len(rest3) >= 4 {
		s.PartyIndex = int(binary.BigEndian.Uint32(rest3[:4]))
	}
	return s
}

func appendUint32Prefixed(buf []byte, data []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	return append(buf, data...)
}

func readUint32Prefixed(b []byte) (data []byte, rest []byte) {
	if len(b) < 4 {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil
	}
	return b[:n], b[n:]
}

// encodeEnvelope/decodeEnvelope serialize the envelope struct for bbolt
// storage with the same length-prefixed layout.
func encodeEnvelope(e envelope) []byte {
	var buf []byte
	buf = appendUint32Prefixed(buf, e.WrappedDataKey)
	buf = appendUint32Prefixed(buf, e.DataKeyNonce)
	buf = appendUint32Prefixed(buf, e.Ciphertext)
	buf = appendUint32Prefixed(buf, e.ShareNonce)
	return buf
}

func decodeEnvelope(b []byte) (envelope, error) {
	wrappedDataKey, rest := readUint32Prefixed(b)
	dataKeyNonce, rest2 := readUint32Prefixed(rest)
	ciphertext, rest3 := readUint32Prefixed(rest2)
	shareNonce, _ := readUint32Prefixed(rest3)
	return envelope{
		WrappedDataKey: wrappedDataKey,
		DataKeyNonce:   dataKeyNonce,
		Ciphertext:     ciphertext,
		ShareNonce:     shareNonce,
	}, nil
}
