package grantauth

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/kisdex/mpc-custody/internal/model"
)

// CanonicalBytes builds the signature-input layout of spec.md §6:
//
//	grant_id (16) ‖ wallet_id (16) ‖ op_kind (1) ‖ message_hash (32) ‖
//	threshold (2) ‖ n_participants (2) ‖ participants[] (2·n) ‖
//	expires_at (8, big-endian) ‖ nonce (8)
func CanonicalBytes(g model.Grant) []byte {
	participants := append([]int(nil), g.Participants...)
	sort.Ints(participants)

	buf := make([]byte, 0, 16+16+1+32+2+2+2*len(participants)+8+8)
	buf = append(buf, g.GrantID[:]...)
	buf = append(buf, g.WalletID[:]...)
	buf = append(buf, opKindByte(g.OperationKind))
	buf = append(buf, g.MessageHash[:]...)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(g.Threshold))
	buf = append(buf, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], uint16(len(participants)))
	buf = append(buf, u16[:]...)
	for _, p := range participants {
		binary.BigEndian.PutUint16(u16[:], uint16(p))
		buf = append(buf, u16[:]...)
	}

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(g.ExpiresAt))
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], g.Nonce)
	buf = append(buf, u64[:]...)
	return buf
}

// SignatureDigest is the SHA-256 of CanonicalBytes, the actual Ed25519
// signing input (spec.md §6: "Signature is Ed25519 over the SHA-256 of this
// layout").
func SignatureDigest(g model.Grant) [32]byte {
	return sha256.Sum256(CanonicalBytes(g))
}

func opKindByte(k model.OperationKind) byte {
	switch k {
	case model.OperationDKG:
		return 0
	case model.OperationSigning:
		return 1
	default:
		return 0xff
	}
}
