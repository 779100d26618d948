// Package transport defines the Transport contract (spec.md §4.4, §6):
// per-sender FIFO, authenticated, confidential node-to-node messaging, with
// direct send and topic broadcast. Three interchangeable implementations
// live in the tlsmesh, gossip and relay subpackages.
package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// Broadcast is the sentinel recipient for a broadcast frame (spec.md §6).
const Broadcast = -1

// Frame is the wire unit of spec.md §6: every frame carries session id,
// round number and sender party index, and is MAC-authenticated end to end
// so that even a store-and-forward relay cannot forge it.
type Frame struct {
	SessionID [32]byte
	Round     uint16
	Sender    uint16
	Recipient int32 // party index, or Broadcast
	Payload   []byte
	MAC       []byte
}

// Transport is implemented by tlsmesh.Transport, gossip.Transport and
// relay.Transport. All three preserve per-sender FIFO ordering and buffer
// incoming frames per session until consumed (spec.md §4.4, §5).
type Transport interface {
	// Send delivers one logical message to party `to`.
	Send(ctx context.Context, to int, frame Frame) error
	// BroadcastTo sends frame to every other party on the named topic.
	BroadcastTo(ctx context.Context, topic string, frame Frame) error
	// Receive returns the channel of frames addressed to this party (or
	// broadcast) for a given session. Frames are queued per session in
	// arrival order; they are not reordered by round, and frames for past
	// rounds are not discarded here.
	Receive(sessionID [32]byte) <-chan Frame
	// CancelSession drains and discards a session's buffered queue
	// (spec.md §4.4 "Cancellation of a session drains and discards its
	// queue").
	CancelSession(sessionID [32]byte)
	// PartyIndex is this node's own party index.
	PartyIndex() int
}

// AuthKey is the per-session symmetric key (derived by every participant
// from the grant they each independently verified) used to authenticate
// frame contents end to end, independent of whatever confidentiality the
// concrete transport variant layers on top (mTLS channel, libp2p noise
// session, or an untrusted relay).
type AuthKey [32]byte

// ComputeMAC authenticates every field preceding it in the frame (spec.md
// §6: "the MAC covers all preceding fields").
func ComputeMAC(key AuthKey, f Frame) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(f.SessionID[:])
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], f.Round)
	mac.Write(u16[:])
	binary.BigEndian.PutUint16(u16[:], f.Sender)
	mac.Write(u16[:])
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(f.Recipient))
	mac.Write(u32[:])
	mac.Write(f.Payload)
	return mac.Sum(nil)
}

// VerifyMAC checks f.MAC against key, constant-time.
func VerifyMAC(key AuthKey, f Frame) bool {
	expected := ComputeMAC(key, f)
	return hmac.Equal(expected, f.MAC)
}

// Sign stamps f.MAC in place.
func Sign(key AuthKey, f *Frame) {
	f.MAC = ComputeMAC(key, *f)
}
