// Package mpcsession bridges one ciphersuite Party's abstract Sender
// callback (internal/mpc/ecdsa.Sender, internal/mpc/schnorr.Sender — both
// `func(msgBytes []byte, broadcast bool, to uint16)`) to a concrete
// transport.Transport session: every outbound protocol message becomes a
// MAC-authenticated transport.Frame, and every inbound frame is handed to
// the party's OnMsg. Grounded on spec.md §6's frame/session layout and
// transport.go's AuthKey contract ("the per-session symmetric key derived
// by every participant from the grant they each independently verified").
package mpcsession

import (
	"context"
	"crypto/sha256"
	"sync/atomic"

	"github.com/kisdex/mpc-custody/internal/transport"
)

const mpcTopic = "mpc"

// DeriveAuthKey derives the per-session frame-authentication key from a
// grant's signature digest (model/grantauth.SignatureDigest), which every
// participant recomputes identically after independently verifying the
// same grant (spec.md §4.5).
func DeriveAuthKey(grantDigest [32]byte) transport.AuthKey {
	h := sha256.New()
	h.Write([]byte("mpc-custody/session-auth-key"))
	h.Write(grantDigest[:])
	var key transport.AuthKey
	copy(key[:], h.Sum(nil))
	return key
}

// Bridge owns one session's outbound Sender and inbound pump.
type Bridge struct {
	transport transport.Transport
	sessionID [32]byte
	authKey   transport.AuthKey
	self      uint16
	round     uint32
	onMsg     func(msgBytes []byte, from uint16, broadcast bool)
}

// New constructs a Bridge. sessionID is conventionally the grant's
// signature digest (so every participant computes the same session id
// without a further coordination round); onMsg is the party's OnMsg method.
func New(t transport.Transport, sessionID [32]byte, authKey transport.AuthKey, self uint16,
	onMsg func(msgBytes []byte, from uint16, broadcast bool)) *Bridge {
	return &Bridge{transport: t, sessionID: sessionID, authKey: authKey, self: self, onMsg: onMsg}
}

// Sender returns the callback to pass into a Party's Init call. Each
// outbound message is stamped with the next round number in this session's
// monotonic sequence, so one protocol round that emits a broadcast and
// several p2p messages puts each under its own wire round number.
func (b *Bridge) Sender() func(msgBytes []byte, broadcast bool, to uint16) {
	return func(msgBytes []byte, broadcast bool, to uint16) {
		round := atomic.AddUint32(&b.round, 1)
		f := transport.Frame{
			SessionID: b.sessionID,
			Round:     uint16(round),
			Sender:    b.self,
			Payload:   msgBytes,
		}
		if broadcast {
			f.Recipient = transport.Broadcast
		} else {
			f.Recipient = int32(to)
		}
		transport.Sign(b.authKey, &f)

		ctx := context.Background()
		if broadcast {
			_ = b.transport.BroadcastTo(ctx, mpcTopic, f)
		} else {
			_ = b.transport.Send(ctx, int(to), f)
		}
	}
}

// Pump forwards every inbound, MAC-verified frame for this session to onMsg
// until ctx is cancelled or the transport closes the session's channel.
func (b *Bridge) Pump(ctx context.Context) {
	ch := b.transport.Receive(b.sessionID)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-ch:
				if !ok {
					return
				}
				if !transport.VerifyMAC(b.authKey, f) {
					continue
				}
				b.onMsg(f.Payload, f.Sender, f.Recipient == transport.Broadcast)
			}
		}
	}()
}

// Close cancels the underlying transport session, draining its buffered
// queue (spec.md §4.4).
func (b *Bridge) Close() {
	b.transport.CancelSession(b.sessionID)
}
