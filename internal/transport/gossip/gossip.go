// Package gossip implements the gossip-broadcast Transport variant
// (spec.md §4.4(ii)): broadcast over an encrypted peer-to-peer substrate.
// Grounded on orbas1-Synnergy's go.mod, which carries the full
// github.com/libp2p/go-libp2p + go-libp2p-pubsub stack; this package is the
// home for that dependency pair in the custody core.
package gossip

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kisdex/mpc-custody/internal/model"
	"github.com/kisdex/mpc-custody/internal/transport"
)

// Transport broadcasts every frame (direct sends are modeled as a broadcast
// addressed to a single recipient; every peer receives it but only the
// addressed party's session buffer keeps it) over one libp2p pubsub topic
// per session, named from the session id; BroadcastTo's topic argument is
// not used.
type Transport struct {
	log        *zap.SugaredLogger
	partyIndex int
	host       host.Host
	ps         *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	sessMu   sync.Mutex
	sessions map[[32]byte]chan transport.Frame
}

// New starts a libp2p host listening on listenAddr and joins it to the
// gossipsub router. bootstrapPeers are dialed eagerly so the mesh forms
// before the first session starts.
func New(ctx context.Context, log *zap.SugaredLogger, partyIndex int, listenAddr string, bootstrapPeers []peer.AddrInfo) (*Transport, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, errors.Wrap(model.ErrTransportUnreachable, err.Error())
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, errors.Wrap(err, "constructing gossipsub router")
	}

	for _, pi := range bootstrapPeers {
		if err := h.Connect(ctx, pi); err != nil {
			log.Warnw("gossip bootstrap peer unreachable", "peer", pi.ID, "error", err)
		}
	}

	return &Transport{
		log:        log,
		partyIndex: partyIndex,
		host:       h,
		ps:         ps,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*pubsub.Subscription),
		sessions:   make(map[[32]byte]chan transport.Frame),
	}, nil
}

func (t *Transport) PartyIndex() int { return t.partyIndex }

func (t *Transport) topicFor(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if top, ok := t.topics[name]; ok {
		return top, nil
	}
	top, err := t.ps.Join(name)
	if err != nil {
		return nil, errors.Wrap(err, "joining gossip topic")
	}
	t.topics[name] = top

	sub, err := top.Subscribe()
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to gossip topic")
	}
	t.subs[name] = sub
	go t.readLoop(sub)
	return top, nil
}

func (t *Transport) readLoop(sub *pubsub.Subscription) {
	ctx := context.Background()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // topic closed
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue // our own publish, already processed locally
		}
		frame, ok := decodeFrame(msg.Data)
		if !ok {
			t.log.Warnw("gossip dropped malformed frame")
			continue
		}
		if frame.Recipient != transport.Broadcast && int(frame.Recipient) != t.partyIndex {
			continue // addressed to someone else; ignore
		}
		t.dispatch(frame)
	}
}

func (t *Transport) dispatch(f transport.Frame) {
	t.sessMu.Lock()
	ch, ok := t.sessions[f.SessionID]
	if !ok {
		ch = make(chan transport.Frame, 256)
		t.sessions[f.SessionID] = ch
	}
	t.sessMu.Unlock()

	select {
	case ch <- f:
	default:
		go func() { ch <- f }()
	}
}

func (t *Transport) Receive(sessionID [32]byte) <-chan transport.Frame {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	ch, ok := t.sessions[sessionID]
	if !ok {
		ch = make(chan transport.Frame, 256)
		t.sessions[sessionID] = ch
	}
	return ch
}

func (t *Transport) CancelSession(sessionID [32]byte) {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Transport) Send(ctx context.Context, to int, frame transport.Frame) error {
	frame.Recipient = int32(to)
	return t.publish(ctx, sessionTopic(frame.SessionID), frame)
}

func (t *Transport) BroadcastTo(ctx context.Context, topic string, frame transport.Frame) error {
	frame.Recipient = transport.Broadcast
	return t.publish(ctx, sessionTopic(frame.SessionID), frame)
}

func (t *Transport) publish(ctx context.Context, topicName string, frame transport.Frame) error {
	top, err := t.topicFor(topicName)
	if err != nil {
		return err
	}
	if err := top.Publish(ctx, encodeFrame(frame)); err != nil {
		return errors.Wrap(model.ErrTransportUnreachable, err.Error())
	}
	// gossipsub does not loop back the publisher's own message; deliver it
	// locally too so the sender's own round machine observes it like any
	// other transport variant would for a self-addressed frame.
	if frame.Recipient == transport.Broadcast || int(frame.Recipient) == t.partyIndex {
		t.dispatch(frame)
	}
	return nil
}

func sessionTopic(sessionID [32]byte) string {
	return "mpc-session-" + string(sessionID[:8])
}

func encodeFrame(f transport.Frame) []byte {
	buf := make([]byte, 0, 32+2+2+4+4+len(f.Payload)+4+len(f.MAC))
	buf = append(buf, f.SessionID[:]...)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], f.Round)
	buf = append(buf, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], f.Sender)
	buf = append(buf, u16[:]...)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(f.Recipient))
	buf = append(buf, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], uint32(len(f.Payload)))
	buf = append(buf, u32[:]...)
	buf = append(buf, f.Payload...)
	binary.BigEndian.PutUint32(u32[:], uint32(len(f.MAC)))
	buf = append(buf, u32[:]...)
	buf = append(buf, f.MAC...)
	return buf
}

func decodeFrame(b []byte) (transport.Frame, bool) {
	var f transport.Frame
	if len(b) < 32+2+2+4+4 {
		return f, false
	}
	copy(f.SessionID[:], b[:32])
	b = b[32:]
	f.Round = binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	f.Sender = binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	f.Recipient = int32(binary.BigEndian.Uint32(b[:4]))
	b = b[4:]
	payloadLen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < payloadLen+4 {
		return f, false
	}
	f.Payload = append([]byte(nil), b[:payloadLen]...)
	b = b[payloadLen:]
	macLen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < macLen {
		return f, false
	}
	f.MAC = append([]byte(nil), b[:macLen]...)
	return f, true
}
