// Package relay implements the coordinator relay Transport variant
// (spec.md §4.4(iii)): nodes talk only to a relay, which performs
// store-and-forward. The relay cannot forge messages because every frame's
// MAC authenticates it end to end (transport.ComputeMAC) — the relay only
// ever sees bytes it could not have produced itself.
package relay

import (
	"context"
	"sync"

	"github.com/kisdex/mpc-custody/internal/transport"
)

// Hub is the coordinator's in-process store-and-forward mailbox. A real
// deployment runs one Hub behind a network listener; this type is the
// transport-agnostic core so it can be embedded either in-process (for a
// single-binary test topology) or behind a thin RPC front end.
type Hub struct {
	mu     sync.Mutex
	mboxes map[int]chan transport.Frame // partyIndex -> inbound mailbox
}

func NewHub() *Hub {
	return &Hub{mboxes: make(map[int]chan transport.Frame)}
}

func (h *Hub) mailbox(partyIndex int) chan transport.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb, ok := h.mboxes[partyIndex]
	if !ok {
		mb = make(chan transport.Frame, 1024)
		h.mboxes[partyIndex] = mb
	}
	return mb
}

// Deliver stores frame for the addressed party (or every known party, for a
// broadcast), performing no authentication of its own — only forwarding.
func (h *Hub) Deliver(frame transport.Frame, knownParties []int) {
	if frame.Recipient == transport.Broadcast {
		for _, p := range knownParties {
			select {
			case h.mailbox(p) <- frame:
			default:
				go func(p int) { h.mailbox(p) <- frame }(p)
			}
		}
		return
	}
	mb := h.mailbox(int(frame.Recipient))
	select {
	case mb <- frame:
	default:
		go func() { mb <- frame }()
	}
}

// Transport is one node's client view of a Hub.
type Transport struct {
	hub          *Hub
	partyIndex   int
	knownParties []int

	sessMu   sync.Mutex
	sessions map[[32]byte]chan transport.Frame

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(hub *Hub, partyIndex int, knownParties []int) *Transport {
	t := &Transport{
		hub:          hub,
		partyIndex:   partyIndex,
		knownParties: knownParties,
		sessions:     make(map[[32]byte]chan transport.Frame),
		stopCh:       make(chan struct{}),
	}
	go t.pump()
	return t
}

func (t *Transport) PartyIndex() int { return t.partyIndex }

func (t *Transport) pump() {
	mb := t.hub.mailbox(t.partyIndex)
	for {
		select {
		case <-t.stopCh:
			return
		case f := <-mb:
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
	t.hub.Deliver(frame, t.knownParties)
	return nil
}

func (t *Transport) BroadcastTo(ctx context.Context, topic string, frame transport.Frame) error {
	frame.Recipient = transport.Broadcast
	t.hub.Deliver(frame, t.knownParties)
	return nil
}

func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	return nil
}
