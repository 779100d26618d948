package mpcsession_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdex/mpc-custody/internal/mpcsession"
	"github.com/kisdex/mpc-custody/internal/transport"
)

// fakeTransport is a minimal in-process transport.Transport: every party
// gets its own inbound channel, Send/BroadcastTo fan out frames directly
// with no network hop.
type fakeTransport struct {
	self  int
	peers map[int]*fakeTransport

	mu       sync.Mutex
	sessions map[[32]byte]chan transport.Frame
}

func newFakeMesh(ids []int) map[int]*fakeTransport {
	mesh := make(map[int]*fakeTransport, len(ids))
	for _, id := range ids {
		mesh[id] = &fakeTransport{self: id, sessions: make(map[[32]byte]chan transport.Frame)}
	}
	for _, t := range mesh {
		t.peers = mesh
	}
	return mesh
}

func (t *fakeTransport) sessionChan(sessionID [32]byte) chan transport.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.sessions[sessionID]
	if !ok {
		ch = make(chan transport.Frame, 16)
		t.sessions[sessionID] = ch
	}
	return ch
}

func (t *fakeTransport) Send(ctx context.Context, to int, frame transport.Frame) error {
	dst, ok := t.peers[to]
	if !ok {
		return nil
	}
	dst.sessionChan(frame.SessionID) <- frame
	return nil
}

func (t *fakeTransport) BroadcastTo(ctx context.Context, topic string, frame transport.Frame) error {
	for id, dst := range t.peers {
		if id == t.self {
			continue
		}
		dst.sessionChan(frame.SessionID) <- frame
	}
	return nil
}

func (t *fakeTransport) Receive(sessionID [32]byte) <-chan transport.Frame {
	return t.sessionChan(sessionID)
}

func (t *fakeTransport) CancelSession(sessionID [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *fakeTransport) PartyIndex() int { return t.self }

func TestBridgeDeliversBroadcastAndDirectMessages(t *testing.T) {
	mesh := newFakeMesh([]int{1, 2, 3})
	var sessionID [32]byte
	copy(sessionID[:], []byte("session-under-test"))
	authKey := mpcsession.DeriveAuthKey(sessionID)

	var mu sync.Mutex
	received := make(map[int][]string)
	record := func(self int) func(msgBytes []byte, from uint16, broadcast bool) {
		return func(msgBytes []byte, from uint16, broadcast bool) {
			mu.Lock()
			defer mu.Unlock()
			received[self] = append(received[self], string(msgBytes))
		}
	}

	bridges := make(map[int]*mpcsession.Bridge, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for id := 1; id <= 3; id++ {
		b := mpcsession.New(mesh[id], sessionID, authKey, uint16(id), record(id))
		b.Pump(ctx)
		bridges[id] = b
	}

	bridges[1].Sender()([]byte("hello-everyone"), true, 0)
	bridges[2].Sender()([]byte("hello-party-3"), false, 3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received[2]) == 1 && len(received[3]) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, received[2], "hello-everyone")
	assert.Contains(t, received[3], "hello-everyone")
	assert.Contains(t, received[3], "hello-party-3")
	assert.Empty(t, received[1]) // party 1 never receives its own broadcast
}

func TestBridgeRejectsFramesWithWrongAuthKey(t *testing.T) {
	mesh := newFakeMesh([]int{1, 2})
	var sessionID [32]byte
	copy(sessionID[:], []byte("wrong-key-session"))
	goodKey := mpcsession.DeriveAuthKey(sessionID)
	var otherSession [32]byte
	copy(otherSession[:], []byte("a-different-session-entirely"))
	badKey := mpcsession.DeriveAuthKey(otherSession)

	var mu sync.Mutex
	var gotMsg bool
	receiver := mpcsession.New(mesh[2], sessionID, goodKey, 2, func(msgBytes []byte, from uint16, broadcast bool) {
		mu.Lock()
		defer mu.Unlock()
		gotMsg = true
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receiver.Pump(ctx)

	sender := mpcsession.New(mesh[1], sessionID, badKey, 1, nil)
	sender.Sender()([]byte("forged"), false, 2)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, gotMsg, "frame signed with the wrong session key must be dropped")
}
