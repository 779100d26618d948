package presigpool_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kisdex/mpc-custody/internal/coordstore"
	"github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
	"github.com/kisdex/mpc-custody/internal/presigpool"
	"github.com/kisdex/mpc-custody/internal/transport"
)

// fakeTransport wires one node's session traffic directly to its peers with
// no network hop, mirroring internal/mpcsession and internal/signer's own
// test fixtures.
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
		ch = make(chan transport.Frame, 64)
		t.sessions[sessionID] = ch
	}
	return ch
}

func (t *fakeTransport) Send(ctx context.Context, to int, frame transport.Frame) error {
	if dst, ok := t.peers[to]; ok {
		dst.sessionChan(frame.SessionID) <- frame
	}
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

// dkgParties runs a real 3-party DKG so each refiller below has genuine
// share data to run RunPresign against.
func dkgParties(t *testing.T, ids []int) map[int]*ecdsa.Party {
	t.Helper()
	parties := make(map[int]*ecdsa.Party, len(ids))
	for _, id := range ids {
		parties[id] = ecdsa.NewParty(id, nil)
	}
	senders := make(map[int]ecdsa.Sender, len(ids))
	for _, id := range ids {
		self := id
		senders[id] = func(msgBytes []byte, broadcast bool, to uint16) {
			if broadcast {
				for pid, p := range parties {
					if pid == self {
						continue
					}
					p.OnMsg(msgBytes, uint16(self), true)
				}
				return
			}
			if p, ok := parties[int(to)]; ok {
				p.OnMsg(msgBytes, uint16(self), false)
			}
		}
	}
	u16ids := make([]uint16, len(ids))
	for i, id := range ids {
		u16ids[i] = uint16(id)
	}
	for _, id := range ids {
		parties[id].Init(u16ids, len(ids)-1, senders[id])
	}

	shares := make(map[int][]byte, len(ids))
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	wg.Add(len(ids))
	for _, id := range ids {
		go func(id int) {
			defer wg.Done()
			share, err := parties[id].KeyGen(context.Background())
			if err != nil {
				errs <- err
				return
			}
			shares[id] = share
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for _, id := range ids {
		require.NoError(t, parties[id].SetShareData(shares[id]))
	}
	return parties
}

// TestRefillerProducesUsablePresignatures drives a real refill round across
// three nodes sharing one coordination store and asserts every node's pool
// ends up with a presignature usable to finish a signature.
func TestRefillerProducesUsablePresignatures(t *testing.T) {
	ids := []int{1, 2, 3}
	parties := dkgParties(t, ids)
	mesh := newFakeMesh(ids)

	dir := t.TempDir()
	coord, err := coordstore.Open(filepath.Join(dir, "coord.db"))
	require.NoError(t, err)
	defer coord.Close()

	log := zap.NewNop().Sugar()
	walletID := uuid.New()

	pools := make(map[int]*presigpool.Pool, len(ids))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range ids {
		pool := presigpool.NewPool(1, 4)
		pools[id] = pool
		selectSet := func() []int { return ids }
		refiller := presigpool.NewRefiller(walletID, pool, coord, parties[id], mesh[id], uint16(id), selectSet, log)
		go refiller.Run(ctx)
	}

	require.Eventually(t, func() bool {
		for _, pool := range pools {
			length, _, _ := pool.Stats()
			if length == 0 {
				return false
			}
		}
		return true
	}, 30*time.Second, 20*time.Millisecond)

	presig, ok := pools[1].TryTake()
	require.True(t, ok)
	require.NotNil(t, presig)
}
