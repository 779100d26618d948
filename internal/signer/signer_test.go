package signer_test

import (
	"context"
	"crypto/rand"
	stdecdsa "crypto/ecdsa"
	"crypto/sha256"
	"sync"
	"testing"

	"github.com/agl/ed25519"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kisdex/mpc-custody/internal/grantauth"
	"github.com/kisdex/mpc-custody/internal/model"
	"github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
	"github.com/kisdex/mpc-custody/internal/presigpool"
	"github.com/kisdex/mpc-custody/internal/signer"
	"github.com/kisdex/mpc-custody/internal/transport"
)

// fakeTransport wires one node's session traffic directly to its peers with
// no network hop, mirroring internal/mpcsession's own test fixture.
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

// staticWalletInfo satisfies signer.WalletInfoLookup with one fixed answer.
type staticWalletInfo signer.WalletInfo

func (w staticWalletInfo) WalletInfo(ctx context.Context, walletID uuid.UUID) (signer.WalletInfo, error) {
	return signer.WalletInfo(w), nil
}

// dkgECDSAParties runs an in-process DKG (mirrors internal/mpc/ecdsa's own
// test helpers) so each id ends up holding a real threshold share, and
// returns the resulting group public key.
func dkgECDSAParties(t *testing.T, ids []int) (map[int]*ecdsa.Party, *stdecdsa.PublicKey) {
	t.Helper()
	n := len(ids)

	partiesByID := make(map[int]*ecdsa.Party, n)
	for _, id := range ids {
		partiesByID[id] = ecdsa.NewParty(id, nil)
	}
	sendersByID := make(map[int]ecdsa.Sender, n)
	for _, id := range ids {
		self := id
		sendersByID[id] = func(msgBytes []byte, broadcast bool, to uint16) {
			if broadcast {
				for pid, p := range partiesByID {
					if pid == self {
						continue
					}
					p.OnMsg(msgBytes, uint16(self), true)
				}
				return
			}
			if p, ok := partiesByID[int(to)]; ok {
				p.OnMsg(msgBytes, uint16(self), false)
			}
		}
	}
	u16ids := make([]uint16, n)
	for i, id := range ids {
		u16ids[i] = uint16(id)
	}
	for _, id := range ids {
		partiesByID[id].Init(u16ids, n-1, sendersByID[id])
	}

	shares := make(map[int][]byte, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	wg.Add(n)
	for _, id := range ids {
		go func(id int) {
			defer wg.Done()
			share, err := partiesByID[id].KeyGen(context.Background())
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
		require.NoError(t, partiesByID[id].SetShareData(shares[id]))
	}
	groupPub, err := partiesByID[ids[0]].TPubKey()
	require.NoError(t, err)

	return partiesByID, groupPub
}

func TestEngineSignEndToEnd(t *testing.T) {
	const n = 3
	ids := []int{1, 2, 3}

	partiesByID, groupPub := dkgECDSAParties(t, ids)

	issuerPub, issuerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	walletID := uuid.New()
	info := signer.WalletInfo{Ciphersuite: model.CiphersuiteECDSA, Threshold: n - 1, ParticipantCount: n}

	mesh := newFakeMesh(ids)
	engines := make(map[int]*signer.Engine, n)
	for _, id := range ids {
		grants := grantauth.NewAuthority(issuerPub, issuerPriv)
		verifier := grantauth.NewVerifier(issuerPub, id)
		engine := signer.NewEngine(id, staticWalletInfo(info), grants, verifier, mesh[id])
		engine.RegisterECDSAParty(walletID, partiesByID[id])
		engines[id] = engine
	}

	digestArr := sha256.Sum256([]byte("spend 0.5 BTC to bc1q..."))
	tx := model.Transaction{
		TxID:         "tx-1",
		WalletID:     walletID,
		UnsignedBlob: digestArr[:],
	}

	type result struct {
		sig []byte
		err error
	}
	results := make(chan result, n)
	var signWg sync.WaitGroup
	signWg.Add(n)
	for _, id := range ids {
		go func(id int) {
			defer signWg.Done()
			sig, err := engines[id].Sign(context.Background(), tx)
			results <- result{sig, err}
		}(id)
	}
	signWg.Wait()
	close(results)

	for r := range results {
		require.NoError(t, r.err)
		require.True(t, stdecdsa.VerifyASN1(groupPub, digestArr[:], r.sig))
	}
}

// TestEngineSignConsumesPooledPresignature exercises the fast path: once a
// wallet's pool holds a presignature for the signing set a grant picks,
// Sign must consume it via FinishSign (destroying it in the process) rather
// than running a fresh cold presign round.
func TestEngineSignConsumesPooledPresignature(t *testing.T) {
	const n = 3
	ids := []int{1, 2, 3}

	partiesByID, groupPub := dkgECDSAParties(t, ids)

	// Run one cold presign round ahead of time (same signing set every
	// grant below will pick) and stash the result in each node's pool,
	// exactly as internal/presigpool.Refiller does in production.
	presigs := make(map[int]*ecdsa.Presignature, n)
	var presignWg sync.WaitGroup
	presignErrs := make(chan error, n)
	presignWg.Add(n)
	for _, id := range ids {
		go func(id int) {
			defer presignWg.Done()
			presig, err := partiesByID[id].RunPresign(ids)
			if err != nil {
				presignErrs <- err
				return
			}
			presigs[id] = presig
		}(id)
	}
	presignWg.Wait()
	close(presignErrs)
	for err := range presignErrs {
		require.NoError(t, err)
	}

	issuerPub, issuerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	walletID := uuid.New()
	info := signer.WalletInfo{Ciphersuite: model.CiphersuiteECDSA, Threshold: n - 1, ParticipantCount: n}

	mesh := newFakeMesh(ids)
	engines := make(map[int]*signer.Engine, n)
	pools := make(map[int]*presigpool.Pool, n)
	for _, id := range ids {
		grants := grantauth.NewAuthority(issuerPub, issuerPriv)
		verifier := grantauth.NewVerifier(issuerPub, id)
		engine := signer.NewEngine(id, staticWalletInfo(info), grants, verifier, mesh[id])
		engine.RegisterECDSAParty(walletID, partiesByID[id])

		pool := presigpool.NewPool(1, 1)
		require.True(t, pool.Insert(presigs[id]))
		engine.RegisterPresignaturePool(walletID, pool)

		engines[id] = engine
		pools[id] = pool
	}

	digestArr := sha256.Sum256([]byte("spend 0.3 BTC to bc1q..."))
	tx := model.Transaction{
		TxID:         "tx-2",
		WalletID:     walletID,
		UnsignedBlob: digestArr[:],
	}

	type result struct {
		sig []byte
		err error
	}
	results := make(chan result, n)
	var signWg sync.WaitGroup
	signWg.Add(n)
	for _, id := range ids {
		go func(id int) {
			defer signWg.Done()
			sig, err := engines[id].Sign(context.Background(), tx)
			results <- result{sig, err}
		}(id)
	}
	signWg.Wait()
	close(results)

	for r := range results {
		require.NoError(t, r.err)
		require.True(t, stdecdsa.VerifyASN1(groupPub, digestArr[:], r.sig))
	}

	for _, id := range ids {
		_, ok := pools[id].TryTake()
		require.False(t, ok, "pooled presignature must be consumed, not left behind")
	}
}
