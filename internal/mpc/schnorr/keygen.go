package schnorr

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
)

type keygenState struct {
	lock        *partyLock
	commitments map[int][]*btcec.PublicKey
	shares      map[int]*big.Int
}

func newKeygenState() *keygenState {
	return &keygenState{
		lock:        newPartyLock(),
		commitments: make(map[int][]*btcec.PublicKey),
		shares:      make(map[int]*big.Int),
	}
}

// runKeygen is the Feldman-VSS DKG this ciphersuite shares structurally
// with internal/mpc/ecdsa's keygen, re-implemented independently the way
// the teacher keeps its ecdsa/ and eddsa/ round chains separate. After the
// group's combined public key is derived, every party applies the same
// BIP340 even-Y negation locally so the wallet's advertised key is always
// Taproot-compatible without any extra coordination round.
func runKeygen(ctx context.Context, self int, ids []int, threshold int, send Sender, st *keygenState) (*ShareData, error) {
	q := Curve().Params().N

	coeffs := make([]*big.Int, threshold+1)
	commitPoints := make([]*btcec.PublicKey, threshold+1)
	for k := range coeffs {
		coeffs[k] = common.GetRandomPositiveInt(q)
		commitPoints[k] = scalarBaseMult(coeffs[k])
	}
	commitBytes := make([][]byte, len(commitPoints))
	for k, p := range commitPoints {
		commitBytes[k] = p.SerializeCompressed()
	}

	raw, err := encodeEnvelope(msgKeygenCommit, self, keygenCommitMsg{Commitments: commitBytes})
	if err != nil {
		return nil, err
	}
	send(raw, true, 0)

	st.lock.mu.Lock()
	st.commitments[self] = commitPoints
	st.lock.mu.Unlock()
	st.lock.signal()

	for _, j := range ids {
		share := evalPoly(coeffs, big.NewInt(int64(j)), q)
		if j == self {
			st.lock.mu.Lock()
			st.shares[self] = share
			st.lock.mu.Unlock()
			st.lock.signal()
			continue
		}
		payload, err := encodeEnvelope(msgKeygenShare, self, keygenShareMsg{Share: share.Bytes()})
		if err != nil {
			return nil, err
		}
		send(payload, false, uint16(j))
	}

	st.lock.waitUntil(func() bool {
		return len(st.commitments) == len(ids) && len(st.shares) == len(ids)
	})

	xi := big.NewInt(0)
	for sender, share := range st.shares {
		expected := evalCommitments(st.commitments[sender], big.NewInt(int64(self)), q)
		got := scalarBaseMult(share)
		if !expected.IsEqual(got) {
			return nil, errors.Errorf("party %d: Feldman VSS verification failed for share from party %d", self, sender)
		}
		xi = new(big.Int).Mod(new(big.Int).Add(xi, share), q)
	}

	groupPub := commitPoints[0]
	for sender, c := range st.commitments {
		if sender == self {
			continue
		}
		groupPub = addPoints(groupPub, c[0])
	}

	ks := make(map[int]*big.Int, len(ids))
	for _, j := range ids {
		ks[j] = big.NewInt(int64(j))
	}

	if groupPub.SerializeCompressed()[0] == 0x03 {
		// odd Y: every party negates their share in lockstep so the group
		// key flips to its even-Y sibling (BIP340 requires even Y).
		xi = new(big.Int).Mod(new(big.Int).Neg(xi), q)
		groupPub = negatePoint(groupPub)
	}

	return &ShareData{
		Threshold:      threshold,
		PartyCount:     len(ids),
		Self:           self,
		Xi:             xi,
		GroupPublicKey: groupPub,
		Ks:             ks,
	}, nil
}

// handleKeygenMsg feeds one inbound envelope into the keygen round's state
// and wakes any goroutine blocked in waitUntil.
func handleKeygenMsg(st *keygenState, env envelope) error {
	switch env.Type {
	case msgKeygenCommit:
		var m keygenCommitMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		points := make([]*btcec.PublicKey, len(m.Commitments))
		for i, b := range m.Commitments {
			p, err := btcec.ParsePubKey(b)
			if err != nil {
				return errors.Wrap(err, "parsing Feldman commitment point")
			}
			points[i] = p
		}
		st.lock.mu.Lock()
		st.commitments[env.From] = points
		st.lock.mu.Unlock()
		st.lock.signal()

	case msgKeygenShare:
		var m keygenShareMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		st.lock.mu.Lock()
		st.shares[env.From] = new(big.Int).SetBytes(m.Share)
		st.lock.mu.Unlock()
		st.lock.signal()
	}
	return nil
}
