package ecdsa

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
)

const (
	msgReshareCommit  msgType = "reshare_commit"  // old committee broadcast: Feldman commitments to the re-share polynomial
	msgReshareSubshare msgType = "reshare_subshare" // old committee p2p: sub-share for one new-committee recipient
)

type reshareCommitMsg struct {
	Commitments [][]byte `json:"commitments"`
}

type reshareSubshareMsg struct {
	Subshare []byte `json:"subshare"`
}

// reshareState accumulates one new-committee party's view of the resharing
// round: every old-committee member's Feldman commitments to their re-share
// polynomial, and the sub-share evaluation addressed to this party.
type reshareState struct {
	lock        *partyLock
	commitments map[int][]*btcec.PublicKey // old member -> commitments
	subshares   map[int]*big.Int           // old member -> sub-share for self
}

func newReshareState() *reshareState {
	return &reshareState{
		lock:        newPartyLock(),
		commitments: make(map[int][]*btcec.PublicKey),
		subshares:   make(map[int]*big.Int),
	}
}

// ReshareParams describes one resharing ceremony: the old committee handing
// a wallet's key material to a (possibly disjoint, possibly differently
// sized) new committee, per spec.md §9's resharing Open Question, resolved
// by supplementing the Binance resharing protocol (ecdsa/resharing) onto
// this package's Feldman-VSS keygen, rather than reconstructing tss-lib's
// separate old/new LocalParty machinery.
type ReshareParams struct {
	OldSet       []int
	NewSet       []int
	NewThreshold int
}

// runReshare drives one resharing ceremony for a party that may be a member
// of the old committee, the new committee, both, or (for an old member
// being retired) neither going forward. Every old-committee member
// contributes a Lagrange-weighted sub-share of its existing Xi to a fresh
// degree-NewThreshold polynomial; every new-committee member sums the
// sub-shares addressed to it into its new Xi. The resulting group public
// key must equal the wallet's existing GroupPublicKey — any mismatch means
// a dishonest or buggy old-committee member and aborts the ceremony.
func runReshare(self int, params ReshareParams, share *ShareData, send Sender, st *reshareState) (*ShareData, error) {
	q := Curve().Params().N
	isOldMember := containsIdx(params.OldSet, self)
	isNewMember := containsIdx(params.NewSet, self)

	if isOldMember {
		lambda := lagrangeCoefficient(self, params.OldSet, share.Ks, q)
		contribution := common.ModInt(q).Mul(lambda, share.Xi)

		coeffs := make([]*big.Int, params.NewThreshold+1)
		coeffs[0] = contribution
		commitPoints := make([]*btcec.PublicKey, len(coeffs))
		for k := range coeffs {
			if k > 0 {
				coeffs[k] = common.GetRandomPositiveInt(q)
			}
			commitPoints[k] = scalarBaseMult(coeffs[k])
		}
		commitBytes := make([][]byte, len(commitPoints))
		for k, p := range commitPoints {
			commitBytes[k] = p.SerializeCompressed()
		}
		raw, err := encodeEnvelope(msgReshareCommit, self, reshareCommitMsg{Commitments: commitBytes})
		if err != nil {
			return nil, err
		}
		send(raw, true, 0)

		for _, j := range params.NewSet {
			subshare := evalPoly(coeffs, big.NewInt(int64(j)), q)
			if j == self {
				st.lock.mu.Lock()
				st.commitments[self] = commitPoints
				st.subshares[self] = subshare
				st.lock.mu.Unlock()
				st.lock.signal()
				continue
			}
			payload, err := encodeEnvelope(msgReshareSubshare, self, reshareSubshareMsg{Subshare: subshare.Bytes()})
			if err != nil {
				return nil, err
			}
			send(payload, false, uint16(j))
		}
	}

	if !isNewMember {
		// Retired: nothing further to receive. Party.Reshare drops this
		// party's saved share on return.
		return nil, nil
	}

	st.lock.waitUntil(func() bool {
		return len(st.commitments) == len(params.OldSet) && len(st.subshares) == len(params.OldSet)
	})

	xi := big.NewInt(0)
	groupPub := (*btcec.PublicKey)(nil)
	for sender, sub := range st.subshares {
		expected := evalCommitments(st.commitments[sender], big.NewInt(int64(self)), q)
		got := scalarBaseMult(sub)
		if !expected.IsEqual(got) {
			return nil, errors.Errorf("party %d: resharing Feldman verification failed for sub-share from party %d", self, sender)
		}
		xi = new(big.Int).Mod(new(big.Int).Add(xi, sub), q)
		if groupPub == nil {
			groupPub = st.commitments[sender][0]
		} else {
			groupPub = addPoints(groupPub, st.commitments[sender][0])
		}
	}
	if share.GroupPublicKey != nil && !groupPub.IsEqual(share.GroupPublicKey) {
		return nil, errors.New("resharing produced a different group public key than the wallet was created with")
	}

	ks := make(map[int]*big.Int, len(params.NewSet))
	for _, j := range params.NewSet {
		ks[j] = big.NewInt(int64(j))
	}

	return &ShareData{
		Threshold:      params.NewThreshold,
		PartyCount:     len(params.NewSet),
		Self:           self,
		Xi:             xi,
		GroupPublicKey: groupPub,
		Ks:             ks,
		PaillierSK:     share.PaillierSK,
		PaillierPKs:    share.PaillierPKs,
		RingPedersen:   share.RingPedersen,
	}, nil
}

func handleReshareMsg(st *reshareState, env envelope) error {
	switch env.Type {
	case msgReshareCommit:
		var m reshareCommitMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		points := make([]*btcec.PublicKey, len(m.Commitments))
		for i, b := range m.Commitments {
			p, err := btcec.ParsePubKey(b)
			if err != nil {
				return errors.Wrap(err, "parsing resharing commitment point")
			}
			points[i] = p
		}
		st.lock.mu.Lock()
		st.commitments[env.From] = points
		st.lock.mu.Unlock()
		st.lock.signal()

	case msgReshareSubshare:
		var m reshareSubshareMsg
		if err := unmarshalPayload(env.Payload, &m); err != nil {
			return err
		}
		st.lock.mu.Lock()
		st.subshares[env.From] = new(big.Int).SetBytes(m.Subshare)
		st.lock.mu.Unlock()
		st.lock.signal()
	}
	return nil
}

func containsIdx(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
