package schnorr

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/common"
)

const (
	msgReshareCommit   msgType = "reshare_commit"
	msgReshareSubshare msgType = "reshare_subshare"
)

type reshareCommitMsg struct {
	Commitments [][]byte `json:"commitments"`
}

type reshareSubshareMsg struct {
	Subshare []byte `json:"subshare"`
}

type reshareState struct {
	lock        *partyLock
	commitments map[int][]*btcec.PublicKey
	subshares   map[int]*big.Int
}

func newReshareState() *reshareState {
	return &reshareState{
		lock:        newPartyLock(),
		commitments: make(map[int][]*btcec.PublicKey),
		subshares:   make(map[int]*big.Int),
	}
}

// ReshareParams describes one resharing ceremony (spec.md §9 resharing Open
// Question), grounded the same way as internal/mpc/ecdsa's resharing.go.
type ReshareParams struct {
	OldSet       []int
	NewSet       []int
	NewThreshold int
}

// runReshare mirrors internal/mpc/ecdsa's resharing round. The resulting
// group public key is the same point the wallet was created with, so no
// extra BIP340 even-Y renegotiation is needed: each new-committee member
// recomputes the identical sum of the old committee's constant-term
// commitments that DKG produced.
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
		return nil, nil
	}

	st.lock.waitUntil(func() bool {
		return len(st.commitments) == len(params.OldSet) && len(st.subshares) == len(params.OldSet)
	})

	xi := big.NewInt(0)
	var groupPub *btcec.PublicKey
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
	if share != nil && share.GroupPublicKey != nil && !groupPub.IsEqual(share.GroupPublicKey) {
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
