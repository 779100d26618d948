package schnorr

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

// Party is one node's view of a Schnorr-threshold wallet. Its method set
// mirrors internal/mpc/ecdsa's Party wrapper minus ID, RunPresign and
// FinishSign (FROST signing needs no presignatures), the way the teacher
// keeps ecdsa/ and eddsa/ as structurally parallel but independent packages.
type Party struct {
	id  int
	log Logger

	mu        sync.Mutex
	ids       []int
	threshold int
	send      Sender
	share     *ShareData

	keygenRound  *keygenState
	signRound    *signState
	reshareRound *reshareState
}

// NewParty constructs a party with numeric identity index. log may be nil.
func NewParty(index int, log Logger) *Party {
	return &Party{id: index, log: log}
}

// Init (re)configures the party for one upcoming round.
func (p *Party) Init(ids []uint16, threshold int, sender Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = make([]int, len(ids))
	for i, id := range ids {
		p.ids[i] = int(id)
	}
	p.threshold = threshold
	p.send = sender
}

// KeyGen runs Feldman-VSS DKG to completion and returns this party's
// serialized, BIP340-normalized share data.
func (p *Party) KeyGen(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	ids, threshold, send := p.ids, p.threshold, p.send
	st := newKeygenState()
	p.keygenRound = st
	p.mu.Unlock()

	share, err := runKeygen(ctx, p.id, ids, threshold, send, st)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.share = share
	p.keygenRound = nil
	p.mu.Unlock()

	return marshalShareData(share)
}

// SetShareData installs previously saved DKG output.
func (p *Party) SetShareData(data []byte) error {
	share, err := unmarshalShareData(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.share = share
	p.mu.Unlock()
	return nil
}

// Sign runs FROST's two-round ceremony against digest (a 32-byte message
// hash, typically the BIP341 taproot sighash) and returns a 64-byte BIP340
// signature against every party configured by the most recent Init call.
func (p *Party) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	p.mu.Lock()
	ids, share, send := p.ids, p.share, p.send
	st := newSignState()
	p.signRound = st
	p.mu.Unlock()

	if share == nil {
		return nil, errors.New("party has no share data; call KeyGen or SetShareData first")
	}

	sig, err := runSign(p.id, digest, ids, share, send, st)

	p.mu.Lock()
	p.signRound = nil
	p.mu.Unlock()

	return sig, err
}

// Reshare hands this wallet's key material to a new committee without
// changing the group public key. See internal/mpc/ecdsa's Reshare for the
// semantics; this mirrors it exactly.
func (p *Party) Reshare(params ReshareParams) (*ShareData, error) {
	p.mu.Lock()
	share, send := p.share, p.send
	st := newReshareState()
	p.reshareRound = st
	p.mu.Unlock()

	if share == nil && containsIdx(params.OldSet, p.id) {
		return nil, errors.New("party has no share data; call KeyGen or SetShareData first")
	}

	newShare, err := runReshare(p.id, params, share, send, st)

	p.mu.Lock()
	p.reshareRound = nil
	if err == nil {
		p.share = newShare
	}
	p.mu.Unlock()

	return newShare, err
}

// TPubKey returns the wallet's 32-byte BIP340 x-only group public key.
func (p *Party) TPubKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.share == nil {
		return nil, errors.New("party has no share data")
	}
	return xBytes32(p.share.GroupPublicKey), nil
}

// OnMsg delivers one inbound wire message from peer `from` to whichever
// round is currently active for this party.
func (p *Party) OnMsg(msgBytes []byte, from uint16, broadcast bool) {
	env, err := decodeEnvelope(msgBytes)
	if err != nil {
		if p.log != nil {
			p.log.Warnw("dropping malformed message", "error", err)
		}
		return
	}

	p.mu.Lock()
	keygenRound, signRound, reshareRound := p.keygenRound, p.signRound, p.reshareRound
	p.mu.Unlock()

	var handleErr error
	switch env.Type {
	case msgKeygenCommit, msgKeygenShare:
		if keygenRound != nil {
			handleErr = handleKeygenMsg(keygenRound, env)
		}
	case msgSignNonce, msgSignPartial:
		if signRound != nil {
			handleErr = handleSignMsg(signRound, env)
		}
	case msgReshareCommit, msgReshareSubshare:
		if reshareRound != nil {
			handleErr = handleReshareMsg(reshareRound, env)
		}
	}
	if handleErr != nil && p.log != nil {
		p.log.Errorw("failed to process inbound message", "type", env.Type, "from", env.From, "error", handleErr)
	}
}

// wireShareData is ShareData's JSON-serializable form.
type wireShareData struct {
	Threshold      int
	PartyCount     int
	Self           int
	Xi             []byte
	GroupPublicKey []byte
	Ks             map[int][]byte
}

func marshalShareData(s *ShareData) ([]byte, error) {
	w := wireShareData{
		Threshold:      s.Threshold,
		PartyCount:     s.PartyCount,
		Self:           s.Self,
		Xi:             s.Xi.Bytes(),
		GroupPublicKey: s.GroupPublicKey.SerializeCompressed(),
		Ks:             make(map[int][]byte, len(s.Ks)),
	}
	for j, k := range s.Ks {
		w.Ks[j] = k.Bytes()
	}
	return json.Marshal(w)
}

func unmarshalShareData(data []byte) (*ShareData, error) {
	var w wireShareData
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "decoding share data")
	}

	groupPub, err := btcec.ParsePubKey(w.GroupPublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "parsing group public key")
	}

	s := &ShareData{
		Threshold:      w.Threshold,
		PartyCount:     w.PartyCount,
		Self:           w.Self,
		Xi:             new(big.Int).SetBytes(w.Xi),
		GroupPublicKey: groupPub,
		Ks:             make(map[int]*big.Int, len(w.Ks)),
	}
	for j, b := range w.Ks {
		s.Ks[j] = new(big.Int).SetBytes(b)
	}
	return s, nil
}
