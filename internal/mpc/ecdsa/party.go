package ecdsa

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	stdecdsa "crypto/ecdsa"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/mpc/paillier"
	"github.com/kisdex/mpc-custody/internal/mpc/zkproofs"
)

// Party is one node's view of an ECDSA-threshold wallet: it runs DKG once,
// then runs as many signing ceremonies as the wallet needs against the
// saved share data. The method set (NewParty/Init/KeyGen/Sign/SetShareData/
// TPubKey/OnMsg) mirrors the teacher's party.go wrapper exactly as
// exercised by ecdsa/mpc_test.go, the only surviving trace of that file.
type Party struct {
	id  int
	log Logger

	mu        sync.Mutex
	ids       []int
	threshold int
	send      Sender
	share     *ShareData

	keygenRound   *keygenState
	presignRound  *presignState
	signRound     *signState
	reshareRound  *reshareState
}

// NewParty constructs a party with numeric identity index. log may be nil
// for tests that don't care about diagnostics.
func NewParty(index int, log Logger) *Party {
	return &Party{id: index, log: log}
}

// ID returns this party's numeric identity index.
func (p *Party) ID() int { return p.id }

// Init (re)configures the party for one upcoming round: the full id set
// (including self), the Shamir threshold, and the Sender this round's
// outbound messages should go through.
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

// KeyGen runs Feldman-VSS DKG plus Paillier/Ring-Pedersen auxiliary-info
// generation to completion and returns this party's serialized share data.
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

// SetShareData installs previously saved DKG output, letting a party skip
// DKG and go straight to signing (the common case after process restart).
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

// Sign runs a fresh presignature round against every party configured by
// the most recent Init call, then finishes it against digest, returning a
// DER-encoded ECDSA signature. Callers that maintain a presignature pool
// should instead call RunPresign and FinishSign separately so the
// message-independent round can happen ahead of time.
func (p *Party) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	p.mu.Lock()
	ids, share, send := p.ids, p.share, p.send
	p.mu.Unlock()
	if share == nil {
		return nil, errors.New("party has no share data; call KeyGen or SetShareData first")
	}

	presig, err := p.RunPresign(ids)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	st := newSignState()
	p.signRound = st
	p.mu.Unlock()

	sig, err := finishSign(p.id, digest, presig, send, st)

	p.mu.Lock()
	p.signRound = nil
	p.mu.Unlock()

	return sig, err
}

// RunPresign executes the message-independent nonce round for signingSet
// and returns the resulting Presignature, without consuming it. Exposed
// separately so the presignature pool (see spec.md §3 "Presignature") can
// refill ahead of demand.
func (p *Party) RunPresign(signingSet []int) (*Presignature, error) {
	p.mu.Lock()
	share, send := p.share, p.send
	st := newPresignState()
	p.presignRound = st
	p.mu.Unlock()

	if share == nil {
		return nil, errors.New("party has no share data; call KeyGen or SetShareData first")
	}

	presig, err := runPresign(p.id, signingSet, share, send, st)

	p.mu.Lock()
	p.presignRound = nil
	p.mu.Unlock()

	return presig, err
}

// FinishSign consumes a previously computed Presignature against digest,
// without running a fresh nonce round.
func (p *Party) FinishSign(digest []byte, presig *Presignature) ([]byte, error) {
	p.mu.Lock()
	send := p.send
	st := newSignState()
	p.signRound = st
	p.mu.Unlock()

	sig, err := finishSign(p.id, digest, presig, send, st)

	p.mu.Lock()
	p.signRound = nil
	p.mu.Unlock()

	return sig, err
}

// Reshare hands this wallet's key material from an old committee to a new
// one, without changing the group public key (spec.md §9 resharing Open
// Question). The caller drives Init with the union of old and new ids
// before calling this. A party retired from the new committee returns a nil
// ShareData, and Reshare drops its saved share.
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
	if err == nil && newShare != nil {
		p.share = newShare
	} else if err == nil && newShare == nil {
		p.share = nil
	}
	p.mu.Unlock()

	return newShare, err
}

// TPubKey returns the wallet's group public key, derived from DKG.
func (p *Party) TPubKey() (*stdecdsa.PublicKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.share == nil {
		return nil, errors.New("party has no share data")
	}
	return p.share.ECDSAPublicKey(), nil
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
	keygenRound, presignRound, signRound, reshareRound := p.keygenRound, p.presignRound, p.signRound, p.reshareRound
	p.mu.Unlock()

	var handleErr error
	switch env.Type {
	case msgKeygenCommit, msgKeygenShare:
		if keygenRound != nil {
			handleErr = handleKeygenMsg(keygenRound, env)
		}
	case msgPresignBroadcast, msgPresignMta, msgPresignDelta:
		if presignRound != nil {
			handleErr = handlePresignMsg(presignRound, env)
		}
	case msgSignPartial:
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

// wireShareData is ShareData's JSON-serializable form: EC points become
// compressed byte strings and big integers become byte strings; the
// per-party maps stay maps keyed by party index.
type wireShareData struct {
	Threshold      int
	PartyCount     int
	Self           int
	Xi             []byte
	GroupPublicKey []byte
	BigXj          map[int][]byte
	Ks             map[int][]byte
	PaillierSKP    []byte
	PaillierSKQ    []byte
	PaillierSKN    []byte
	PaillierPKs    map[int][]byte
	RingPedersenN  map[int][]byte
	RingPedersenS  map[int][]byte
	RingPedersenT  map[int][]byte
}

func marshalShareData(s *ShareData) ([]byte, error) {
	w := wireShareData{
		Threshold:      s.Threshold,
		PartyCount:     s.PartyCount,
		Self:           s.Self,
		Xi:             s.Xi.Bytes(),
		GroupPublicKey: s.GroupPublicKey.SerializeCompressed(),
		BigXj:          make(map[int][]byte, len(s.BigXj)),
		Ks:             make(map[int][]byte, len(s.Ks)),
		PaillierSKP:    s.PaillierSK.P.Bytes(),
		PaillierSKQ:    s.PaillierSK.Q.Bytes(),
		PaillierSKN:    s.PaillierSK.N.Bytes(),
		PaillierPKs:    make(map[int][]byte, len(s.PaillierPKs)),
		RingPedersenN:  make(map[int][]byte, len(s.RingPedersen)),
		RingPedersenS:  make(map[int][]byte, len(s.RingPedersen)),
		RingPedersenT:  make(map[int][]byte, len(s.RingPedersen)),
	}
	for j, pt := range s.BigXj {
		w.BigXj[j] = pt.SerializeCompressed()
	}
	for j, k := range s.Ks {
		w.Ks[j] = k.Bytes()
	}
	for j, pk := range s.PaillierPKs {
		w.PaillierPKs[j] = pk.N.Bytes()
	}
	for j, rp := range s.RingPedersen {
		w.RingPedersenN[j] = rp.N.Bytes()
		w.RingPedersenS[j] = rp.S.Bytes()
		w.RingPedersenT[j] = rp.T.Bytes()
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
		BigXj:          make(map[int]*btcec.PublicKey, len(w.BigXj)),
		Ks:             make(map[int]*big.Int, len(w.Ks)),
		PaillierSK: &paillier.PrivateKey{
			PublicKey: paillier.PublicKey{N: new(big.Int).SetBytes(w.PaillierSKN)},
			P:         new(big.Int).SetBytes(w.PaillierSKP),
			Q:         new(big.Int).SetBytes(w.PaillierSKQ),
		},
		PaillierPKs:  make(map[int]*paillier.PublicKey, len(w.PaillierPKs)),
		RingPedersen: make(map[int]*zkproofs.RingPedersenParams, len(w.RingPedersenN)),
	}
	for j, b := range w.BigXj {
		pt, err := btcec.ParsePubKey(b)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing BigXj for party %d", j)
		}
		s.BigXj[j] = pt
	}
	for j, b := range w.Ks {
		s.Ks[j] = new(big.Int).SetBytes(b)
	}
	for j, b := range w.PaillierPKs {
		s.PaillierPKs[j] = &paillier.PublicKey{N: new(big.Int).SetBytes(b)}
	}
	for j := range w.RingPedersenN {
		s.RingPedersen[j] = &zkproofs.RingPedersenParams{
			N: new(big.Int).SetBytes(w.RingPedersenN[j]),
			S: new(big.Int).SetBytes(w.RingPedersenS[j]),
			T: new(big.Int).SetBytes(w.RingPedersenT[j]),
		}
	}
	return s, nil
}
