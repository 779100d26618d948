// Package signer adapts the per-ciphersuite MPC parties
// (internal/mpc/ecdsa, internal/mpc/schnorr) into orchestrator.Signer: given
// an approved transaction, issue and verify its signing grant, open a
// transport session keyed by the grant, and run that wallet's threshold
// signing ceremony to completion (spec.md §4.9 "invoke the MPC engine via
// the configured transport").
//
// Grant distribution across the N node processes is out of this package's
// scope — the coordination-store round-announcement mechanism
// internal/presigpool already uses for presignature refills serves the
// same purpose here: whichever node calls Sign first acts as grant
// initiator, and every other participant verifies the same grant before
// joining the session. This package only implements one node's local half
// of that exchange.
package signer

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/grantauth"
	"github.com/kisdex/mpc-custody/internal/model"
	"github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
	"github.com/kisdex/mpc-custody/internal/mpc/schnorr"
	"github.com/kisdex/mpc-custody/internal/mpcsession"
	"github.com/kisdex/mpc-custody/internal/presigpool"
	"github.com/kisdex/mpc-custody/internal/transport"
)

// WalletInfo is the subset of model.Wallet the signer needs to run a
// ceremony: which primitive to invoke and how many parties are involved.
type WalletInfo struct {
	Ciphersuite      model.Ciphersuite
	Threshold        int
	ParticipantCount int
}

// WalletInfoLookup resolves a wallet's WalletInfo, satisfied by
// internal/auditstore.Store plus a thin adapter in cmd/node.
type WalletInfoLookup interface {
	WalletInfo(ctx context.Context, walletID uuid.UUID) (WalletInfo, error)
}

// Engine implements orchestrator.Signer against a set of wallets this node
// holds a key share for.
type Engine struct {
	self      int
	wallets   WalletInfoLookup
	grants    *grantauth.Authority
	verifier  *grantauth.Verifier
	transport transport.Transport

	ecdsaParties   map[uuid.UUID]*ecdsa.Party
	schnorrParties map[uuid.UUID]*schnorr.Party
	presigPools    map[uuid.UUID]*presigpool.Pool
}

func NewEngine(self int, wallets WalletInfoLookup, grants *grantauth.Authority, verifier *grantauth.Verifier, tp transport.Transport) *Engine {
	return &Engine{
		self:           self,
		wallets:        wallets,
		grants:         grants,
		verifier:       verifier,
		transport:      tp,
		ecdsaParties:   make(map[uuid.UUID]*ecdsa.Party),
		schnorrParties: make(map[uuid.UUID]*schnorr.Party),
		presigPools:    make(map[uuid.UUID]*presigpool.Pool),
	}
}

// RegisterECDSAParty makes an already-keyed ECDSA-threshold party available
// for this wallet's future signing ceremonies.
func (e *Engine) RegisterECDSAParty(walletID uuid.UUID, p *ecdsa.Party) {
	e.ecdsaParties[walletID] = p
}

// RegisterSchnorrParty is RegisterECDSAParty's Schnorr-threshold
// counterpart.
func (e *Engine) RegisterSchnorrParty(walletID uuid.UUID, p *schnorr.Party) {
	e.schnorrParties[walletID] = p
}

// RegisterPresignaturePool makes this wallet's presignature pool available
// to Sign, which tries it before falling back to a cold presign round.
// Schnorr-threshold wallets have no pool (spec.md §4.6).
func (e *Engine) RegisterPresignaturePool(walletID uuid.UUID, pool *presigpool.Pool) {
	e.presigPools[walletID] = pool
}

// Sign issues this transaction's signing grant, verifies it locally,
// and drives the wallet's threshold signing ceremony over a transport
// session keyed by the grant's digest.
func (e *Engine) Sign(ctx context.Context, tx model.Transaction) ([]byte, error) {
	if e.grants == nil {
		return nil, errors.New("this node is not configured as a grant issuer")
	}
	info, err := e.wallets.WalletInfo(ctx, tx.WalletID)
	if err != nil {
		return nil, errors.Wrap(err, "resolving wallet info")
	}

	var digest [32]byte
	copy(digest[:], tx.UnsignedBlob)

	grant, err := e.grants.Issue(grantauth.Request{
		WalletID:      tx.WalletID,
		OperationKind: model.OperationSigning,
		MessageHash:   digest,
		Threshold:     info.Threshold,
		N:             info.ParticipantCount,
	})
	if err != nil {
		return nil, errors.Wrap(err, "issuing signing grant")
	}
	if err := e.verifier.Verify(grant, grantauth.VerifyRequest{
		WalletID:    tx.WalletID,
		MessageHash: digest,
		Parties:     grant.Participants,
	}); err != nil {
		return nil, errors.Wrap(err, "verifying signing grant")
	}

	sessionID := grantauth.SignatureDigest(grant)
	authKey := mpcsession.DeriveAuthKey(sessionID)
	ids := make([]uint16, len(grant.Participants))
	for i, p := range grant.Participants {
		ids[i] = uint16(p)
	}

	switch info.Ciphersuite {
	case model.CiphersuiteECDSA:
		party, ok := e.ecdsaParties[tx.WalletID]
		if !ok {
			return nil, errors.Errorf("no ECDSA-threshold party registered for wallet %s", tx.WalletID)
		}
		bridge := mpcsession.New(e.transport, sessionID, authKey, uint16(e.self), party.OnMsg)
		pumpCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		bridge.Pump(pumpCtx)
		defer bridge.Close()
		party.Init(ids, len(ids)-1, bridge.Sender())

		if pool, ok := e.presigPools[tx.WalletID]; ok {
			if presig, ok := pool.TryTake(); ok {
				if sameSigningSet(presig.SigningSet, ids) {
					return party.FinishSign(tx.UnsignedBlob, presig)
				}
				// Stale presignature from a different committee: it was
				// already destroyed by TryTake, so fall through to a cold
				// signature rather than trying to put it back.
			}
		}
		return party.Sign(ctx, tx.UnsignedBlob)

	case model.CiphersuiteSchnorr:
		party, ok := e.schnorrParties[tx.WalletID]
		if !ok {
			return nil, errors.Errorf("no Schnorr-threshold party registered for wallet %s", tx.WalletID)
		}
		bridge := mpcsession.New(e.transport, sessionID, authKey, uint16(e.self), party.OnMsg)
		pumpCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		bridge.Pump(pumpCtx)
		defer bridge.Close()
		party.Init(ids, len(ids)-1, bridge.Sender())
		return party.Sign(ctx, tx.UnsignedBlob)

	default:
		return nil, errors.Errorf("unknown ciphersuite %q for wallet %s", info.Ciphersuite, tx.WalletID)
	}
}

// sameSigningSet reports whether a pooled presignature's committee matches
// the grant's participant list, ignoring order.
func sameSigningSet(presigSet []int, ids []uint16) bool {
	if len(presigSet) != len(ids) {
		return false
	}
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[int(id)] = true
	}
	for _, p := range presigSet {
		if !want[p] {
			return false
		}
	}
	return true
}
