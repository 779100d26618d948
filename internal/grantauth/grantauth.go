// Package grantauth implements the Grant Authority (spec.md §4.5): issuance
// of signed, time-bounded MPC authorizations and the mandatory node-side
// verification sequence run identically on every node.
package grantauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/agl/ed25519"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/model"
)

const defaultGrantWindow = 300 * time.Second

// Request describes what the caller wants authorized.
type Request struct {
	WalletID      uuid.UUID
	OperationKind model.OperationKind
	MessageHash   [32]byte // signing only
	Parameters    []byte   // dkg only
	Threshold     int
	OnlineParties []int // candidate online party indices, ascending
	N             int   // total participant count for the wallet
}

// Authority issues grants. One Authority instance owns the issuer's Ed25519
// keypair; it is immutable after construction (spec.md §9 "Global grant
// verifier is injected as an immutable handle").
type Authority struct {
	public  *[ed25519.PublicKeySize]byte
	private *[ed25519.PrivateKeySize]byte
	window  time.Duration
}

func NewAuthority(public *[ed25519.PublicKeySize]byte, private *[ed25519.PrivateKeySize]byte) *Authority {
	return &Authority{public: public, private: private, window: defaultGrantWindow}
}

// Issue populates, selects participants deterministically, and signs a Grant
// (spec.md §4.5). Participant selection: initiator = H("initiator" ‖
// grant_id ‖ nonce) mod n, then t additional parties chosen by successive
// hash outputs, skipping duplicates and (per the Open Question in spec.md §9)
// skipping any candidate not present in req.OnlineParties.
func (a *Authority) Issue(req Request) (model.Grant, error) {
	if req.N <= 0 || req.Threshold <= 0 || req.Threshold > req.N {
		return model.Grant{}, errors.Wrap(model.ErrGrantInvalid, "bad threshold/participant count")
	}

	grantID := uuid.New()
	var nonce uint64
	if err := randomUint64(&nonce); err != nil {
		return model.Grant{}, errors.Wrap(err, "grant nonce generation")
	}

	online := make(map[int]bool, len(req.OnlineParties))
	for _, p := range req.OnlineParties {
		online[p] = true
	}
	if len(online) == 0 {
		for i := 1; i <= req.N; i++ {
			online[i] = true
		}
	}

	participants := selectParticipants(grantID, nonce, req.N, req.Threshold+1, online)
	if len(participants) < req.Threshold {
		return model.Grant{}, errors.Wrap(model.ErrGrantInvalid, "not enough online parties to satisfy threshold")
	}

	g := model.Grant{
		GrantID:       grantID,
		WalletID:      req.WalletID,
		OperationKind: req.OperationKind,
		MessageHash:   req.MessageHash,
		Parameters:    req.Parameters,
		Threshold:     req.Threshold,
		Participants:  participants,
		ExpiresAt:     time.Now().Add(a.window).Unix(),
		Nonce:         nonce,
	}

	digest := SignatureDigest(g)
	sig := ed25519.Sign(a.private, digest[:])
	g.IssuerSignature = sig[:]
	return g, nil
}

// selectParticipants implements "initiator = H(...) mod n, then t additional
// parties by successive hash outputs, skipping duplicates". Party indices
// throughout this module are 1-indexed (matching internal/mpc/ecdsa and
// internal/mpc/schnorr's NewParty(index, ...) convention), so candidates
// range over [1, n], not [0, n). The spec leaves tie-breaking undocumented
// when a hash lands on an offline party; this implementation's
// deterministic rule (documented in DESIGN.md) is: for each successive hash
// output, linearly probe upward (mod n, back into [1, n]) from the party it
// lands on until an unused online party is found.
func selectParticipants(grantID uuid.UUID, nonce uint64, n int, want int, online map[int]bool) []int {
	chosen := make([]int, 0, want)
	used := make(map[int]bool, want)

	counter := uint64(0)
	for len(chosen) < want && counter < uint64(4*n+16) {
		h := hashSeed("initiator", grantID, nonce, counter)
		idx := int(h%uint64(n)) + 1
		for probe := 0; probe < n; probe++ {
			candidate := (idx-1+probe)%n + 1
			if !used[candidate] && online[candidate] {
				chosen = append(chosen, candidate)
				used[candidate] = true
				break
			}
		}
		counter++
	}
	sort.Ints(chosen)
	return chosen
}

func hashSeed(label string, grantID uuid.UUID, nonce uint64, counter uint64) uint64 {
	h := sha256.New()
	h.Write([]byte(label))
	h.Write(grantID[:])
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], nonce)
	binary.BigEndian.PutUint64(b[8:16], counter)
	h.Write(b[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func randomUint64(out *uint64) error {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return err
	}
	*out = binary.BigEndian.Uint64(b[:])
	return nil
}

// Verifier runs the mandatory node-side verification of spec.md §4.5. It is
// constructed once at node startup from configuration and never mutated at
// runtime (spec.md §9).
type Verifier struct {
	trustedPublicKey *[ed25519.PublicKeySize]byte
	localPartyIndex  int

	mu          sync.Mutex
	replaySeen  map[uuid.UUID]struct{}
}

func NewVerifier(trustedPublicKey *[ed25519.PublicKeySize]byte, localPartyIndex int) *Verifier {
	return &Verifier{
		trustedPublicKey: trustedPublicKey,
		localPartyIndex:  localPartyIndex,
		replaySeen:       make(map[uuid.UUID]struct{}),
	}
}

// VerifyRequest carries the operation the caller wants to run, checked
// against the grant's own fields in steps 5-6 below.
type VerifyRequest struct {
	WalletID    uuid.UUID
	MessageHash [32]byte
	Parties     []int
}

// Verify runs all seven checks of spec.md §4.5 in order and returns the
// specific failing reason wrapped in model.ErrGrantInvalid. Any failure
// means the node must refuse to run the MPC protocol.
func (v *Verifier) Verify(g model.Grant, req VerifyRequest) error {
	digest := SignatureDigest(g)
	if len(g.IssuerSignature) != ed25519.SignatureSize {
		return errors.Wrap(model.ErrGrantInvalid, "malformed issuer signature")
	}
	var sig [ed25519.SignatureSize]byte
	copy(sig[:], g.IssuerSignature)
	if !ed25519.Verify(v.trustedPublicKey, digest[:], &sig) {
		return errors.Wrap(model.ErrGrantInvalid, "issuer signature does not verify")
	}

	if time.Now().Unix() > g.ExpiresAt {
		return errors.Wrap(model.ErrGrantInvalid, "grant expired")
	}

	if !containsInt(g.Participants, v.localPartyIndex) {
		return errors.Wrap(model.ErrGrantInvalid, "local party not in participant set")
	}

	if !noDuplicates(g.Participants) || len(g.Participants) < g.Threshold {
		return errors.Wrap(model.ErrGrantInvalid, "participant set invalid or below threshold")
	}

	if g.OperationKind == model.OperationSigning {
		if req.WalletID != g.WalletID || req.MessageHash != g.MessageHash {
			return errors.Wrap(model.ErrGrantInvalid, "request does not match grant wallet/message")
		}
	}

	sortedReq := append([]int(nil), req.Parties...)
	sort.Ints(sortedReq)
	sortedGrant := append([]int(nil), g.Participants...)
	sort.Ints(sortedGrant)
	if !intSlicesEqual(sortedReq, sortedGrant) {
		return errors.Wrap(model.ErrGrantInvalid, "requested parties do not match grant participants")
	}

	v.mu.Lock()
	_, seen := v.replaySeen[g.GrantID]
	if !seen {
		v.replaySeen[g.GrantID] = struct{}{}
	}
	v.mu.Unlock()
	if seen {
		return errors.Wrap(model.ErrGrantInvalid, "grant already consumed (replay)")
	}

	return nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func noDuplicates(s []int) bool {
	seen := make(map[int]struct{}, len(s))
	for _, x := range s {
		if _, ok := seen[x]; ok {
			return false
		}
		seen[x] = struct{}{}
	}
	return true
}

func intSlicesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
