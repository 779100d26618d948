// Package consensus implements the Consensus Voter (spec.md §4.8): vote
// casting into the audit store and the four Byzantine violation detectors:
// invalid_signature, double_vote and minority_equivocation run on every vote
// insertion; silent_timeout is checked separately by CheckSilentTimeout.
package consensus

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/auditstore"
	"github.com/kisdex/mpc-custody/internal/model"
)

// equivocationWindow bounds how far back RecentVotesByVoter looks when
// checking rule 3, minority_equivocation (spec.md §4.8).
const equivocationWindow = 20

// VoterKeys resolves a participating party's registered Ed25519 verification
// key, used by the invalid_signature detector.
type VoterKeys interface {
	PublicKey(party int) (ed25519.PublicKey, bool)
}

// Voter runs Byzantine detection and vote tallying against the audit store.
type Voter struct {
	audit *auditstore.Store
	keys  VoterKeys
}

func NewVoter(audit *auditstore.Store, keys VoterKeys) *Voter {
	return &Voter{audit: audit, keys: keys}
}

// CastVote verifies and records one vote, running the three per-vote
// detectors (invalid_signature, double_vote, minority_equivocation) in
// order. A detected violation fails the transaction immediately and stops
// further processing of this vote (spec.md §4.8: "the voter records a
// Violation row and transitions the transaction to failed").
func (v *Voter) CastVote(ctx context.Context, round model.VotingRound, vote model.Vote) error {
	tx, err := v.audit.GetTransaction(ctx, round.TxID)
	if err != nil {
		return err
	}
	if kind, evidence, ok := v.detectInvalidSignature(tx, vote); ok {
		return v.recordViolation(ctx, round.TxID, vote.Voter, kind, evidence)
	}

	existing, err := v.audit.ExistingVote(ctx, vote.RoundID, vote.Voter)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Approve != vote.Approve {
			return v.recordViolation(ctx, round.TxID, vote.Voter, model.ViolationDoubleVote,
				[]byte("conflicting approve value for same round"))
		}
		return nil // identical re-delivery: no-op
	}

	if kind, evidence, ok, err := v.detectMinorityEquivocation(ctx, vote); err != nil {
		return err
	} else if ok {
		return v.recordViolation(ctx, round.TxID, vote.Voter, kind, evidence)
	}

	if _, err := v.audit.InsertVote(ctx, vote); err != nil {
		return errors.Wrap(err, "recording vote")
	}

	if vote.Approve {
		updated, err := v.audit.VotingRound(ctx, vote.RoundID)
		if err != nil {
			return err
		}
		if updated.VotesReceived >= updated.Threshold {
			if _, err := v.audit.ApproveRound(ctx, vote.RoundID); err != nil {
				return errors.Wrap(err, "approving voting round")
			}
		}
	}
	return nil
}

// detectInvalidSignature is rule 2 (spec.md §4.8).
func (v *Voter) detectInvalidSignature(tx model.Transaction, vote model.Vote) (model.ViolationKind, []byte, bool) {
	pub, ok := v.keys.PublicKey(vote.Voter)
	if !ok {
		return model.ViolationInvalidSignature, []byte("voter has no registered key"), true
	}
	if !ed25519.Verify(pub, VoteSignInput(tx.UnsignedBlob, vote), vote.Signature) {
		return model.ViolationInvalidSignature, []byte("signature does not verify"), true
	}
	return "", nil, false
}

// detectMinorityEquivocation is rule 3: a voter's choice differs from the
// majority once >= threshold votes are in AND the voter earlier sided with
// the majority on another round within the configured window, signalling
// strategy-flipping rather than an honest one-off disagreement.
func (v *Voter) detectMinorityEquivocation(ctx context.Context, vote model.Vote) (model.ViolationKind, []byte, bool, error) {
	round, err := v.audit.VotingRound(ctx, vote.RoundID)
	if err != nil {
		return "", nil, false, err
	}
	if round.VotesReceived < round.Threshold {
		return "", nil, false, nil
	}

	allVotes, err := v.audit.VotesForRound(ctx, vote.RoundID)
	if err != nil {
		return "", nil, false, err
	}
	approvals, total := 0, len(allVotes)
	for _, existing := range allVotes {
		if existing.Approve {
			approvals++
		}
	}
	majorityApprove := approvals*2 > total
	if vote.Approve == majorityApprove {
		return "", nil, false, nil // sided with the majority this round
	}

	history, err := v.audit.RecentVotesByVoter(ctx, vote.Voter, equivocationWindow)
	if err != nil {
		return "", nil, false, err
	}
	for _, past := range history {
		if past.RoundID == vote.RoundID {
			continue
		}
		pastRound, err := v.audit.VotingRound(ctx, past.RoundID)
		if err != nil {
			continue
		}
		if pastRound.VotesReceived < pastRound.Threshold {
			continue
		}
		pastVotes, err := v.audit.VotesForRound(ctx, past.RoundID)
		if err != nil {
			continue
		}
		pastApprovals := 0
		for _, pv := range pastVotes {
			if pv.Approve {
				pastApprovals++
			}
		}
		pastMajority := pastApprovals*2 > len(pastVotes)
		if past.Approve == pastMajority {
			return model.ViolationMinorityEquivocation,
				[]byte("voter sided with majority previously, against it here"), true, nil
		}
	}
	return "", nil, false, nil
}

// CheckSilentTimeout is rule 4, run by the orchestrator's timeout scan
// against rounds past their deadline: any listed participant who cast no
// vote is in violation (spec.md §4.8 rule 4).
func (v *Voter) CheckSilentTimeout(ctx context.Context, txID string, roundID int64, expectedParties []int) error {
	votes, err := v.audit.VotesForRound(ctx, roundID)
	if err != nil {
		return err
	}
	voted := make(map[int]bool, len(votes))
	for _, vt := range votes {
		voted[vt.Voter] = true
	}
	for _, p := range expectedParties {
		if !voted[p] {
			if err := v.recordViolation(ctx, txID, p, model.ViolationSilentTimeout,
				[]byte("no vote received before round deadline")); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Voter) recordViolation(ctx context.Context, txID string, offender int, kind model.ViolationKind, evidence []byte) error {
	if err := v.audit.InsertViolation(ctx, model.Violation{
		TxID:           txID,
		OffendingParty: offender,
		Kind:           kind,
		DetectedAt:     time.Now(),
		Evidence:       evidence,
	}); err != nil {
		return errors.Wrap(err, "recording violation")
	}
	if err := v.audit.FailTransaction(ctx, txID, string(kind)); err != nil {
		return errors.Wrap(err, "failing transaction after violation")
	}
	return errors.Wrap(model.ErrByzantineDetected, string(kind))
}

// VoteSignInput is the canonical byte sequence a vote's signature covers:
// tx_hash ‖ round_id ‖ approve (spec.md §3 "Vote").
func VoteSignInput(txHash []byte, vote model.Vote) []byte {
	out := make([]byte, 0, len(txHash)+8+1)
	out = append(out, txHash...)
	var roundBuf [8]byte
	putUint64(roundBuf[:], uint64(vote.RoundID))
	out = append(out, roundBuf[:]...)
	if vote.Approve {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

func putUint64(b []byte, val uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(val)
		val >>= 8
	}
}
