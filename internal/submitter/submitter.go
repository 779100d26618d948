// Package submitter implements the Submitter (spec.md §4.10): a
// leader-elected broadcaster with an exactly-once guarantee to the chain,
// via a lease-protected critical section plus a pre-submission chain
// existence check.
package submitter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/auditstore"
	"github.com/kisdex/mpc-custody/internal/chainclient"
	"github.com/kisdex/mpc-custody/internal/coordstore"
	"github.com/kisdex/mpc-custody/internal/model"
)

const submissionLeaseTTL = 300 * time.Second

// TxEncoder builds the final, chain-ready raw transaction bytes from a
// completed Transaction (assembling recipient/amount/fee with the already
// combined signature). Bitcoin wire-format encoding itself is the explicit
// Non-goal delegated to chainclient's caller; this interface is the seam.
type TxEncoder interface {
	Encode(tx model.Transaction) ([]byte, error)
}

// Submitter drives the six-step sequence of spec.md §4.10.
type Submitter struct {
	audit   *auditstore.Store
	coord   *coordstore.Store
	chain   chainclient.Client
	encoder TxEncoder
}

func New(audit *auditstore.Store, coord *coordstore.Store, chain chainclient.Client, encoder TxEncoder) *Submitter {
	return &Submitter{audit: audit, coord: coord, chain: chain, encoder: encoder}
}

// Submit runs the lock/check/submit/complete/release sequence for txid.
// Calling Submit twice for the same txid produces the same chain txid and
// exactly one submission row (spec.md §8 idempotence law).
func (s *Submitter) Submit(ctx context.Context, txid string) error {
	lockKey := "/locks/submission/" + txid
	leaseID := s.coord.LeaseGrant(submissionLeaseTTL)

	// Step 1: acquire the lock. If another node owns it, skip — it is
	// already handling this submission.
	ok, err := s.coord.CAS(lockKey, nil, []byte("1"))
	if err != nil {
		s.coord.RevokeLease(leaseID)
		return err
	}
	if !ok {
		s.coord.RevokeLease(leaseID)
		return nil
	}
	if err := s.coord.Put(lockKey, []byte("1"), leaseID); err != nil {
		s.coord.RevokeLease(leaseID)
		return errors.Wrap(err, "binding submission lock")
	}

	// On success, and after a permanent chain rejection has marked the
	// transaction failed, the lock is released explicitly (step 6). On the
	// other failure paths below we deliberately do NOT release early: the
	// lease's TTL is the only release mechanism, so a concurrent retry never
	// races us (spec.md §4.10 step 4).
	released := false
	release := func() {
		if !released {
			s.coord.RevokeLease(leaseID)
			released = true
		}
	}

	// Step 2: read the finalized signed transaction.
	tx, err := s.audit.GetTransaction(ctx, txid)
	if err != nil {
		return err
	}

	// Step 3: chain pre-check for a prior, already-succeeded submission.
	alreadyOnChain, err := s.chain.Lookup(txid)
	if err != nil {
		return err
	}
	if !alreadyOnChain {
		raw, err := s.encoder.Encode(tx)
		if err != nil {
			return errors.Wrap(model.ErrChainRejected, err.Error())
		}
		chainTxid, err := s.chain.Broadcast(raw)
		if err != nil {
			if errors.Is(err, model.ErrChainRejected) {
				if failErr := s.audit.FailTransaction(ctx, txid, err.Error()); failErr != nil {
					return failErr
				}
				release()
				return nil
			}
			// transient: leave the lock held for the lease's lifetime so a
			// retry cannot race this attempt.
			return err
		}
		if err := s.audit.CompleteTransaction(ctx, txid, chainTxid); err != nil {
			return err
		}
		release()
		return nil
	}

	// Already broadcast by a prior attempt: txid IS the chain identifier
	// here since Bitcoin's txid is derived from the signed bytes.
	if err := s.audit.CompleteTransaction(ctx, txid, txid); err != nil {
		return err
	}
	release()
	return nil
}
