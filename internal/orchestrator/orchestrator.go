// Package orchestrator implements the Transaction Orchestrator (spec.md
// §4.9): an event-driven state machine dispatched by the audit store's
// change stream, with startup/reconnect reconciliation and a periodic
// timeout scan.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/auditstore"
	"github.com/kisdex/mpc-custody/internal/coordstore"
	"github.com/kisdex/mpc-custody/internal/model"
)

const (
	txLockTTL        = 10 * time.Second
	timeoutScanEvery = 30 * time.Second

	votingDeadline      = 60 * time.Second
	signingDeadline     = 120 * time.Second
	broadcastingDeadline = 300 * time.Second
)

// Logger is the subset of the zap sugared logger the orchestrator needs.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// Signer runs the MPC engine for a transaction's grant-selected participants
// and returns the combined signature (spec.md §4.9 "invoke the MPC engine
// via the configured transport").
type Signer interface {
	Sign(ctx context.Context, tx model.Transaction) ([]byte, error)
}

// Broadcaster hands a transaction off to the Submitter once it reaches
// `broadcasting` (spec.md §4.9 "INSERT into broadcasting: hand off to
// Submitter").
type Broadcaster interface {
	Submit(ctx context.Context, txid string) error
}

// WalletLookup resolves a wallet's configured signing threshold, the one
// piece of wallet state the orchestrator needs (to size a transaction's
// first voting round correctly).
type WalletLookup interface {
	Threshold(ctx context.Context, walletID uuid.UUID) (int, error)
}

// Orchestrator drives transactions through pending -> voting -> signing ->
// broadcasting -> completed|failed.
type Orchestrator struct {
	audit   *auditstore.Store
	coord   *coordstore.Store
	signer  Signer
	submit  Broadcaster
	wallets WalletLookup
	log     Logger
}

func New(audit *auditstore.Store, coord *coordstore.Store, signer Signer, submit Broadcaster, wallets WalletLookup, log Logger) *Orchestrator {
	return &Orchestrator{audit: audit, coord: coord, signer: signer, submit: submit, wallets: wallets, log: log}
}

// Run subscribes to the audit store's change stream and dispatches events
// until ctx is cancelled. It performs an initial reconciliation scan before
// entering the event loop (spec.md §4.9 "On startup performs a
// reconciliation scan").
func (o *Orchestrator) Run(ctx context.Context) {
	if err := o.Reconcile(ctx); err != nil {
		o.log.Errorw("startup reconciliation failed", "error", err)
	}

	notifications := o.audit.Subscribe(ctx)
	go o.timeoutLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-notifications.TxEvents:
			if !ok {
				return
			}
			o.withTxLock(ctx, ev.TxID, func() {
				if err := o.handleTxEvent(ctx, ev); err != nil {
					o.log.Errorw("handling tx event", "txid", ev.TxID, "error", err)
				}
			})
		case ev, ok := <-notifications.VotingEvents:
			if !ok {
				return
			}
			o.withTxLock(ctx, ev.TxID, func() {
				if err := o.handleVotingEvent(ctx, ev); err != nil {
					o.log.Errorw("handling voting event", "txid", ev.TxID, "error", err)
				}
			})
		case <-notifications.Reconnected:
			// spec.md §4.3: on reconnect, run a reconciliation scan to catch
			// missed events.
			if err := o.Reconcile(ctx); err != nil {
				o.log.Errorw("post-reconnect reconciliation failed", "error", err)
			}
		}
	}
}

// handleTxEvent implements the `pending`/`signing` dispatch rules of
// spec.md §4.9.
func (o *Orchestrator) handleTxEvent(ctx context.Context, ev auditstore.TxEvent) error {
	switch model.TxState(ev.State) {
	case model.TxPending:
		moved, err := o.audit.UpdateState(ctx, ev.TxID, model.TxPending, model.TxVoting)
		if err != nil {
			return err
		}
		if !moved {
			return nil // already advanced by another node
		}
		tx, err := o.audit.GetTransaction(ctx, ev.TxID)
		if err != nil {
			return err
		}
		threshold, err := o.wallets.Threshold(ctx, tx.WalletID)
		if err != nil {
			return errors.Wrap(err, "resolving wallet threshold")
		}
		_, err = o.audit.CreateVotingRound(ctx, ev.TxID, 1, threshold)
		return errors.Wrap(err, "creating first voting round")

	case model.TxSigning:
		return o.runSigning(ctx, ev.TxID)

	case model.TxBroadcasting:
		return errors.Wrap(o.submit.Submit(ctx, ev.TxID), "handing off to submitter")
	}
	return nil
}

// handleVotingEvent moves a transaction voting -> signing once its round's
// approval threshold is reached (spec.md §4.9).
func (o *Orchestrator) handleVotingEvent(ctx context.Context, ev auditstore.VotingEvent) error {
	if !ev.ThresholdReached {
		return nil
	}
	_, err := o.audit.UpdateState(ctx, ev.TxID, model.TxVoting, model.TxSigning)
	return err
}

// runSigning invokes the MPC engine and advances the transaction on success
// or failure (spec.md §4.9).
func (o *Orchestrator) runSigning(ctx context.Context, txid string) error {
	tx, err := o.audit.GetTransaction(ctx, txid)
	if err != nil {
		return err
	}
	sig, err := o.signer.Sign(ctx, tx)
	if err != nil {
		return errors.Wrap(o.audit.FailTransaction(ctx, txid, err.Error()), "marking signing failure")
	}
	_, err = o.audit.CompleteSigning(ctx, txid, sig)
	return err
}

// Reconcile re-dispatches every non-terminal transaction, covering anything
// the event stream missed (spec.md §4.3, §4.9 "Supplemented Features").
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	txs, err := o.audit.NonTerminalTransactions(ctx)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		o.withTxLock(ctx, tx.TxID, func() {
			err := o.handleTxEvent(ctx, auditstore.TxEvent{TxID: tx.TxID, State: string(tx.State), Action: "RECONCILE"})
			if err != nil {
				o.log.Errorw("reconciling transaction", "txid", tx.TxID, "error", err)
			}
		})
	}
	return nil
}

// timeoutLoop is the periodic task of spec.md §4.9 "Timeouts".
func (o *Orchestrator) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(timeoutScanEvery)
	defer ticker.Stop()
	deadlines := map[model.TxState]time.Duration{
		model.TxVoting:       votingDeadline,
		model.TxSigning:      signingDeadline,
		model.TxBroadcasting: broadcastingDeadline,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for state, deadline := range deadlines {
				ids, err := o.audit.TimedOutTransactions(ctx, state, deadline)
				if err != nil {
					o.log.Errorw("timeout scan failed", "state", state, "error", err)
					continue
				}
				for _, txid := range ids {
					o.withTxLock(ctx, txid, func() {
						if err := o.audit.FailTransaction(ctx, txid, "timed_out_in_"+string(state)); err != nil {
							o.log.Errorw("failing timed-out transaction", "txid", txid, "error", err)
						}
					})
				}
			}
		}
	}
}

// withTxLock serializes handling of one txid across all nodes via a
// short-TTL coordination lock, so at most one node processes a given event
// even if all N nodes received it (spec.md §4.9 "Idempotence").
func (o *Orchestrator) withTxLock(ctx context.Context, txid string, fn func()) {
	key := "/locks/tx/" + txid
	leaseID := o.coord.LeaseGrant(txLockTTL)
	ok, err := o.coord.CAS(key, nil, []byte("1"))
	if err != nil {
		o.coord.RevokeLease(leaseID)
		o.log.Errorw("acquiring tx lock", "txid", txid, "error", err)
		return
	}
	if !ok {
		o.coord.RevokeLease(leaseID)
		return
	}
	defer o.coord.RevokeLease(leaseID)

	if err := o.coord.Put(key, []byte("1"), leaseID); err != nil {
		o.log.Errorw("binding tx lock", "txid", txid, "error", err)
		return
	}
	fn()
}
