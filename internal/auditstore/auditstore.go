// Package auditstore implements the Audit Store (spec.md §4.3): a durable
// relational record of transactions, voting rounds, votes and violations,
// with change notification over Postgres LISTEN/NOTIFY
// (github.com/lib/pq), grounded on other_examples/certenIO-certen-validator's
// use of lib/pq for its own validator-state persistence.
package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/model"
)

const (
	channelTxEvents     = "tx_events"
	channelVotingEvents = "voting_events"
)

// Store wraps a Postgres connection pool plus a pq.Listener for the two
// notification channels named in spec.md §6.
type Store struct {
	db       *sql.DB
	listener *pq.Listener
}

// Open connects to Postgres at dsn and creates the schema if absent.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, nil)
	if err := listener.Listen(channelTxEvents); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "listening on tx_events")
	}
	if err := listener.Listen(channelVotingEvents); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "listening on voting_events")
	}

	return &Store{db: db, listener: listener}, nil
}

func (s *Store) Close() error {
	s.listener.Close()
	return s.db.Close()
}

func createSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS wallets (
	id UUID PRIMARY KEY,
	ciphersuite TEXT NOT NULL,
	group_public_key BYTEA NOT NULL,
	address_policy TEXT NOT NULL,
	threshold INT NOT NULL,
	participant_count INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	txid TEXT PRIMARY KEY,
	wallet_id UUID NOT NULL,
	state TEXT NOT NULL,
	unsigned_blob BYTEA NOT NULL,
	recipient TEXT NOT NULL,
	amount BIGINT NOT NULL,
	fee BIGINT NOT NULL,
	signature BYTEA,
	chain_txid TEXT,
	failure_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	state_entered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voting_rounds (
	id BIGSERIAL PRIMARY KEY,
	txid TEXT NOT NULL REFERENCES transactions(txid),
	round_number INT NOT NULL,
	votes_received INT NOT NULL DEFAULT 0,
	threshold INT NOT NULL,
	approved BOOLEAN NOT NULL DEFAULT false,
	completed_at TIMESTAMPTZ,
	UNIQUE(txid, round_number)
);

CREATE TABLE IF NOT EXISTS votes (
	id BIGSERIAL PRIMARY KEY,
	round_id BIGINT NOT NULL REFERENCES voting_rounds(id),
	voter INT NOT NULL,
	approve BOOLEAN NOT NULL,
	signature BYTEA NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(round_id, voter)
);

CREATE TABLE IF NOT EXISTS violations (
	id BIGSERIAL PRIMARY KEY,
	txid TEXT NOT NULL REFERENCES transactions(txid),
	offender INT NOT NULL,
	kind TEXT NOT NULL,
	evidence_blob BYTEA,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS submissions (
	id BIGSERIAL PRIMARY KEY,
	txid TEXT NOT NULL REFERENCES transactions(txid),
	chain_txid TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION notify_tx_event() RETURNS trigger AS $$
DECLARE
	payload JSON;
BEGIN
	payload := json_build_object(
		'txid', NEW.txid,
		'state', NEW.state,
		'action', TG_OP,
		'timestamp', extract(epoch from now()),
		'old_state', CASE WHEN TG_OP = 'UPDATE' THEN OLD.state ELSE NULL END
	);
	PERFORM pg_notify('tx_events', payload::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_tx_events ON transactions;
CREATE TRIGGER trg_tx_events
	AFTER INSERT OR UPDATE ON transactions
	FOR EACH ROW EXECUTE FUNCTION notify_tx_event();

CREATE OR REPLACE FUNCTION notify_voting_event() RETURNS trigger AS $$
DECLARE
	payload JSON;
BEGIN
	payload := json_build_object(
		'txid', NEW.txid,
		'round_id', NEW.id,
		'votes_received', NEW.votes_received,
		'threshold_reached', NEW.approved,
		'action', TG_OP,
		'timestamp', extract(epoch from now())
	);
	PERFORM pg_notify('voting_events', payload::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_voting_events ON voting_rounds;
CREATE TRIGGER trg_voting_events
	AFTER INSERT OR UPDATE ON voting_rounds
	FOR EACH ROW EXECUTE FUNCTION notify_voting_event();
`
	_, err := db.Exec(ddl)
	return errors.Wrap(err, "creating audit store schema")
}

// InsertWallet records a newly created wallet's immutable public record
// (spec.md §3 "Wallet"), the shared counterpart to each node's private
// KeyShare.
func (s *Store) InsertWallet(ctx context.Context, w model.Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets(id, ciphersuite, group_public_key, address_policy, threshold, participant_count)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		w.ID, w.Ciphersuite, w.GroupPublicKey, w.AddressPolicy, w.Threshold, w.ParticipantCount)
	return errors.Wrap(err, "inserting wallet")
}

// Threshold resolves a wallet's configured signing threshold, satisfying
// orchestrator.WalletLookup.
func (s *Store) Threshold(ctx context.Context, walletID uuid.UUID) (int, error) {
	var t int
	err := s.db.QueryRowContext(ctx, `SELECT threshold FROM wallets WHERE id=$1`, walletID).Scan(&t)
	if err != nil {
		return 0, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	return t, nil
}

// Wallets returns every wallet's public record, used at node startup to
// discover which wallets exist so local key shares/presignature pools/MPC
// parties can be wired up for each one.
func (s *Store) Wallets(ctx context.Context) ([]model.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ciphersuite, group_public_key, address_policy, threshold, participant_count, created_at
		FROM wallets ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		var w model.Wallet
		if err := rows.Scan(&w.ID, &w.Ciphersuite, &w.GroupPublicKey, &w.AddressPolicy, &w.Threshold, &w.ParticipantCount, &w.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning wallet row")
		}
		wallets = append(wallets, w)
	}
	return wallets, errors.Wrap(rows.Err(), "iterating wallet rows")
}

// CiphersuiteAndCounts resolves a wallet's ciphersuite, threshold and
// participant count in one query; cmd/node adapts this into
// signer.WalletInfoLookup.
func (s *Store) CiphersuiteAndCounts(ctx context.Context, walletID uuid.UUID) (model.Ciphersuite, int, int, error) {
	var suite model.Ciphersuite
	var threshold, n int
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphersuite, threshold, participant_count FROM wallets WHERE id=$1`, walletID).
		Scan(&suite, &threshold, &n)
	if err != nil {
		return "", 0, 0, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	return suite, threshold, n, nil
}

// InsertTransaction inserts a new transaction row in state `pending`.
func (s *Store) InsertTransaction(ctx context.Context, tx model.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions(txid, wallet_id, state, unsigned_blob, recipient, amount, fee)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		tx.TxID, tx.WalletID, model.TxPending, tx.UnsignedBlob, tx.Recipient, tx.AmountSats, tx.FeeSats)
	return errors.Wrap(err, "inserting transaction")
}

// UpdateState performs the state-guarded UPDATE of spec.md §4.3: it fails
// (returns false, nil) if the current state is not `from`, preventing races
// between concurrent handlers acting on stale reads.
func (s *Store) UpdateState(ctx context.Context, txid string, from, to model.TxState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET state=$1, state_entered_at=now() WHERE txid=$2 AND state=$3`,
		to, txid, from)
	if err != nil {
		return false, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading rows affected")
	}
	return n == 1, nil
}

// CompleteSigning writes the combined signature and moves the transaction
// from `signing` to `broadcasting` in one state-guarded update (spec.md
// §4.9 "on success write the signature and move signing -> broadcasting").
func (s *Store) CompleteSigning(ctx context.Context, txid string, signature []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET state=$1, state_entered_at=now(), signature=$2
		WHERE txid=$3 AND state=$4`,
		model.TxBroadcasting, signature, txid, model.TxSigning)
	if err != nil {
		return false, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading rows affected")
	}
	return n == 1, nil
}

// FailTransaction marks a transaction failed unconditionally (used by
// Byzantine detection and timeout handling, which override any in-flight
// state).
func (s *Store) FailTransaction(ctx context.Context, txid, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET state=$1, state_entered_at=now(), failure_reason=$2 WHERE txid=$3`,
		model.TxFailed, reason, txid)
	return errors.Wrap(err, "failing transaction")
}

// CompleteTransaction marks a transaction completed with its chain txid and
// writes the accompanying submission row, atomically in one transaction
// (spec.md §8: "exactly one submission row with a chain txid").
func (s *Store) CompleteTransaction(ctx context.Context, txid, chainTxid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET state=$1, state_entered_at=now(), chain_txid=$2 WHERE txid=$3`,
		model.TxCompleted, chainTxid, txid); err != nil {
		return errors.Wrap(err, "completing transaction")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO submissions(txid, chain_txid) VALUES ($1,$2)`,
		txid, chainTxid); err != nil {
		return errors.Wrap(err, "inserting submission row")
	}
	return errors.Wrap(tx.Commit(), "committing completion")
}

// CreateVotingRound inserts the first (or a retried) voting round for txid.
func (s *Store) CreateVotingRound(ctx context.Context, txid string, roundNumber, threshold int) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO voting_rounds(txid, round_number, threshold) VALUES ($1,$2,$3) RETURNING id`,
		txid, roundNumber, threshold).Scan(&id)
	return id, errors.Wrap(err, "creating voting round")
}

// GetTransaction fetches one transaction row by id.
func (s *Store) GetTransaction(ctx context.Context, txid string) (model.Transaction, error) {
	var t model.Transaction
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT txid, wallet_id, state, unsigned_blob, recipient, amount, fee, signature, chain_txid, created_at, state_entered_at
		FROM transactions WHERE txid=$1`, txid).
		Scan(&t.TxID, &t.WalletID, &state, &t.UnsignedBlob, &t.Recipient, &t.AmountSats, &t.FeeSats,
			&t.Signature, &t.ChainTxID, &t.CreatedAt, &t.StateEnteredAt)
	if err != nil {
		return model.Transaction{}, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	t.State = model.TxState(state)
	return t, nil
}

// TxEvent is the decoded payload of a tx_events notification (spec.md §6).
type TxEvent struct {
	TxID     string  `json:"txid"`
	State    string  `json:"state"`
	Action   string  `json:"action"`
	Time     float64 `json:"timestamp"`
	OldState *string `json:"old_state"`
}

// VotingEvent is the decoded payload of a voting_events notification.
type VotingEvent struct {
	TxID             string  `json:"txid"`
	RoundID          int64   `json:"round_id"`
	VotesReceived    int     `json:"votes_received"`
	ThresholdReached bool    `json:"threshold_reached"`
	Action           string  `json:"action"`
	Time             float64 `json:"timestamp"`
}

// Notifications is the demultiplexed change stream. The subscriber
// reconnects with exponential backoff on disconnect (handled internally by
// pq.Listener) and the caller is expected to call Reconcile after every
// Reconnected signal to catch any events missed mid-outage (spec.md §4.3).
type Notifications struct {
	TxEvents     <-chan TxEvent
	VotingEvents <-chan VotingEvent
	Reconnected  <-chan struct{}
}

// Subscribe starts demultiplexing the Postgres notification channel into
// typed events on separate channels.
func (s *Store) Subscribe(ctx context.Context) *Notifications {
	txCh := make(chan TxEvent, 256)
	voteCh := make(chan VotingEvent, 256)
	reconnCh := make(chan struct{}, 8)

	go func() {
		defer close(txCh)
		defer close(voteCh)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-s.listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// pq.Listener sends a nil notification on reconnect.
					select {
					case reconnCh <- struct{}{}:
					default:
					}
					continue
				}
				switch n.Channel {
				case channelTxEvents:
					var ev TxEvent
					if json.Unmarshal([]byte(n.Extra), &ev) == nil {
						txCh <- ev
					}
				case channelVotingEvents:
					var ev VotingEvent
					if json.Unmarshal([]byte(n.Extra), &ev) == nil {
						voteCh <- ev
					}
				}
			case <-time.After(90 * time.Second):
				_ = s.listener.Ping()
			}
		}
	}()

	return &Notifications{TxEvents: txCh, VotingEvents: voteCh, Reconnected: reconnCh}
}

// NonTerminalTransactions returns every transaction not yet in a terminal
// state, for the orchestrator's startup/reconnect reconciliation scan.
func (s *Store) NonTerminalTransactions(ctx context.Context) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT txid, wallet_id, state, unsigned_blob, recipient, amount, fee, created_at, state_entered_at
		FROM transactions
		WHERE state NOT IN ($1,$2)`, model.TxCompleted, model.TxFailed)
	if err != nil {
		return nil, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var state string
		if err := rows.Scan(&t.TxID, &t.WalletID, &state, &t.UnsignedBlob, &t.Recipient, &t.AmountSats, &t.FeeSats, &t.CreatedAt, &t.StateEnteredAt); err != nil {
			return nil, errors.Wrap(err, "scanning transaction row")
		}
		t.State = model.TxState(state)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TimedOutTransactions returns transactions that have sat in `state` longer
// than deadline, for the orchestrator's periodic timeout scan (spec.md §4.9).
func (s *Store) TimedOutTransactions(ctx context.Context, state model.TxState, deadline time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT txid FROM transactions WHERE state=$1 AND state_entered_at < $2`,
		state, time.Now().Add(-deadline))
	if err != nil {
		return nil, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
