package auditstore

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/model"
)

// ExistingVote returns the vote already on file for (roundID, voter), if
// any. The Consensus Voter uses this to detect double_vote before inserting.
func (s *Store) ExistingVote(ctx context.Context, roundID int64, voter int) (*model.Vote, error) {
	var v model.Vote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, round_id, voter, approve, signature, received_at
		FROM votes WHERE round_id=$1 AND voter=$2`, roundID, voter).
		Scan(&v.ID, &v.RoundID, &v.Voter, &v.Approve, &v.Signature, &v.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	return &v, nil
}

// InsertVote records a vote and auto-increments votes_received on its round,
// enforcing unique(round_id, voter) at the storage layer (spec.md §8).
func (s *Store) InsertVote(ctx context.Context, v model.Vote) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO votes(round_id, voter, approve, signature) VALUES ($1,$2,$3,$4)
		RETURNING id`, v.RoundID, v.Voter, v.Approve, v.Signature).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "inserting vote")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE voting_rounds SET votes_received = votes_received + 1 WHERE id=$1`, v.RoundID); err != nil {
		return 0, errors.Wrap(err, "incrementing votes_received")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "committing vote insert")
	}
	return id, nil
}

// VotingRound fetches the current row for a round.
func (s *Store) VotingRound(ctx context.Context, roundID int64) (model.VotingRound, error) {
	var r model.VotingRound
	err := s.db.QueryRowContext(ctx, `
		SELECT id, txid, round_number, votes_received, threshold, approved, completed_at
		FROM voting_rounds WHERE id=$1`, roundID).
		Scan(&r.ID, &r.TxID, &r.RoundNumber, &r.VotesReceived, &r.Threshold, &r.Approved, &r.CompletedAt)
	return r, errors.Wrap(err, "reading voting round")
}

// ApproveRound atomically flips a round's approved flag to true via CAS
// (spec.md §4.8: "the round's approved flag is set true via an atomic CAS").
func (s *Store) ApproveRound(ctx context.Context, roundID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE voting_rounds SET approved=true, completed_at=now()
		WHERE id=$1 AND approved=false AND votes_received >= threshold`, roundID)
	if err != nil {
		return false, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// VotesForRound returns every vote cast so far on a round, oldest first.
func (s *Store) VotesForRound(ctx context.Context, roundID int64) ([]model.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, round_id, voter, approve, signature, received_at
		FROM votes WHERE round_id=$1 ORDER BY received_at ASC`, roundID)
	if err != nil {
		return nil, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	defer rows.Close()

	var out []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.ID, &v.RoundID, &v.Voter, &v.Approve, &v.Signature, &v.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// InsertViolation records a Byzantine event (spec.md §3 "Violation").
func (s *Store) InsertViolation(ctx context.Context, v model.Violation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations(txid, offender, kind, evidence_blob) VALUES ($1,$2,$3,$4)`,
		v.TxID, v.OffendingParty, v.Kind, v.Evidence)
	return errors.Wrap(err, "inserting violation")
}

// RecentVotesByVoter returns up to limit votes this voter cast (the
// equivocation detection window), most recent first, used to
// detect minority_equivocation (spec.md §4.8 rule 3).
func (s *Store) RecentVotesByVoter(ctx context.Context, voter int, limit int) ([]model.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, round_id, voter, approve, signature, received_at
		FROM votes WHERE voter=$1 ORDER BY received_at DESC LIMIT $2`, voter, limit)
	if err != nil {
		return nil, errors.Wrap(model.ErrAuditUnavailable, err.Error())
	}
	defer rows.Close()

	var out []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.ID, &v.RoundID, &v.Voter, &v.Approve, &v.Signature, &v.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
