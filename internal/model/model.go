// Package model holds the shared data types of the custody core: wallets,
// key shares, grants, sessions, presignatures, transactions and the voting
// and violation records that back Byzantine detection. See spec.md §3.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Ciphersuite identifies which threshold protocol a wallet was created with.
type Ciphersuite string

const (
	CiphersuiteECDSA   Ciphersuite = "ecdsa-threshold"
	CiphersuiteSchnorr Ciphersuite = "schnorr-threshold"
)

// Wallet is immutable after DKG completion (spec.md §3 "Wallet").
type Wallet struct {
	ID                uuid.UUID
	Ciphersuite       Ciphersuite
	GroupPublicKey    []byte // compressed point
	AddressPolicy     string
	Threshold         int
	ParticipantCount  int
	CreatedAt         time.Time
}

// KeyShare is owned exclusively by one node per wallet.
type KeyShare struct {
	WalletID      uuid.UUID
	PartyIndex    int
	SecretShare   []byte
	AuxiliaryData []byte // Paillier moduli + ZK params (ECDSA) or nil (Schnorr)
	GroupPublicKey []byte
}

// OperationKind is the kind of operation a Grant authorizes.
type OperationKind string

const (
	OperationDKG     OperationKind = "dkg"
	OperationSigning OperationKind = "signing"
)

// Grant is a signed, time-bounded capability (spec.md §3 "Grant", §6).
type Grant struct {
	GrantID         uuid.UUID
	WalletID        uuid.UUID
	OperationKind   OperationKind
	MessageHash     [32]byte // signing only
	Parameters      []byte   // dkg only
	Threshold       int
	Participants    []int // sorted canonical
	ExpiresAt       int64 // unix seconds
	Nonce           uint64
	IssuerSignature []byte // Ed25519 over canonical encoding
}

// SessionState is the lifecycle of one MPC protocol execution.
type SessionState string

const (
	SessionProposed   SessionState = "proposed"
	SessionInProgress SessionState = "in_progress"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionTimedOut   SessionState = "timed_out"
)

// Session is one execution of a multi-round MPC protocol, keyed by a
// deterministic id derived from its grant (spec.md §3 "Session").
type Session struct {
	ID        [32]byte
	Grant     Grant
	State     SessionState
	StartTime time.Time
	Deadline  time.Time
}

// Presignature is a single-use ECDSA-threshold presigned nonce.
type Presignature struct {
	ID           uuid.UUID
	WalletID     uuid.UUID
	R            []byte // compressed R point
	MaskedShare  []byte
	Participants []int
}

// TxState is the lifecycle of a custody transaction (spec.md §3 "Transaction").
type TxState string

const (
	TxPending      TxState = "pending"
	TxVoting       TxState = "voting"
	TxSigning      TxState = "signing"
	TxBroadcasting TxState = "broadcasting"
	TxCompleted    TxState = "completed"
	TxFailed       TxState = "failed"
)

// Transaction is the unit the Orchestrator and Submitter drive to completion.
type Transaction struct {
	TxID           string
	WalletID       uuid.UUID
	UnsignedBlob   []byte // message digest
	Recipient      string
	AmountSats     int64
	FeeSats        int64
	State          TxState
	CreatedAt      time.Time
	StateEnteredAt time.Time
	Signature      []byte
	ChainTxID      string
	FailureReason  string
}

// VotingRound tracks one round of Byzantine-tolerant voting for a transaction.
type VotingRound struct {
	ID            int64
	TxID          string
	RoundNumber   int
	VotesReceived int
	Threshold     int
	Approved      bool
	CompletedAt   *time.Time
}

// Vote is a single signed ballot cast by a party on a voting round.
type Vote struct {
	ID        int64
	RoundID   int64
	Voter     int
	Approve   bool
	Signature []byte
	ReceivedAt time.Time
}

// ViolationKind enumerates the four Byzantine fault classes (spec.md §4.8).
type ViolationKind string

const (
	ViolationDoubleVote           ViolationKind = "double_vote"
	ViolationInvalidSignature     ViolationKind = "invalid_signature"
	ViolationMinorityEquivocation ViolationKind = "minority_equivocation"
	ViolationSilentTimeout        ViolationKind = "silent_timeout"
)

// Violation is a recorded byzantine event (spec.md §3 "Violation").
type Violation struct {
	ID            int64
	TxID          string
	OffendingParty int
	Kind          ViolationKind
	DetectedAt    time.Time
	Evidence      []byte
}
