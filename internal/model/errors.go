package model

import "github.com/pkg/errors"

// Error kinds named in spec.md §7. Sentinel values are wrapped with
// github.com/pkg/errors at the call site so the root cause survives.
var (
	ErrGrantInvalid            = errors.New("grant invalid")
	ErrKeyShareMissing         = errors.New("key share missing")
	ErrKeyShareDecryptFailed   = errors.New("key share decrypt failed")
	ErrProtocolRoundTimeout    = errors.New("protocol round timeout")
	ErrProtocolInvalidProof    = errors.New("protocol invalid proof")
	ErrPresignatureExhausted   = errors.New("presignature pool exhausted")
	ErrTransportUnreachable    = errors.New("transport unreachable")
	ErrCoordinationUnavailable = errors.New("coordination store unavailable")
	ErrAuditUnavailable        = errors.New("audit store unavailable")
	ErrChainRejected           = errors.New("chain rejected transaction")
	ErrChainTransient          = errors.New("chain transient error")
	ErrByzantineDetected       = errors.New("byzantine behavior detected")
)
