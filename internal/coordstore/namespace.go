package coordstore

import (
	"fmt"
	"time"
)

// Key namespaces, spec.md §6 "Coordination keyspace".
func SessionKey(sessionID string) string   { return "/sessions/" + sessionID }
func TxLockKey(txID string) string         { return "/locks/tx/" + txID }
func SubmissionLockKey(txID string) string { return "/locks/submission/" + txID }
func PresigLockKey(walletID string) string { return "/locks/presig/" + walletID }
func TxStateKey(txID string) string        { return "/txstate/" + txID }

// TryLock attempts to acquire a named lock with the given TTL, writing the
// holder's party index as the value. It returns (true, leaseID) on success.
// Losing the CAS race means another node already holds it (spec.md §4.9,
// §4.10: "If acquisition fails, skip").
func TryLock(s *Store, key string, holderPartyIndex int, ttl time.Duration) (bool, uint64, error) {
	leaseID := s.LeaseGrant(ttl)
	ok, err := s.CAS(key, nil, []byte(fmt.Sprintf("%d", holderPartyIndex)))
	if err != nil {
		s.RevokeLease(leaseID)
		return false, 0, err
	}
	if !ok {
		s.RevokeLease(leaseID)
		return false, 0, nil
	}
	if err := s.Put(key, []byte(fmt.Sprintf("%d", holderPartyIndex)), leaseID); err != nil {
		return false, 0, err
	}
	return true, leaseID, nil
}

// Unlock releases a previously acquired lock by revoking its lease.
func Unlock(s *Store, leaseID uint64) {
	s.RevokeLease(leaseID)
}
