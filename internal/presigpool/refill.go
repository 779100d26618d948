package presigpool

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kisdex/mpc-custody/internal/coordstore"
	"github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
	"github.com/kisdex/mpc-custody/internal/mpcsession"
	"github.com/kisdex/mpc-custody/internal/transport"
)

const (
	refillTick  = 10 * time.Second
	refillLease = 60 * time.Second
)

// Logger is the subset of the zap sugared logger the refiller needs.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// roundAnnouncement is what the elected leader writes to
// /sessions/presign/<wallet_id> to kick off one refill round; every
// participant (leader included) watches this key and reacts identically
// (spec.md §4.7: "opens a session ... each participant inserts its own
// piece into its own local pool").
type roundAnnouncement struct {
	Seq        uint64 `json:"seq"`
	SigningSet []int  `json:"signing_set"`
}

// Refiller runs the background task of spec.md §4.7 for one wallet. It is
// constructed identically on every node; only the node that wins the
// coordination-store lease announces new rounds, but every node (including
// the leader) participates in the resulting presign session and inserts the
// share it comes away with into its own local Pool.
//
// Every round gets its own mpcsession.Bridge: unlike a signing ceremony,
// presign refill has no grant to derive a session id from, so the id is
// instead derived from the wallet and the round's own sequence number
// (deriveRoundSession below) — every participant computes the same id from
// the same round announcement without a further coordination round.
type Refiller struct {
	wallet    uuid.UUID
	pool      *Pool
	coord     *coordstore.Store
	party     *ecdsa.Party
	transport transport.Transport
	self      uint16
	selectSet func() []int // returns this round's t-participant subset
	log       Logger
}

func NewRefiller(wallet uuid.UUID, pool *Pool, coord *coordstore.Store, party *ecdsa.Party, tp transport.Transport, self uint16, selectSet func() []int, log Logger) *Refiller {
	return &Refiller{wallet: wallet, pool: pool, coord: coord, party: party, transport: tp, self: self, selectSet: selectSet, log: log}
}

// deriveRoundSession derives a session id and frame-auth key for one refill
// round, analogous to mpcsession.DeriveAuthKey but keyed on the wallet and
// round sequence instead of a grant digest.
func deriveRoundSession(wallet uuid.UUID, seq uint64) [32]byte {
	h := sha256.New()
	h.Write([]byte("mpc-custody/presign-refill-session"))
	h.Write(wallet[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	h.Write(b[:])
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// Run drives the refill loop until ctx is cancelled. Call it once per node,
// per wallet; it is safe to run on every node concurrently.
func (r *Refiller) Run(ctx context.Context) {
	lockKey := "/locks/presig/" + r.wallet.String()
	sessionKey := "/sessions/presign/" + r.wallet.String()

	watch := r.coord.Watch(ctx, sessionKey)
	go r.followRounds(ctx, watch)

	ticker := time.NewTicker(refillTick)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.pool.NeedsRefill() {
				continue
			}
			if !r.tryBecomeLeader(lockKey) {
				continue
			}
			seq++
			announcement := roundAnnouncement{Seq: seq, SigningSet: r.selectSet()}
			payload, err := json.Marshal(announcement)
			if err != nil {
				r.log.Errorw("encoding presign round announcement", "wallet", r.wallet, "error", err)
				continue
			}
			if err := r.coord.Put(sessionKey, payload, 0); err != nil {
				r.log.Errorw("announcing presign round", "wallet", r.wallet, "error", err)
			}
		}
	}
}

// tryBecomeLeader acquires the refill lease via CAS. It wins only when the
// lock key is absent (no live lease holds it); a node that already holds
// the lease does not win again until that lease expires.
func (r *Refiller) tryBecomeLeader(lockKey string) bool {
	leaseID := r.coord.LeaseGrant(refillLease)
	holder := []byte(strconv.Itoa(r.party.ID()))
	ok, err := r.coord.CAS(lockKey, nil, holder)
	if err != nil {
		r.coord.RevokeLease(leaseID)
		r.log.Errorw("acquiring presign refill lease", "wallet", r.wallet, "error", err)
		return false
	}
	if !ok {
		r.coord.RevokeLease(leaseID)
		return false
	}
	if err := r.coord.Put(lockKey, holder, leaseID); err != nil {
		r.log.Errorw("binding presign refill lease", "wallet", r.wallet, "error", err)
		return false
	}
	return true
}

// followRounds reacts to every new round announcement by running the
// message-independent presign ceremony and inserting the result locally.
func (r *Refiller) followRounds(ctx context.Context, watch <-chan coordstore.Event) {
	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watch:
			if !ok {
				return
			}
			if ev.NewValue == nil {
				continue
			}
			var ann roundAnnouncement
			if err := json.Unmarshal(ev.NewValue, &ann); err != nil {
				r.log.Errorw("decoding presign round announcement", "wallet", r.wallet, "error", err)
				continue
			}
			if ann.Seq <= lastSeq {
				continue
			}
			lastSeq = ann.Seq
			if !containsInt(ann.SigningSet, r.party.ID()) {
				continue
			}

			sessionID := deriveRoundSession(r.wallet, ann.Seq)
			authKey := mpcsession.DeriveAuthKey(sessionID)
			ids := make([]uint16, len(ann.SigningSet))
			for i, p := range ann.SigningSet {
				ids[i] = uint16(p)
			}
			bridge := mpcsession.New(r.transport, sessionID, authKey, r.self, r.party.OnMsg)
			pumpCtx, cancel := context.WithCancel(ctx)
			bridge.Pump(pumpCtx)
			r.party.Init(ids, len(ids)-1, bridge.Sender())

			presig, err := r.party.RunPresign(ann.SigningSet)
			cancel()
			bridge.Close()
			if err != nil {
				r.log.Errorw("presign refill round failed", "wallet", r.wallet, "error", err)
				continue
			}
			if !r.pool.Insert(presig) {
				r.log.Infow("presign pool at capacity, discarding fresh presignature", "wallet", r.wallet)
				continue
			}
			length, target, capacity := r.pool.Stats()
			r.log.Infow("presign pool refilled", "wallet", r.wallet, "len", length, "target", target, "capacity", capacity)
		}
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
