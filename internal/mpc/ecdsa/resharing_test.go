package ecdsa_test

import (
	"context"
	"crypto/sha256"
	stdecdsa "crypto/ecdsa"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
)

func TestReshareToNewCommittee(t *testing.T) {
	old := parties{NewParty(1, nil), NewParty(2, nil), NewParty(3, nil)}
	old.init(senders(old))
	shares, err := old.keygen()
	assert.NoError(t, err)
	assert.NoError(t, old.setShareData(shares))

	oldPub, err := old[0].TPubKey()
	assert.NoError(t, err)

	// party 4 joins, party 1 retires; union id space for routing is {1,2,3,4}.
	p4 := NewParty(4, nil)
	all := parties{old[0], old[1], old[2], p4}
	all.init(senders(all))

	params := ReshareParams{OldSet: []int{1, 2, 3}, NewSet: []int{2, 3, 4}, NewThreshold: 1}
	members := []*Party{old[0], old[1], old[2], p4}

	var wg sync.WaitGroup
	var failure atomic.Value
	results := make([]*ShareData, len(members))
	wg.Add(len(members))
	for i, p := range members {
		go func(i int, p *Party) {
			defer wg.Done()
			share, err := p.Reshare(params)
			if err != nil {
				failure.Store(err.Error())
				return
			}
			results[i] = share
		}(i, p)
	}
	wg.Wait()
	assert.Nil(t, failure.Load())

	assert.Nil(t, results[0], "party 1 retired and keeps no share")

	newCommittee := parties{old[1], old[2], p4}
	newCommittee.init(senders(newCommittee))

	digestArr := sha256.Sum256([]byte("transfer 1 BTC after resharing"))
	digest := digestArr[:]
	sigs, err := newCommittee.sign(digest)
	assert.NoError(t, err)

	newPub, err := p4.TPubKey()
	assert.NoError(t, err)
	assert.Equal(t, oldPub, newPub, "resharing must not change the group public key")

	for _, sig := range sigs {
		assert.True(t, stdecdsa.VerifyASN1(newPub, digest, sig))
	}
}
