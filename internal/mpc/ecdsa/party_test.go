package ecdsa_test

import (
	"context"
	"crypto/sha256"
	stdecdsa "crypto/ecdsa"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/kisdex/mpc-custody/internal/mpc/ecdsa"
)

type parties []*Party

func (ps parties) ids() []uint16 {
	out := make([]uint16, len(ps))
	for i := range ps {
		out[i] = uint16(i + 1)
	}
	return out
}

func senders(ps parties) []Sender {
	byIndex := make(map[uint16]*Party, len(ps))
	for i, p := range ps {
		byIndex[uint16(i+1)] = p
	}
	out := make([]Sender, len(ps))
	for i := range ps {
		self := uint16(i + 1)
		out[i] = func(msgBytes []byte, broadcast bool, to uint16) {
			if broadcast {
				for idx, dst := range byIndex {
					if idx == self {
						continue
					}
					dst.OnMsg(msgBytes, self, true)
				}
				return
			}
			if dst, ok := byIndex[to]; ok {
				dst.OnMsg(msgBytes, self, false)
			}
		}
	}
	return out
}

func (ps parties) init(s []Sender) {
	for i, p := range ps {
		p.Init(ps.ids(), len(ps)-1, s[i])
	}
}

func (ps parties) keygen() ([][]byte, error) {
	shares := make([][]byte, len(ps))
	var wg sync.WaitGroup
	var failure atomic.Value
	wg.Add(len(ps))
	for i, p := range ps {
		go func(i int, p *Party) {
			defer wg.Done()
			share, err := p.KeyGen(context.Background())
			if err != nil {
				failure.Store(err.Error())
				return
			}
			shares[i] = share
		}(i, p)
	}
	wg.Wait()
	if v := failure.Load(); v != nil {
		return nil, fmt.Errorf("%s", v)
	}
	return shares, nil
}

func (ps parties) setShareData(shares [][]byte) error {
	for i, p := range ps {
		if err := p.SetShareData(shares[i]); err != nil {
			return err
		}
	}
	return nil
}

func (ps parties) sign(digest []byte) ([][]byte, error) {
	sigs := make([][]byte, len(ps))
	var wg sync.WaitGroup
	var failure atomic.Value
	wg.Add(len(ps))
	for i, p := range ps {
		go func(i int, p *Party) {
			defer wg.Done()
			sig, err := p.Sign(context.Background(), digest)
			if err != nil {
				failure.Store(err.Error())
				return
			}
			sigs[i] = sig
		}(i, p)
	}
	wg.Wait()
	if v := failure.Load(); v != nil {
		return nil, fmt.Errorf("%s", v)
	}
	return sigs, nil
}

func TestThresholdECDSAEndToEnd(t *testing.T) {
	ps := parties{NewParty(1, nil), NewParty(2, nil), NewParty(3, nil)}
	ps.init(senders(ps))

	shares, err := ps.keygen()
	assert.NoError(t, err)

	ps.init(senders(ps))
	assert.NoError(t, ps.setShareData(shares))

	digestArr := sha256.Sum256([]byte("transfer 1 BTC"))
	digest := digestArr[:]

	sigs, err := ps.sign(digest)
	assert.NoError(t, err)

	pub, err := ps[0].TPubKey()
	assert.NoError(t, err)

	for _, sig := range sigs {
		assert.True(t, stdecdsa.VerifyASN1(pub, digest, sig))
	}
}
