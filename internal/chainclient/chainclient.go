// Package chainclient is the thin delegate named in spec.md §1's Non-goals:
// Bitcoin wire-format encoding, UTXO selection and fee estimation live
// outside the core. This package only exposes the two chain operations the
// Submitter needs (spec.md §4.10): look up a txid and broadcast raw bytes.
package chainclient

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/model"
)

// Client is a thin interface over github.com/btcsuite/btcd/rpcclient so the
// Submitter can be tested against a fake.
type Client interface {
	// Lookup reports whether txid is already known to the chain (spec.md §4.10 step 3, the exactly-once pre-check).
	Lookup(txid string) (bool, error)
	// Broadcast submits raw, already-signed transaction bytes and returns
	// the resulting chain txid.
	Broadcast(rawTx []byte) (string, error)
}

// RPCClient wraps rpcclient.Client, the same library
// valhallacoin-vhcwallet and monetarium-node use for their daemon RPC calls.
type RPCClient struct {
	rpc *rpcclient.Client
}

func Dial(cfg *rpcclient.ConnConfig) (*RPCClient, error) {
	rpc, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dialing chain RPC endpoint")
	}
	return &RPCClient{rpc: rpc}, nil
}

func (c *RPCClient) Close() { c.rpc.Shutdown() }

func (c *RPCClient) Lookup(txid string) (bool, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return false, errors.Wrap(err, "parsing txid")
	}
	_, err = c.rpc.GetRawTransaction(hash)
	if err != nil {
		return false, nil // not found is not an error here, just "absent"
	}
	return true, nil
}

func (c *RPCClient) Broadcast(rawTx []byte) (string, error) {
	tx, err := btcutil.NewTxFromBytes(rawTx)
	if err != nil {
		return "", errors.Wrap(model.ErrChainRejected, "malformed transaction bytes")
	}
	hash, err := c.rpc.SendRawTransaction(tx.MsgTx(), false)
	if err != nil {
		return "", errors.Wrap(model.ErrChainTransient, err.Error())
	}
	return hash.String(), nil
}
