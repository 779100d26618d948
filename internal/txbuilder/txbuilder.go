// Package txbuilder implements submitter.TxEncoder's one required method:
// attaching a completed threshold signature to an already-assembled
// unsigned transaction skeleton. UTXO selection and fee computation stay an
// explicit Non-goal (spec.md §1) owned by whatever wallet layer produces
// that skeleton; this package only wires the combined signature into the
// first input's witness and re-serializes, using the
// github.com/btcsuite/btcd/wire package.
package txbuilder

import (
	"bytes"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-custody/internal/model"
)

// Encoder implements submitter.TxEncoder.
type Encoder struct{}

func New() *Encoder { return &Encoder{} }

// Encode parses tx.UnsignedBlob as a serialized wire.MsgTx skeleton
// (inputs/outputs already chosen upstream), attaches tx.Signature as the
// witness of its first input, and returns the re-serialized raw bytes.
func (Encoder) Encode(tx model.Transaction) ([]byte, error) {
	if len(tx.Signature) == 0 {
		return nil, errors.New("transaction has no combined signature to attach")
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(tx.UnsignedBlob)); err != nil {
		return nil, errors.Wrap(err, "parsing unsigned transaction skeleton")
	}
	if len(msgTx.TxIn) == 0 {
		return nil, errors.New("unsigned transaction skeleton has no inputs")
	}

	msgTx.TxIn[0].Witness = wire.TxWitness{tx.Signature}

	var out bytes.Buffer
	if err := msgTx.Serialize(&out); err != nil {
		return nil, errors.Wrap(err, "serializing signed transaction")
	}
	return out.Bytes(), nil
}
