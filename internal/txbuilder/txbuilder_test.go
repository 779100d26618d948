package txbuilder_test

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdex/mpc-custody/internal/model"
	"github.com/kisdex/mpc-custody/internal/txbuilder"
)

func unsignedSkeleton(t *testing.T) []byte {
	t.Helper()
	msgTx := wire.NewMsgTx(wire.TxVersion)
	prevOut := wire.NewOutPoint(&chainhash.Hash{}, 0)
	msgTx.AddTxIn(wire.NewTxIn(prevOut, nil, nil))
	msgTx.AddTxOut(wire.NewTxOut(100000, []byte{0x00, 0x14}))

	var buf bytes.Buffer
	require.NoError(t, msgTx.Serialize(&buf))
	return buf.Bytes()
}

func TestEncodeAttachesSignatureToFirstInput(t *testing.T) {
	enc := txbuilder.New()
	tx := model.Transaction{
		UnsignedBlob: unsignedSkeleton(t),
		Signature:    []byte{0xde, 0xad, 0xbe, 0xef},
	}

	raw, err := enc.Encode(tx)
	require.NoError(t, err)

	var got wire.MsgTx
	require.NoError(t, got.Deserialize(bytes.NewReader(raw)))
	require.Len(t, got.TxIn, 1)
	require.Len(t, got.TxIn[0].Witness, 1)
	assert.Equal(t, tx.Signature, got.TxIn[0].Witness[0])
}

func TestEncodeRejectsMissingSignature(t *testing.T) {
	enc := txbuilder.New()
	_, err := enc.Encode(model.Transaction{UnsignedBlob: unsignedSkeleton(t)})
	assert.Error(t, err)
}

func TestEncodeRejectsUnparsableSkeleton(t *testing.T) {
	enc := txbuilder.New()
	_, err := enc.Encode(model.Transaction{
		UnsignedBlob: []byte{0x01, 0x02, 0x03},
		Signature:    []byte{0xde, 0xad},
	})
	assert.Error(t, err)
}

func TestEncodeRejectsSkeletonWithNoInputs(t *testing.T) {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxOut(wire.NewTxOut(100000, []byte{0x00, 0x14}))
	var buf bytes.Buffer
	require.NoError(t, msgTx.Serialize(&buf))

	enc := txbuilder.New()
	_, err := enc.Encode(model.Transaction{
		UnsignedBlob: buf.Bytes(),
		Signature:    []byte{0xde, 0xad},
	})
	assert.Error(t, err)
}
