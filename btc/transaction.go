package btc

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/bftanchor/anchor-core/types"
)

// Output indices fixed by the anchoring transaction format.
const (
	FundsOutput = 0
	DataOutput  = 1
)

// TxKind classifies a raw Bitcoin transaction the way the anchoring chain
// sees it.
type TxKind int

const (
	// KindOther is any transaction that is neither an anchoring nor a
	// funding transaction.
	KindOther TxKind = iota
	// KindAnchoring carries an anchoring payload in output 1.
	KindAnchoring
	// KindFunding has at least one funded p2wsh output.
	KindFunding
)

// Classify determines the kind of a transaction. A transaction is an
// anchoring transaction when output 1 parses as an anchoring payload.
func Classify(tx *wire.MsgTx) TxKind {
	if payload := FindPayload(tx); payload != nil {
		return KindAnchoring
	}
	for _, out := range tx.TxOut {
		if out.Value > 0 && txscript.IsPayToWitnessScriptHash(out.PkScript) {
			return KindFunding
		}
	}
	return KindOther
}

// FindPayload extracts the anchoring payload from output 1, or nil.
func FindPayload(tx *wire.MsgTx) *Payload {
	if len(tx.TxOut) <= DataOutput {
		return nil
	}
	payload, err := ParsePayload(tx.TxOut[DataOutput].PkScript)
	if err != nil {
		return nil
	}
	return payload
}

// FindOut returns the first output index paying the given scriptPubKey,
// or -1.
func FindOut(tx *wire.MsgTx, pkScript []byte) int {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return i
		}
	}
	return -1
}

// SerializeTx encodes a transaction, witness included, as hex.
func SerializeTx(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	_ = tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

// SerializeTxNoWitness encodes the witness-free form as hex, which is the
// byte-identical representation every validator must agree on for an
// unsigned proposal.
func SerializeTxNoWitness(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	_ = tx.SerializeNoWitness(&buf)
	return hex.EncodeToString(buf.Bytes())
}

// DeserializeTx decodes a hex transaction.
func DeserializeTx(raw string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	return tx, nil
}

// TxID is the hex txid (hash of the non-witness serialization).
func TxID(tx *wire.MsgTx) string {
	return tx.TxHash().String()
}
