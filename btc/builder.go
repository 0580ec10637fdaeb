package btc

import (
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/bftanchor/anchor-core/types"
)

// Dust threshold for the custody output, in satoshis.
const DustThreshold = 546

// Worst-case DER signature plus the appended sighash byte.
const maxSigLen = 72

// InputMeta carries what is needed to compute the BIP143 digest of one
// input: the value being spent and the redeem script of the holding address.
type InputMeta struct {
	Value        int64
	RedeemScript []byte
}

// UnsignedTx is a deterministic unsigned anchoring transaction plus its
// per-input signing metadata.
type UnsignedTx struct {
	Tx     *wire.MsgTx
	Inputs []InputMeta
}

type builderInput struct {
	outPoint wire.OutPoint
	meta     InputMeta
	funding  bool
}

// Builder assembles the next unsigned anchoring transaction. Given the same
// inputs it produces byte-identical transactions on every validator: inputs
// are ordered previous-tip-first then funding outputs ascending by
// (txid, vout), and nothing in the serialization depends on time or
// randomness.
type Builder struct {
	feeRate   int64
	inputs    []builderInput
	recipient []byte // scriptPubKey of output 0
	payload   *Payload
	err       error
}

// NewBuilder starts a builder with the given fee rate in satoshis per
// virtual byte.
func NewBuilder(feeRate int64) *Builder {
	return &Builder{feeRate: feeRate}
}

// PrevTip spends output 0 of the previous anchoring transaction. Must be
// called at most once and always produces input 0.
func (b *Builder) PrevTip(tip *wire.MsgTx, redeemScript []byte) *Builder {
	if len(tip.TxOut) <= FundsOutput {
		b.err = errors.Wrap(types.ErrInvalidEncoding, "tip without custody output")
		return b
	}
	in := builderInput{
		outPoint: wire.OutPoint{Hash: tip.TxHash(), Index: FundsOutput},
		meta: InputMeta{
			Value:        tip.TxOut[FundsOutput].Value,
			RedeemScript: redeemScript,
		},
	}
	b.inputs = append([]builderInput{in}, b.inputs...)
	return b
}

// AddFunds absorbs a funding output paying the current anchoring address.
func (b *Builder) AddFunds(funding *wire.MsgTx, vout uint32, redeemScript []byte) *Builder {
	if int(vout) >= len(funding.TxOut) {
		b.err = errors.Wrapf(types.ErrInvalidEncoding, "funding vout %d out of range", vout)
		return b
	}
	b.inputs = append(b.inputs, builderInput{
		outPoint: wire.OutPoint{Hash: funding.TxHash(), Index: vout},
		meta: InputMeta{
			Value:        funding.TxOut[vout].Value,
			RedeemScript: redeemScript,
		},
		funding: true,
	})
	return b
}

// SendTo sets the scriptPubKey of the custody output.
func (b *Builder) SendTo(pkScript []byte) *Builder {
	b.recipient = pkScript
	return b
}

// Payload sets a regular anchoring payload.
func (b *Builder) Payload(height uint64, blockHash [32]byte) *Builder {
	b.payload = &Payload{Kind: PayloadRegular, BlockHeight: height, BlockHash: blockHash}
	return b
}

// TransitionPayload sets a rollover payload committing the redeem script
// hash of the previous address.
func (b *Builder) TransitionPayload(height uint64, blockHash [32]byte, prevScriptHash [32]byte) *Builder {
	b.payload = &Payload{
		Kind:           PayloadTransition,
		BlockHeight:    height,
		BlockHash:      blockHash,
		PrevScriptHash: prevScriptHash,
	}
	return b
}

// Build assembles the unsigned transaction. The fee is computed on the
// witness-virtual-size estimate assuming a full M-of-N witness on every
// input; ErrInsufficientFunds is returned when the custody output would not
// exceed the dust threshold.
func (b *Builder) Build() (*UnsignedTx, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.inputs) == 0 {
		return nil, errors.Wrap(types.ErrInsufficientFunds, "no spendable inputs")
	}
	if b.recipient == nil || b.payload == nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, "builder missing recipient or payload")
	}

	// Input 0 stays first; funding inputs follow in (txid, vout) order.
	var head, rest []builderInput
	if !b.inputs[0].funding {
		head, rest = b.inputs[:1], b.inputs[1:]
	} else {
		rest = b.inputs
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].outPoint.Hash != rest[j].outPoint.Hash {
			return rest[i].outPoint.Hash.String() < rest[j].outPoint.Hash.String()
		}
		return rest[i].outPoint.Index < rest[j].outPoint.Index
	})
	ordered := append(append([]builderInput{}, head...), rest...)

	tx := wire.NewMsgTx(2)
	var inputSum int64
	metas := make([]InputMeta, 0, len(ordered))
	for _, in := range ordered {
		op := in.outPoint
		txIn := wire.NewTxIn(&op, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(txIn)
		inputSum += in.meta.Value
		metas = append(metas, in.meta)
	}

	payloadScript, err := b.payload.Script()
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	tx.AddTxOut(wire.NewTxOut(0, b.recipient))
	tx.AddTxOut(wire.NewTxOut(0, payloadScript))

	vsize := EstimateVsize(tx, metas)
	fee := vsize * b.feeRate
	outValue := inputSum - fee
	if outValue <= DustThreshold {
		return nil, errors.Wrapf(types.ErrInsufficientFunds,
			"inputs %d, fee %d (vsize %d)", inputSum, fee, vsize)
	}
	tx.TxOut[FundsOutput].Value = outValue

	return &UnsignedTx{Tx: tx, Inputs: metas}, nil
}

// EstimateVsize computes the witness-virtual-size of the transaction under
// the assumption that every input is spent with a full M-of-N multisig
// witness of worst-case signature length. M is read back from the first
// opcode of each redeem script.
func EstimateVsize(tx *wire.MsgTx, inputs []InputMeta) int64 {
	base := int64(tx.SerializeSizeStripped())
	witness := int64(2) // segwit marker and flag
	for _, in := range inputs {
		m := scriptQuorum(in.RedeemScript)
		items := int64(1) // leading empty element for CHECKMULTISIG
		itemsSize := int64(1)
		for i := 0; i < m; i++ {
			items++
			itemsSize += 1 + maxSigLen
		}
		items++
		itemsSize += int64(wire.VarIntSerializeSize(uint64(len(in.RedeemScript)))) +
			int64(len(in.RedeemScript))
		witness += int64(wire.VarIntSerializeSize(uint64(items))) + itemsSize
	}
	total := base + witness
	return (base*3 + total + 3) / 4
}

func scriptQuorum(redeemScript []byte) int {
	if len(redeemScript) == 0 {
		return 1
	}
	op := redeemScript[0]
	if op >= txscript.OP_1 && op <= txscript.OP_16 {
		return int(op-txscript.OP_1) + 1
	}
	return 1
}
