package btc

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/bftanchor/anchor-core/types"
)

// OP_RETURN payload layout:
//
//	magic "EXONUM" | version 0x01 | kind | height u64-LE | block hash 32 |
//	(Transition only) prev redeem script hash 32
var payloadMagic = []byte("EXONUM")

const (
	payloadVersion = 0x01

	// PayloadRegular anchors a host-chain block.
	PayloadRegular = 0x00
	// PayloadTransition additionally commits the redeem script hash of the
	// address custody is moving away from.
	PayloadTransition = 0x01

	payloadRegularLen    = 6 + 1 + 1 + 8 + 32
	payloadTransitionLen = payloadRegularLen + 32
)

// Payload is the data committed into output 1 of every anchoring transaction.
type Payload struct {
	Kind           byte
	BlockHeight    uint64
	BlockHash      [32]byte
	PrevScriptHash [32]byte // set for PayloadTransition only
}

// Bytes serializes the payload in the fixed field order.
func (p *Payload) Bytes() []byte {
	size := payloadRegularLen
	if p.Kind == PayloadTransition {
		size = payloadTransitionLen
	}
	buf := make([]byte, 0, size)
	buf = append(buf, payloadMagic...)
	buf = append(buf, payloadVersion, p.Kind)
	var height [8]byte
	binary.LittleEndian.PutUint64(height[:], p.BlockHeight)
	buf = append(buf, height[:]...)
	buf = append(buf, p.BlockHash[:]...)
	if p.Kind == PayloadTransition {
		buf = append(buf, p.PrevScriptHash[:]...)
	}
	return buf
}

// Script builds the OP_RETURN scriptPubKey carrying the payload.
func (p *Payload) Script() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(p.Bytes()).
		Script()
}

// ParsePayload extracts an anchoring payload from an OP_RETURN scriptPubKey.
// Returns nil when the script is not an anchoring payload at all, including
// a single push with the magic that is shorter than a regular payload, and an
// error when a push of at least that length carries the magic but has a bad
// version, kind or length.
func ParsePayload(script []byte) (*Payload, error) {
	if len(script) == 0 || script[0] != txscript.OP_RETURN {
		return nil, nil
	}
	pushed, err := txscript.PushedData(script)
	if err != nil || len(pushed) != 1 {
		return nil, nil
	}
	data := pushed[0]
	if len(data) < payloadRegularLen || !bytes.Equal(data[0:6], payloadMagic) {
		return nil, nil
	}
	if data[6] != payloadVersion {
		return nil, errors.Wrapf(types.ErrInvalidEncoding, "payload version %#x", data[6])
	}
	p := &Payload{Kind: data[7]}
	switch p.Kind {
	case PayloadRegular:
		if len(data) != payloadRegularLen {
			return nil, errors.Wrapf(types.ErrInvalidEncoding, "regular payload length %d", len(data))
		}
	case PayloadTransition:
		if len(data) != payloadTransitionLen {
			return nil, errors.Wrapf(types.ErrInvalidEncoding, "transition payload length %d", len(data))
		}
	default:
		return nil, errors.Wrapf(types.ErrInvalidEncoding, "payload kind %#x", p.Kind)
	}
	p.BlockHeight = binary.LittleEndian.Uint64(data[8:16])
	copy(p.BlockHash[:], data[16:48])
	if p.Kind == PayloadTransition {
		copy(p.PrevScriptHash[:], data[48:80])
	}
	return p, nil
}
