package btc

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/bftanchor/anchor-core/types"
)

type multisigFixture struct {
	privs  []*btcec.PrivateKey
	script []byte
	pk     []byte
}

func newMultisigFixture(t *testing.T, n, m int) *multisigFixture {
	t.Helper()
	privs := make([]*btcec.PrivateKey, 0, n)
	pubs := make([]*btcec.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		privs = append(privs, priv)
		pubs = append(pubs, priv.PubKey())
	}
	script, err := RedeemScript(pubs, m)
	require.NoError(t, err)
	pk, err := PkScript(script)
	require.NoError(t, err)
	return &multisigFixture{privs: privs, script: script, pk: pk}
}

// fundingTx pays the given value to the fixture's address on output 0 plus a
// decoy change output.
func (f *multisigFixture) fundingTx(value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	var prev wire.OutPoint
	prev.Index = 0
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, f.pk))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	return tx
}

func (f *multisigFixture) build(t *testing.T, funding *wire.MsgTx, feeRate int64) (*UnsignedTx, error) {
	t.Helper()
	return NewBuilder(feeRate).
		AddFunds(funding, 0, f.script).
		Payload(0, testBlockHash(0x01)).
		SendTo(f.pk).
		Build()
}

func TestBuilderDeterminism(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	funding := f.fundingTx(100_000_000)

	a, err := f.build(t, funding, 10)
	require.NoError(t, err)
	b, err := f.build(t, funding, 10)
	require.NoError(t, err)

	require.Equal(t, SerializeTxNoWitness(a.Tx), SerializeTxNoWitness(b.Tx))
	require.Equal(t, TxID(a.Tx), TxID(b.Tx))

	sigA, err := Sighash(a.Tx, a.Inputs, 0)
	require.NoError(t, err)
	sigB, err := Sighash(b.Tx, b.Inputs, 0)
	require.NoError(t, err)
	require.Equal(t, sigA, sigB)
}

func TestBuilderFeeInvariant(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	funding := f.fundingTx(100_000_000)

	u, err := f.build(t, funding, 10)
	require.NoError(t, err)

	require.Len(t, u.Tx.TxOut, 2)
	require.Equal(t, int64(0), u.Tx.TxOut[DataOutput].Value)

	vsize := EstimateVsize(u.Tx, u.Inputs)
	require.Equal(t, 100_000_000-vsize*10, u.Tx.TxOut[FundsOutput].Value)
	require.EqualValues(t, 2, u.Tx.Version)
	require.EqualValues(t, 0, u.Tx.LockTime)
	for _, in := range u.Tx.TxIn {
		require.Equal(t, uint32(wire.MaxTxInSequenceNum), in.Sequence)
	}
}

func TestBuilderFundingOrder(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	tip := f.fundingTx(50_000_000)
	fundA := f.fundingTx(10_000_000)
	fundB := f.fundingTx(20_000_000)

	build := func(first, second *wire.MsgTx) *UnsignedTx {
		u, err := NewBuilder(10).
			PrevTip(tip, f.script).
			AddFunds(first, 0, f.script).
			AddFunds(second, 0, f.script).
			Payload(0, testBlockHash(0x01)).
			SendTo(f.pk).
			Build()
		require.NoError(t, err)
		return u
	}

	a := build(fundA, fundB)
	b := build(fundB, fundA)
	require.Equal(t, SerializeTxNoWitness(a.Tx), SerializeTxNoWitness(b.Tx))

	// input 0 always spends the tip
	require.Equal(t, tip.TxHash(), a.Tx.TxIn[0].PreviousOutPoint.Hash)
	require.Len(t, a.Tx.TxIn, 3)
}

func TestBuilderInsufficientFunds(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	funding := f.fundingTx(500)
	_, err := f.build(t, funding, 10)
	require.True(t, errors.Is(err, types.ErrInsufficientFunds))

	// a lower fee rate does not help: 500 sats is below the dust threshold
	// before any fee is taken
	u, err := f.build(t, funding, 1)
	require.Nil(t, u)
	require.True(t, errors.Is(err, types.ErrInsufficientFunds))
}

func TestBuilderNoInputs(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	_, err := NewBuilder(10).
		Payload(0, testBlockHash(0x01)).
		SendTo(f.pk).
		Build()
	require.True(t, errors.Is(err, types.ErrInsufficientFunds))
}

func TestSignAndVerifyInput(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	funding := f.fundingTx(100_000_000)
	u, err := f.build(t, funding, 10)
	require.NoError(t, err)

	sig, err := SignInput(u.Tx, u.Inputs, 0, f.privs[0])
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(sig), 9)
	require.Equal(t, byte(0x01), sig[len(sig)-1])

	digest, err := Sighash(u.Tx, u.Inputs, 0)
	require.NoError(t, err)
	require.NoError(t, VerifyInputSig(digest, sig, f.privs[0].PubKey()))

	// wrong key
	err = VerifyInputSig(digest, sig, f.privs[1].PubKey())
	require.True(t, errors.Is(err, types.ErrInvalidSignature))

	// wrong message
	otherDigest := append([]byte{}, digest...)
	otherDigest[0] ^= 0xFF
	err = VerifyInputSig(otherDigest, sig, f.privs[0].PubKey())
	require.True(t, errors.Is(err, types.ErrInvalidSignature))

	// missing sighash flag
	err = VerifyInputSig(digest, sig[:len(sig)-1], f.privs[0].PubKey())
	require.True(t, errors.Is(err, types.ErrInvalidSignature))
}

func TestFinalizeWitnessOrder(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	funding := f.fundingTx(100_000_000)
	u, err := f.build(t, funding, 10)
	require.NoError(t, err)

	sigs := map[uint32][]ValidatorSig{}
	// insert out of order: 3, 0, 2
	for _, idx := range []int{3, 0, 2} {
		sig, err := SignInput(u.Tx, u.Inputs, 0, f.privs[idx])
		require.NoError(t, err)
		sigs[0] = append(sigs[0], ValidatorSig{ValidatorIndex: uint16(idx), Signature: sig})
	}
	require.NoError(t, FinalizeWitness(u, sigs))

	witness := u.Tx.TxIn[0].Witness
	require.Len(t, witness, 5) // empty + 3 sigs + redeem script
	require.Empty(t, witness[0])
	require.Equal(t, f.script, witness[len(witness)-1])

	// signatures land in ascending validator index order
	digest, err := Sighash(u.Tx, u.Inputs, 0)
	require.NoError(t, err)
	require.NoError(t, VerifyInputSig(digest, witness[1], f.privs[0].PubKey()))
	require.NoError(t, VerifyInputSig(digest, witness[2], f.privs[2].PubKey()))
	require.NoError(t, VerifyInputSig(digest, witness[3], f.privs[3].PubKey()))

	// witness serialization round-trips and keeps the same txid
	unsignedID := TxID(u.Tx)
	decoded, err := DeserializeTx(SerializeTx(u.Tx))
	require.NoError(t, err)
	require.Equal(t, unsignedID, TxID(decoded))
}

func TestClassify(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	funding := f.fundingTx(100_000_000)
	require.Equal(t, KindFunding, Classify(funding))

	u, err := f.build(t, funding, 10)
	require.NoError(t, err)
	require.Equal(t, KindAnchoring, Classify(u.Tx))

	plain := wire.NewMsgTx(2)
	var prev wire.OutPoint
	plain.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	plain.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	require.Equal(t, KindOther, Classify(plain))
}

func TestFindOut(t *testing.T) {
	f := newMultisigFixture(t, 4, 3)
	funding := f.fundingTx(5000)
	require.Equal(t, 0, FindOut(funding, f.pk))
	require.Equal(t, -1, FindOut(funding, []byte{0x6a}))
}
