package btc

import (
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/bftanchor/anchor-core/types"
)

// Sighash computes the BIP143 digest for the given input, committing to the
// redeem script and the value being spent.
func Sighash(tx *wire.MsgTx, inputs []InputMeta, idx int) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) || len(inputs) != len(tx.TxIn) {
		return nil, errors.Wrapf(types.ErrInvalidEncoding, "input index %d", idx)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		pkScript, err := PkScript(inputs[i].RedeemScript)
		if err != nil {
			return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(inputs[i].Value, pkScript))
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	digest, err := txscript.CalcWitnessSigHash(
		inputs[idx].RedeemScript, hashes, txscript.SigHashAll, tx, idx, inputs[idx].Value)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	return digest, nil
}

// SignInput produces a low-S DER signature over the input's BIP143 digest
// with the SIGHASH_ALL byte appended.
func SignInput(tx *wire.MsgTx, inputs []InputMeta, idx int, priv *btcec.PrivateKey) ([]byte, error) {
	digest, err := Sighash(tx, inputs, idx)
	if err != nil {
		return nil, err
	}
	sig := ecdsa.Sign(priv, digest)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// SignDigest signs an already computed BIP143 digest, appending the
// SIGHASH_ALL byte.
func SignDigest(digest []byte, priv *btcec.PrivateKey) []byte {
	sig := ecdsa.Sign(priv, digest)
	return append(sig.Serialize(), byte(txscript.SigHashAll))
}

// VerifyInputSig checks a signature produced by SignInput against the
// expected digest and public key. The trailing sighash byte must be
// SIGHASH_ALL.
func VerifyInputSig(digest, sig []byte, pub *btcec.PublicKey) error {
	if len(sig) < 9 {
		return errors.Wrap(types.ErrInvalidSignature, "signature too short")
	}
	if sig[len(sig)-1] != byte(txscript.SigHashAll) {
		return errors.Wrap(types.ErrInvalidSignature, "sighash flag is not SIGHASH_ALL")
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if !parsed.Verify(digest, pub) {
		return types.ErrInvalidSignature
	}
	return nil
}

// ValidatorSig pairs a witness signature with the validator slot that
// produced it.
type ValidatorSig struct {
	ValidatorIndex uint16
	Signature      []byte
}

// FinalizeWitness sets the witness of every input to
// [empty, sig_1 .. sig_M, redeemScript] with signatures in ascending
// validator-index order, producing the broadcastable transaction.
func FinalizeWitness(u *UnsignedTx, sigs map[uint32][]ValidatorSig) error {
	for i := range u.Tx.TxIn {
		inputSigs, ok := sigs[uint32(i)]
		if !ok || len(inputSigs) == 0 {
			return errors.Wrapf(types.ErrInvalidSignature, "no signatures for input %d", i)
		}
		sorted := append([]ValidatorSig{}, inputSigs...)
		sort.Slice(sorted, func(a, b int) bool {
			return sorted[a].ValidatorIndex < sorted[b].ValidatorIndex
		})
		witness := wire.TxWitness{[]byte{}}
		for _, s := range sorted {
			witness = append(witness, s.Signature)
		}
		witness = append(witness, u.Inputs[i].RedeemScript)
		u.Tx.TxIn[i].Witness = witness
	}
	return nil
}

// ParseWIF ingests a private key in wallet-import format for the given
// network.
func ParseWIF(s string, params *chaincfg.Params) (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(s)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	if !wif.IsForNet(params) {
		return nil, errors.Wrap(types.ErrInvalidEncoding, "wif network mismatch")
	}
	return wif.PrivKey, nil
}
