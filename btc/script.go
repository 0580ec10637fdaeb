package btc

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/bftanchor/anchor-core/types"
)

// maxMultisigKeys is the largest N accepted for an OP_CHECKMULTISIG redeem
// script.
const maxMultisigKeys = 15

// NetworkParams resolves a network name to chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, errors.Wrapf(types.ErrInvalidEncoding, "unknown network %q", network)
}

// RedeemScript compiles the M-of-N witness script
// OP_M <pk1> ... <pkN> OP_N OP_CHECKMULTISIG from the ordered key list.
func RedeemScript(keys []*btcec.PublicKey, m int) ([]byte, error) {
	n := len(keys)
	if m < 1 || m > n || n > maxMultisigKeys {
		return nil, errors.Wrapf(types.ErrBadThreshold, "m=%d n=%d", m, n)
	}
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(m))
	for _, key := range keys {
		builder.AddData(key.SerializeCompressed())
	}
	builder.AddInt64(int64(n))
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// RedeemScriptHash is the sha256 witness program of a redeem script, also
// used as the prev-address identifier in transition payloads.
func RedeemScriptHash(script []byte) [32]byte {
	return sha256.Sum256(script)
}

// ScriptAddress derives the bech32 P2WSH address of a redeem script.
func ScriptAddress(script []byte, params *chaincfg.Params) (*btcutil.AddressWitnessScriptHash, error) {
	hash := RedeemScriptHash(script)
	return btcutil.NewAddressWitnessScriptHash(hash[:], params)
}

// PkScript returns the scriptPubKey paying to the P2WSH address of the given
// redeem script.
func PkScript(script []byte) ([]byte, error) {
	hash := RedeemScriptHash(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(hash[:])
	return builder.Script()
}

// ConfigRedeemScript compiles the redeem script of an anchoring config from
// its ordered validator key list and quorum size.
func ConfigRedeemScript(cfg *types.AnchoringConfig) ([]byte, error) {
	keys := make([]*btcec.PublicKey, 0, len(cfg.AnchoringKeys))
	for _, entry := range cfg.AnchoringKeys {
		key, err := ParsePubKeyHex(entry.BitcoinKey)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return RedeemScript(keys, cfg.Quorum())
}

// ConfigAddress derives the anchoring address of a config.
func ConfigAddress(cfg *types.AnchoringConfig) (string, error) {
	script, err := ConfigRedeemScript(cfg)
	if err != nil {
		return "", err
	}
	params, err := NetworkParams(cfg.Network)
	if err != nil {
		return "", err
	}
	addr, err := ScriptAddress(script, params)
	if err != nil {
		return "", errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	return addr.EncodeAddress(), nil
}

// ParsePubKeyHex decodes a 33-byte compressed secp256k1 public key.
func ParsePubKeyHex(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	if len(raw) != 33 {
		return nil, errors.Wrapf(types.ErrInvalidEncoding, "pubkey length %d", len(raw))
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	return key, nil
}
