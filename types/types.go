package types

import (
	"crypto/ecdsa"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/privval"
)

// ValidatorKey pairs the Bitcoin key used in the multisig redeem script with
// the host-chain service key of the same validator. Order inside
// AnchoringConfig.AnchoringKeys matters: it fixes the redeem script and thus
// the anchoring address.
type ValidatorKey struct {
	BitcoinKey string `json:"bitcoin_key"` // 33-byte compressed pubkey, hex
	ServiceKey string `json:"service_key"` // uncompressed P-256 pubkey, hex
}

// AnchoringConfig is a snapshot of the anchoring parameters. A snapshot is
// valid from its activation height until replaced by a later entry in the
// config history.
type AnchoringConfig struct {
	Network           string         `json:"network"` // mainnet | testnet | regtest
	AnchoringKeys     []ValidatorKey `json:"anchoring_keys"`
	AnchoringInterval int64          `json:"anchoring_interval"` // host blocks between anchors
	TransactionFee    int64          `json:"transaction_fee"`    // satoshis per vbyte
	UtxoConfirmations int64          `json:"utxo_confirmations"`
	TransitionMargin  int64          `json:"transition_margin"` // blocks before activation to start rollover
	FundingTxs        []string       `json:"funding_txs"`       // raw funding transactions, hex
}

// Quorum returns the number of signatures needed to spend the anchoring
// output: floor(2N/3)+1.
func (c *AnchoringConfig) Quorum() int {
	return len(c.AnchoringKeys)*2/3 + 1
}

// SameKeys reports whether the ordered anchoring key sets of both configs are
// identical, which means they derive the same anchoring address.
func (c *AnchoringConfig) SameKeys(other *AnchoringConfig) bool {
	if len(c.AnchoringKeys) != len(other.AnchoringKeys) {
		return false
	}
	for i, k := range c.AnchoringKeys {
		if k.BitcoinKey != other.AnchoringKeys[i].BitcoinKey {
			return false
		}
	}
	return true
}

// Tx is the host-chain transaction envelope. Data carries a JSON message
// determined by TxType, Sig is the submitter's ECDSA signature over the
// envelope with Sig itself blanked.
type Tx struct {
	TxType  string `json:"type"`
	Data    string `json:"data"`
	Version int64  `json:"version"`
	Time    int64  `json:"time"`
	CoreID  string `json:"core_id"` // decimal validator index
	Sig     string `json:"sig"`
}

// Host-chain transaction types understood by the anchoring application.
const (
	TxTypeSignInput    = "SIGN"
	TxTypeAddFunds     = "FUND"
	TxTypeConfigUpdate = "CFG"
)

// SignInputMsg carries one witness signature for one input of the pending
// anchoring proposal.
type SignInputMsg struct {
	ValidatorIndex uint16 `json:"validator_index"`
	Proposal       string `json:"proposal"` // unsigned anchoring tx, hex
	InputIndex     uint32 `json:"input_index"`
	Signature      string `json:"signature"` // DER + sighash byte, hex
}

// AddFundsMsg records a funding transaction paying the current anchoring
// address. It takes effect once a quorum of validators submit the same raw
// transaction.
type AddFundsMsg struct {
	RawTx string `json:"raw_tx"` // hex
}

// ConfigUpdateMsg proposes a new anchoring config activating at a future
// height. Takes effect once a quorum of validators submit identical updates.
type ConfigUpdateMsg struct {
	ActualFrom int64           `json:"actual_from"`
	Config     AnchoringConfig `json:"config"`
}

// ProposalInput describes what is needed to sign and verify one input of a
// proposal: the value being spent and the redeem script of the address that
// holds it.
type ProposalInput struct {
	Value        int64  `json:"value"`
	RedeemScript string `json:"redeem_script"` // hex
	Sighash      string `json:"sighash"`       // BIP143 digest, hex
}

// Proposal is the pending unsigned anchoring transaction together with the
// per-input metadata required for signing. SigningKeys snapshots the ordered
// bitcoin keys of the config that owns the inputs, so signature checks stay
// stable even if the active config changes before finalization.
type Proposal struct {
	TxHex        string          `json:"tx"`
	TxID         string          `json:"txid"`
	TargetHeight int64           `json:"target_height"`
	Transition   bool            `json:"transition"`
	Inputs       []ProposalInput `json:"inputs"`
	SigningKeys  []string        `json:"signing_keys"`
}

// TipInfo identifies the latest finalized anchoring transaction.
type TipInfo struct {
	Seq   uint64 `json:"seq"`
	TxID  string `json:"txid"`
	TxHex string `json:"tx"`
}

// AnchorState is the mutable application state persisted at every Commit.
type AnchorState struct {
	Height          int64  `json:"height"`
	AppHash         []byte `json:"app_hash"`
	LatestBlockHash []byte `json:"latest_block_hash"`
	ChainSynced     bool   `json:"chain_synced"`
	NeedsFunding    bool   `json:"needs_funding"`
	ID              string `json:"id"`
	TxInt           int64  `json:"tx_int"`
}

// AnchorConfig is the node-local configuration assembled at startup. It is
// not consensus state; the consensus-visible parameters live in
// AnchoringConfig snapshots inside the config history.
type AnchorConfig struct {
	HomePath      string
	APIPort       string
	PrivatePort   string
	SessionSecret string
	DBType        string

	BitcoinNetwork string
	Genesis        AnchoringConfig

	// This node's slot in the anchoring key list, and its keys.
	ValidatorIndex  int
	BitcoinKeyWIF   string
	ECPrivateKey    *ecdsa.PrivateKey
	ServiceKeysPath string

	// Bitcoin RPC endpoint used by the advisory checks and the relay only.
	BtcRPCHost string
	BtcRPCUser string
	BtcRPCPass string

	DoAnchor bool
	DoRelay  bool

	TendermintConfig TendermintConfig
	Logger           *log.Logger
}

// TendermintConfig carries everything needed to boot the embedded tendermint
// node plus its RPC endpoint.
type TendermintConfig struct {
	TMServer string
	TMPort   string
	Config   *cfg.Config
	Logger   log.Logger
	FilePV   privval.FilePV
	NodeKey  *p2p.NodeKey
}
