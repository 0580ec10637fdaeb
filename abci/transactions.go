package abci

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/abci/example/code"
	types2 "github.com/tendermint/tendermint/abci/types"

	"github.com/bftanchor/anchor-core/btc"
	"github.com/bftanchor/anchor-core/types"
	"github.com/bftanchor/anchor-core/util"
)

// validateTx : pre-gossip validation. Advisory checks live here; nothing in
// CheckTx mutates consensus state, so the off-chain Bitcoin RPC lookup for
// AddFunds is allowed.
func (app *AnchorApplication) validateTx(rawTx []byte) types2.ResponseCheckTx {
	tx, err := util.DecodeTx(rawTx)
	if app.LogError(err) != nil {
		return types2.ResponseCheckTx{Code: code.CodeTypeEncodingError, GasWanted: 1}
	}
	switch tx.TxType {
	case types.TxTypeSignInput:
		var msg types.SignInputMsg
		if err := json.Unmarshal([]byte(tx.Data), &msg); app.LogError(err) != nil {
			return types2.ResponseCheckTx{Code: code.CodeTypeEncodingError, GasWanted: 1}
		}
		if prop, err := app.Schema.Proposal(); err == nil && prop != nil && msg.Proposal != prop.TxHex {
			app.logger.Info("Rejecting SignInput for unknown proposal")
			return types2.ResponseCheckTx{Code: code.CodeTypeUnauthorized, GasWanted: 1}
		}
	case types.TxTypeAddFunds:
		var msg types.AddFundsMsg
		if err := json.Unmarshal([]byte(tx.Data), &msg); app.LogError(err) != nil {
			return types2.ResponseCheckTx{Code: code.CodeTypeEncodingError, GasWanted: 1}
		}
		fundingTx, err := btc.DeserializeTx(msg.RawTx)
		if app.LogError(err) != nil {
			return types2.ResponseCheckTx{Code: code.CodeTypeEncodingError, GasWanted: 1}
		}
		if err := app.checkFundingAdvisory(fundingTx); err != nil {
			app.logger.Info("AddFunds failed advisory check", "err", err)
			return types2.ResponseCheckTx{Code: code.CodeTypeUnauthorized, GasWanted: 1}
		}
	case types.TxTypeConfigUpdate:
		var msg types.ConfigUpdateMsg
		if err := json.Unmarshal([]byte(tx.Data), &msg); app.LogError(err) != nil {
			return types2.ResponseCheckTx{Code: code.CodeTypeEncodingError, GasWanted: 1}
		}
		if err := app.validateConfigUpdate(&msg); err != nil {
			return types2.ResponseCheckTx{Code: code.CodeTypeUnauthorized, GasWanted: 1, Log: err.Error()}
		}
	}
	return types2.ResponseCheckTx{Code: code.CodeTypeOK, GasWanted: 1}
}

// checkFundingAdvisory verifies, via the local Bitcoin node, that a funding
// transaction pays the current anchoring address and has enough
// confirmations. Off-chain only; a node without RPC accepts blindly.
func (app *AnchorApplication) checkFundingAdvisory(fundingTx *wire.MsgTx) error {
	if app.BtcClient == nil {
		return nil
	}
	cfg, _, err := app.Schema.ConfigByHeight(app.state.Height)
	if err != nil || cfg == nil {
		return errors.Wrap(types.ErrInvalidEncoding, "no active anchoring config")
	}
	redeem, err := btc.ConfigRedeemScript(cfg)
	if err != nil {
		return err
	}
	pkScript, err := btc.PkScript(redeem)
	if err != nil {
		return err
	}
	if btc.FindOut(fundingTx, pkScript) < 0 {
		return errors.Wrap(types.ErrInvalidEncoding, "funding tx does not pay the anchoring address")
	}
	confs, err := app.BtcClient.GetTxConfirmations(btc.TxID(fundingTx))
	if err != nil {
		return err
	}
	if confs < cfg.UtxoConfirmations {
		return errors.Errorf("funding tx has %d of %d confirmations", confs, cfg.UtxoConfirmations)
	}
	return nil
}

// updateStateFromTx : updates state based on type of transaction received.
// Used by DeliverTx; every path is deterministic.
func (app *AnchorApplication) updateStateFromTx(rawTx []byte) types2.ResponseDeliverTx {
	tx, err := util.DecodeTxAndVerifySig(rawTx, app.serviceKeyForIndex)
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	validator, err := strconv.Atoi(tx.CoreID)
	if err != nil || validator < 0 {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	app.state.TxInt++

	var resp types2.ResponseDeliverTx
	switch tx.TxType {
	case types.TxTypeSignInput:
		resp = app.handleSignInput(uint16(validator), tx)
	case types.TxTypeAddFunds:
		resp = app.handleAddFunds(uint16(validator), tx)
	case types.TxTypeConfigUpdate:
		resp = app.handleConfigUpdate(uint16(validator), tx)
	default:
		resp = types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: "unknown tx type"}
	}
	resp.Events = append(resp.Events, types2.Event{
		Type: tx.TxType,
		Attributes: []types2.EventAttribute{
			{Key: []byte("TxInt"), Value: util.Int64ToByte(app.state.TxInt)},
		},
	})
	return resp
}

// serviceKeyForIndex resolves the envelope signing key of a validator index
// under the config active at the block being delivered.
func (app *AnchorApplication) serviceKeyForIndex(coreID string) (string, error) {
	idx, err := strconv.Atoi(coreID)
	if err != nil || idx < 0 {
		return "", errors.Wrap(types.ErrInvalidEncoding, "bad validator index")
	}
	cfg, _, err := app.Schema.ConfigByHeight(app.deliverHeight)
	if err != nil || cfg == nil {
		return "", errors.Wrap(types.ErrInvalidEncoding, "no active anchoring config")
	}
	if idx >= len(cfg.AnchoringKeys) {
		return "", errors.Wrap(types.ErrInvalidEncoding, "validator index out of range")
	}
	return cfg.AnchoringKeys[idx].ServiceKey, nil
}

// handleSignInput stores one witness signature and finalizes the proposal
// when the last needed signature arrives.
func (app *AnchorApplication) handleSignInput(validator uint16, tx types.Tx) types2.ResponseDeliverTx {
	var msg types.SignInputMsg
	if err := json.Unmarshal([]byte(tx.Data), &msg); app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError}
	}
	if msg.ValidatorIndex != validator {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: "validator index mismatch"}
	}
	prop, err := app.Schema.Proposal()
	if app.LogError(err) != nil || prop == nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: "no pending proposal"}
	}
	if msg.Proposal != prop.TxHex {
		// A proposal that does not spend the stored tip is fatal for the
		// submitter, not for us.
		app.logger.Error("SignInput carries a conflicting proposal", "txid", prop.TxID)
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: types.ErrChainMismatch.Error()}
	}
	if int(msg.InputIndex) >= len(prop.Inputs) {
		return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError, Log: "input index out of range"}
	}
	if int(validator) >= len(prop.SigningKeys) {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: "validator not in signing set"}
	}

	// A signature from a slot whose key changed between proposal and now is
	// stale: the proposal will be rebuilt under the new config.
	activeCfg, _, err := app.Schema.ConfigByHeight(app.deliverHeight)
	if app.LogError(err) != nil || activeCfg == nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	if int(validator) >= len(activeCfg.AnchoringKeys) ||
		activeCfg.AnchoringKeys[validator].BitcoinKey != prop.SigningKeys[validator] {
		app.logger.Info("Rejecting stale signer", "validator", validator)
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: types.ErrStaleSigner.Error()}
	}

	sig, err := hex.DecodeString(msg.Signature)
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError}
	}
	digest, err := hex.DecodeString(prop.Inputs[msg.InputIndex].Sighash)
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError}
	}
	pub, err := btc.ParsePubKeyHex(prop.SigningKeys[validator])
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	if err := btc.VerifyInputSig(digest, sig, pub); err != nil {
		app.metrics.RejectedSignatures.Inc()
		app.logger.Info("Rejecting invalid signature", "validator", validator, "input", msg.InputIndex)
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: types.ErrInvalidSignature.Error()}
	}

	added, err := app.Schema.AddSignature(prop.TxID, msg.InputIndex, validator, sig)
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	if !added {
		// Idempotent no-op.
		return types2.ResponseDeliverTx{Code: code.CodeTypeOK, Log: types.ErrDuplicateSignature.Error()}
	}

	quorum := len(prop.SigningKeys)*2/3 + 1
	for i := range prop.Inputs {
		sigs, err := app.Schema.Signatures(prop.TxID, uint32(i))
		if app.LogError(err) != nil || len(sigs) < quorum {
			return types2.ResponseDeliverTx{Code: code.CodeTypeOK}
		}
	}
	if app.LogError(app.finalizeProposal(prop)) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeOK, Log: "finalization failed"}
	}
	return types2.ResponseDeliverTx{Code: code.CodeTypeOK, Log: "anchored"}
}

// handleAddFunds counts quorum votes for a funding transaction and promotes
// it into the spendable set once enough identical submissions arrive.
func (app *AnchorApplication) handleAddFunds(validator uint16, tx types.Tx) types2.ResponseDeliverTx {
	var msg types.AddFundsMsg
	if err := json.Unmarshal([]byte(tx.Data), &msg); app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError}
	}
	fundingTx, err := btc.DeserializeTx(msg.RawTx)
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError, Log: types.ErrInvalidEncoding.Error()}
	}
	cfg, _, err := app.Schema.ConfigByHeight(app.deliverHeight)
	if app.LogError(err) != nil || cfg == nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	if int(validator) >= len(cfg.AnchoringKeys) {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	txid := btc.TxID(fundingTx)
	votes, err := app.Schema.AddFundingVote(txid, validator, msg.RawTx)
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	if votes >= cfg.Quorum() {
		if app.LogError(app.Schema.AcceptFunding(txid, msg.RawTx)) == nil {
			app.state.NeedsFunding = false
			app.logger.Info("Funding accepted", "txid", txid, "votes", votes)
		}
	}
	return types2.ResponseDeliverTx{Code: code.CodeTypeOK}
}

// handleConfigUpdate counts quorum votes for a config change and appends it
// to the config history once accepted.
func (app *AnchorApplication) handleConfigUpdate(validator uint16, tx types.Tx) types2.ResponseDeliverTx {
	var msg types.ConfigUpdateMsg
	if err := json.Unmarshal([]byte(tx.Data), &msg); app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeEncodingError}
	}
	if err := app.validateConfigUpdate(&msg); err != nil {
		app.logger.Info("Rejecting config update", "err", err)
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized, Log: err.Error()}
	}
	cfg, _, err := app.Schema.ConfigByHeight(app.deliverHeight)
	if app.LogError(err) != nil || cfg == nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	if int(validator) >= len(cfg.AnchoringKeys) {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	sum := sha256.Sum256([]byte(tx.Data))
	digest := hex.EncodeToString(sum[:])
	votes, err := app.Schema.AddConfigVote(digest, validator)
	if app.LogError(err) != nil {
		return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
	}
	if votes >= cfg.Quorum() {
		if app.LogError(app.Schema.AddConfig(msg.ActualFrom, msg.Config)) != nil {
			return types2.ResponseDeliverTx{Code: code.CodeTypeUnauthorized}
		}
		if !cfg.SameKeys(&msg.Config) {
			app.LogError(app.Schema.SetFollowing(msg))
			app.logger.Info("Rollover scheduled", "actual_from", msg.ActualFrom)
		}
		app.LogError(app.Schema.ClearConfigVotes(digest))
	}
	return types2.ResponseDeliverTx{Code: code.CodeTypeOK}
}

// validateConfigUpdate enforces structural rules and immutable fields on a
// proposed config snapshot.
func (app *AnchorApplication) validateConfigUpdate(msg *types.ConfigUpdateMsg) error {
	cfg, _, err := app.Schema.ConfigByHeight(app.deliverHeight)
	if err != nil || cfg == nil {
		return errors.Wrap(types.ErrInvalidEncoding, "no active anchoring config")
	}
	if msg.Config.Network != cfg.Network {
		return types.ErrConfigImmutableField
	}
	if msg.ActualFrom <= app.deliverHeight {
		return errors.Wrap(types.ErrInvalidEncoding, "activation height not in the future")
	}
	if len(msg.Config.AnchoringKeys) < 1 {
		return errors.Wrap(types.ErrInvalidEncoding, "empty anchoring key list")
	}
	if msg.Config.AnchoringInterval <= 0 || msg.Config.TransactionFee <= 0 {
		return errors.Wrap(types.ErrInvalidEncoding, "interval and fee must be positive")
	}
	for _, k := range msg.Config.AnchoringKeys {
		if _, err := btc.ParsePubKeyHex(k.BitcoinKey); err != nil {
			return err
		}
	}
	return nil
}
