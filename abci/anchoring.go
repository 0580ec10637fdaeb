package abci

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/bftanchor/anchor-core/btc"
	"github.com/bftanchor/anchor-core/types"
)

// proposalExpiryIntervals bounds how long an unfinalized proposal survives:
// one further trigger interval after its own.
const proposalExpiryIntervals = 2

// anchorBlock runs the deterministic per-block anchoring decision. States:
// Idle (nothing due), Propose (trigger height, build + store proposal),
// Sign (pending proposal, contribute our signature), Rollover (pending
// config change redirects the custody output). Finalize happens inside the
// SignInput handler when the last needed signature arrives.
func (app *AnchorApplication) anchorBlock(height int64) {
	cfg, _, err := app.Schema.ConfigByHeight(height)
	if app.LogError(err) != nil || cfg == nil {
		return
	}

	if prop, err := app.Schema.Proposal(); app.LogError(err) == nil && prop != nil {
		if height-prop.TargetHeight >= proposalExpiryIntervals*cfg.AnchoringInterval {
			app.logger.Info("Abandoning expired proposal", "txid", prop.TxID, "target_height", prop.TargetHeight)
			app.LogError(app.Schema.PruneSignatures(prop.TxID))
			app.LogError(app.Schema.ClearProposal())
		} else {
			go app.submitOwnSignatures(*prop)
			return
		}
	}

	if cfg.AnchoringInterval <= 0 || height%cfg.AnchoringInterval != 0 {
		return
	}

	proposal, err := app.buildProposal(height, cfg)
	if err != nil {
		if errors.Is(err, types.ErrInsufficientFunds) {
			if !app.state.NeedsFunding {
				app.logger.Error("Anchoring paused: insufficient funds", "height", height)
			}
			app.state.NeedsFunding = true
			app.metrics.InsufficientFunds.Inc()
			return
		}
		app.LogError(err)
		return
	}
	app.state.NeedsFunding = false
	if app.LogError(app.Schema.SetProposal(*proposal)) != nil {
		return
	}
	app.metrics.ProposalsBuilt.Inc()
	app.logger.Info("Built anchoring proposal", "txid", proposal.TxID, "height", height, "transition", proposal.Transition)

	go app.submitOwnSignatures(*proposal)
}

// buildProposal assembles the next unsigned anchoring transaction. Given the
// same tip, funding set and config history, every validator produces
// byte-identical output.
func (app *AnchorApplication) buildProposal(height int64, activeCfg *types.AnchoringConfig) (*types.Proposal, error) {
	tip, err := app.Schema.Tip()
	if err != nil {
		return nil, err
	}

	var tipTx *wire.MsgTx
	signingCfg := activeCfg
	if tip != nil {
		tipTx, err = btc.DeserializeTx(tip.TxHex)
		if err != nil {
			return nil, err
		}
		if len(tipTx.TxOut) <= btc.FundsOutput {
			return nil, errors.Wrap(types.ErrChainMismatch, "tip without custody output")
		}
		if found, err := app.configForScript(tipTx.TxOut[btc.FundsOutput].PkScript, height); err != nil {
			return nil, err
		} else if found != nil {
			signingCfg = found
		}
	}

	redeemScript, err := btc.ConfigRedeemScript(signingCfg)
	if err != nil {
		return nil, err
	}
	signingPkScript, err := btc.PkScript(redeemScript)
	if err != nil {
		return nil, err
	}

	// Rollover: once inside the transition margin of a pending config with a
	// different key set, the custody output pays the following address.
	recipientCfg := signingCfg
	transition := false
	if following, err := app.Schema.Following(); err != nil {
		return nil, err
	} else if following != nil && !signingCfg.SameKeys(&following.Config) {
		if height >= following.ActualFrom-signingCfg.TransitionMargin {
			recipientCfg = &following.Config
			transition = true
		}
	}
	recipientRedeem, err := btc.ConfigRedeemScript(recipientCfg)
	if err != nil {
		return nil, err
	}
	recipientScript, err := btc.PkScript(recipientRedeem)
	if err != nil {
		return nil, err
	}

	builder := btc.NewBuilder(signingCfg.TransactionFee)
	if tipTx != nil {
		builder.PrevTip(tipTx, redeemScript)
	}
	if err := app.addFundingInputs(builder, signingCfg, signingPkScript, redeemScript); err != nil {
		return nil, err
	}

	var blockHash [32]byte
	copy(blockHash[:], app.state.LatestBlockHash)
	if transition {
		builder.TransitionPayload(uint64(height), blockHash, btc.RedeemScriptHash(redeemScript))
	} else {
		builder.Payload(uint64(height), blockHash)
	}
	builder.SendTo(recipientScript)

	unsigned, err := builder.Build()
	if err != nil {
		return nil, err
	}

	inputs := make([]types.ProposalInput, 0, len(unsigned.Inputs))
	for i, meta := range unsigned.Inputs {
		digest, err := btc.Sighash(unsigned.Tx, unsigned.Inputs, i)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, types.ProposalInput{
			Value:        meta.Value,
			RedeemScript: hex.EncodeToString(meta.RedeemScript),
			Sighash:      hex.EncodeToString(digest),
		})
	}

	keys := make([]string, 0, len(signingCfg.AnchoringKeys))
	for _, k := range signingCfg.AnchoringKeys {
		keys = append(keys, k.BitcoinKey)
	}

	return &types.Proposal{
		TxHex:        btc.SerializeTxNoWitness(unsigned.Tx),
		TxID:         btc.TxID(unsigned.Tx),
		TargetHeight: height,
		Transition:   transition,
		Inputs:       inputs,
		SigningKeys:  keys,
	}, nil
}

// addFundingInputs feeds every known, unspent funding output paying the
// current anchoring address into the builder: first the config snapshot's
// own funding list, then funding accepted through AddFunds quorum. The
// builder sorts them deterministically.
func (app *AnchorApplication) addFundingInputs(builder *btc.Builder, cfg *types.AnchoringConfig, pkScript, redeemScript []byte) error {
	seen := map[string]bool{}
	accepted, err := app.Schema.FundingTxs()
	if err != nil {
		return err
	}
	for _, raw := range append(append([]string{}, cfg.FundingTxs...), accepted...) {
		tx, err := btc.DeserializeTx(raw)
		if err != nil {
			app.logger.Error("Skipping undecodable funding tx", "err", err)
			continue
		}
		txid := btc.TxID(tx)
		if seen[txid] {
			continue
		}
		seen[txid] = true
		vout := btc.FindOut(tx, pkScript)
		if vout < 0 {
			continue
		}
		if spent, err := app.Schema.IsSpent(txid, uint32(vout)); err != nil {
			return err
		} else if spent {
			continue
		}
		builder.AddFunds(tx, uint32(vout), redeemScript)
	}
	return nil
}

// configForScript finds the config snapshot whose anchoring address owns the
// given scriptPubKey, searching every snapshot in the history newest first,
// including snapshots whose activation lies after height.
func (app *AnchorApplication) configForScript(pkScript []byte, height int64) (*types.AnchoringConfig, error) {
	entries, err := app.Schema.ConfigHistory()
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		redeem, err := btc.ConfigRedeemScript(&entries[i].Config)
		if err != nil {
			continue
		}
		script, err := btc.PkScript(redeem)
		if err != nil {
			continue
		}
		if bytes.Equal(script, pkScript) {
			cfg := entries[i].Config
			return &cfg, nil
		}
	}
	return nil, nil
}

// finalizeProposal assembles the fully signed transaction once quorum is
// reached on every input, appends it to the anchored chain and advances the
// tip. Signatures are destroyed on finalization.
func (app *AnchorApplication) finalizeProposal(prop *types.Proposal) error {
	tx, err := btc.DeserializeTx(prop.TxHex)
	if err != nil {
		return err
	}
	metas := make([]btc.InputMeta, 0, len(prop.Inputs))
	for _, in := range prop.Inputs {
		script, err := hex.DecodeString(in.RedeemScript)
		if err != nil {
			return errors.Wrap(types.ErrInvalidEncoding, err.Error())
		}
		metas = append(metas, btc.InputMeta{Value: in.Value, RedeemScript: script})
	}
	unsigned := &btc.UnsignedTx{Tx: tx, Inputs: metas}

	quorum := len(prop.SigningKeys)*2/3 + 1
	witnessSigs := map[uint32][]btc.ValidatorSig{}
	for i := range prop.Inputs {
		stored, err := app.Schema.Signatures(prop.TxID, uint32(i))
		if err != nil {
			return err
		}
		indices := make([]int, 0, len(stored))
		for v := range stored {
			indices = append(indices, int(v))
		}
		sort.Ints(indices)
		if len(indices) < quorum {
			return errors.Wrapf(types.ErrInvalidSignature, "input %d below quorum", i)
		}
		for _, v := range indices[:quorum] {
			witnessSigs[uint32(i)] = append(witnessSigs[uint32(i)], btc.ValidatorSig{
				ValidatorIndex: uint16(v),
				Signature:      stored[uint16(v)],
			})
		}
	}
	if err := btc.FinalizeWitness(unsigned, witnessSigs); err != nil {
		return err
	}

	fullHex := btc.SerializeTx(unsigned.Tx)
	seq, err := app.Schema.AppendAnchoredTx(fullHex)
	if err != nil {
		return err
	}
	if err := app.Schema.SetTip(types.TipInfo{Seq: seq, TxID: prop.TxID, TxHex: fullHex}); err != nil {
		return err
	}
	for _, in := range unsigned.Tx.TxIn {
		prev := in.PreviousOutPoint
		app.LogError(app.Schema.MarkSpent(prev.Hash.String(), prev.Index))
		app.LogError(app.Schema.RemoveFunding(prev.Hash.String()))
	}
	app.LogError(app.Schema.PruneSignatures(prop.TxID))
	app.LogError(app.Schema.ClearProposal())
	if prop.Transition {
		app.LogError(app.Schema.ClearFollowing())
	}
	app.metrics.AnchorsFinalized.Inc()
	app.logger.Info("ANCHORED", "seq", seq, "txid", prop.TxID, "height", prop.TargetHeight, "transition", prop.Transition)
	return nil
}

// submitOwnSignatures signs every input of the proposal this validator has
// not yet contributed to and submits SignInput host-chain transactions.
// Runs outside the consensus thread; no-op on nodes without keys or RPC.
func (app *AnchorApplication) submitOwnSignatures(prop types.Proposal) {
	if app.rpc == nil || app.btcPriv == nil || app.config.ECPrivateKey == nil {
		return
	}
	idx := app.config.ValidatorIndex
	if idx < 0 || idx >= len(prop.SigningKeys) {
		return
	}
	selfKey := hex.EncodeToString(app.btcPriv.PubKey().SerializeCompressed())
	if prop.SigningKeys[idx] != selfKey {
		app.logger.Error("Own bitcoin key does not match configured validator slot", "index", idx)
		return
	}
	for i := range prop.Inputs {
		stored, err := app.Schema.Signatures(prop.TxID, uint32(i))
		if app.LogError(err) != nil {
			return
		}
		if _, exists := stored[uint16(idx)]; exists {
			continue
		}
		digest, err := hex.DecodeString(prop.Inputs[i].Sighash)
		if app.LogError(err) != nil {
			return
		}
		sig := btc.SignDigest(digest, app.btcPriv)
		msg := types.SignInputMsg{
			ValidatorIndex: uint16(idx),
			Proposal:       prop.TxHex,
			InputIndex:     uint32(i),
			Signature:      hex.EncodeToString(sig),
		}
		data, err := json.Marshal(msg)
		if app.LogError(err) != nil {
			return
		}
		_, err = app.rpc.BroadcastTx(types.TxTypeSignInput, string(data), 2, time.Now().Unix(),
			strconv.Itoa(idx), app.config.ECPrivateKey)
		if app.LogError(err) != nil {
			return
		}
	}
}
