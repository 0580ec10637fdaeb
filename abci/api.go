package abci

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/bftanchor/anchor-core/btc"
	"github.com/bftanchor/anchor-core/types"
	"github.com/bftanchor/anchor-core/util"
)

// respondJSON makes the response with payload as json format
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if util.LogError(err) != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

func (app *AnchorApplication) HomeHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	fmt.Fprintf(w, "This is the anchoring API. See /address/actual, /transactions, /config")
}

// Metrics exposes the counters for registration at startup.
func (app *AnchorApplication) Metrics() *Metrics {
	return app.metrics
}

// activeConfig is the snapshot active at the last committed height.
func (app *AnchorApplication) activeConfig() (*types.AnchoringConfig, error) {
	cfg, _, err := app.Schema.ConfigByHeight(app.state.Height)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("no anchoring config yet")
	}
	return cfg, nil
}

// AddressActualHandler returns the address currently holding custody: the
// tip's output address when a tip exists, the configured address otherwise.
func (app *AnchorApplication) AddressActualHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := app.activeConfig()
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "no active config"})
		return
	}
	if tip, err := app.Schema.Tip(); err == nil && tip != nil {
		if tipTx, err := btc.DeserializeTx(tip.TxHex); err == nil {
			if found, err := app.configForScript(tipTx.TxOut[btc.FundsOutput].PkScript, app.state.Height); err == nil && found != nil {
				cfg = found
			}
		}
	}
	addr, err := btc.ConfigAddress(cfg)
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "address derivation failed"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"address": addr})
}

// AddressFollowingHandler returns the follower address during a rollover,
// null otherwise.
func (app *AnchorApplication) AddressFollowingHandler(w http.ResponseWriter, r *http.Request) {
	following, err := app.Schema.Following()
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "lookup failed"})
		return
	}
	if following == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"address": nil})
		return
	}
	addr, err := btc.ConfigAddress(&following.Config)
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "address derivation failed"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"address": addr})
}

// TransactionsHandler returns paginated finalized anchoring transactions.
func (app *AnchorApplication) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	count, err := strconv.ParseUint(r.URL.Query().Get("count"), 10, 64)
	if err != nil || count == 0 || count > 100 {
		count = 10
	}
	txs, err := app.Schema.AnchoredTxRange(from, count)
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "lookup failed"})
		return
	}
	total, _ := app.Schema.AnchoredTxCount()
	items := make([]map[string]interface{}, 0, len(txs))
	for i, raw := range txs {
		entry := map[string]interface{}{"seq": from + uint64(i), "tx": raw}
		if tx, err := btc.DeserializeTx(raw); err == nil {
			entry["txid"] = btc.TxID(tx)
			if payload := btc.FindPayload(tx); payload != nil {
				entry["block_height"] = payload.BlockHeight
				entry["block_hash"] = hex.EncodeToString(payload.BlockHash[:])
				entry["transition"] = payload.Kind == btc.PayloadTransition
			}
		}
		items = append(items, entry)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"total": total, "transactions": items})
}

// ConfigHandler returns the active anchoring config.
func (app *AnchorApplication) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := app.activeConfig()
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "no active config"})
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// StatusHandler returns node and anchoring chain status.
func (app *AnchorApplication) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"version":       "0.1.0",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"network":       app.config.BitcoinNetwork,
		"height":        app.state.Height,
		"needs_funding": app.state.NeedsFunding,
	}
	if tip, err := app.Schema.Tip(); err == nil && tip != nil {
		status["tip_seq"] = tip.Seq
		status["tip_txid"] = tip.TxID
	}
	respondJSON(w, http.StatusOK, status)
}

// ---- private API (sync utility) ----

// RequirePrivateAuth wraps private handlers with the session secret check.
func (app *AnchorApplication) RequirePrivateAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if app.config.SessionSecret != "" && r.Header.Get("X-Session-Secret") != app.config.SessionSecret {
			respondJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "bad session secret"})
			return
		}
		next(w, r)
	}
}

// ProposalHandler returns the pending unsigned proposal with per-input
// metadata, or null.
func (app *AnchorApplication) ProposalHandler(w http.ResponseWriter, r *http.Request) {
	prop, err := app.Schema.Proposal()
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "lookup failed"})
		return
	}
	if prop == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": nil})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"proposal": prop})
}

type signInputBody struct {
	InputIndex   uint32 `json:"input_index"`
	SignatureHex string `json:"signature_hex"`
}

// SignInputHandler submits a SignInput host-chain transaction carrying a
// signature ferried in by the sync utility.
func (app *AnchorApplication) SignInputHandler(w http.ResponseWriter, r *http.Request) {
	if app.rpc == nil || app.config.ECPrivateKey == nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "node cannot submit transactions"})
		return
	}
	var body signInputBody
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	if err := d.Decode(&body); app.LogError(err) != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body"})
		return
	}
	if _, err := hex.DecodeString(body.SignatureHex); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "signature_hex is not hex"})
		return
	}
	prop, err := app.Schema.Proposal()
	if app.LogError(err) != nil || prop == nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "no pending proposal"})
		return
	}
	if int(body.InputIndex) >= len(prop.Inputs) {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "input_index out of range"})
		return
	}
	msg := types.SignInputMsg{
		ValidatorIndex: uint16(app.config.ValidatorIndex),
		Proposal:       prop.TxHex,
		InputIndex:     body.InputIndex,
		Signature:      body.SignatureHex,
	}
	data, _ := json.Marshal(msg)
	res, err := app.rpc.BroadcastTx(types.TxTypeSignInput, string(data), 2, time.Now().Unix(),
		strconv.Itoa(app.config.ValidatorIndex), app.config.ECPrivateKey)
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "broadcast failed"})
		return
	}
	if res.Code != 0 {
		respondJSON(w, http.StatusConflict, map[string]interface{}{"error": res.Log})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"hash": res.Hash.String()})
}

// AddFundsHandler submits an AddFunds host-chain transaction for a raw
// funding tx hex sent as a JSON string body.
func (app *AnchorApplication) AddFundsHandler(w http.ResponseWriter, r *http.Request) {
	if app.rpc == nil || app.config.ECPrivateKey == nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "node cannot submit transactions"})
		return
	}
	var rawHex string
	if err := json.NewDecoder(r.Body).Decode(&rawHex); app.LogError(err) != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "body must be a raw tx hex string"})
		return
	}
	if _, err := btc.DeserializeTx(rawHex); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "undecodable transaction"})
		return
	}
	msg := types.AddFundsMsg{RawTx: rawHex}
	data, _ := json.Marshal(msg)
	res, err := app.rpc.BroadcastTx(types.TxTypeAddFunds, string(data), 2, time.Now().Unix(),
		strconv.Itoa(app.config.ValidatorIndex), app.config.ECPrivateKey)
	if app.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "broadcast failed"})
		return
	}
	if res.Code != 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": res.Log})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"hash": res.Hash.String()})
}
