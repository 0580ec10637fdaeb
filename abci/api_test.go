package abci

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bftanchor/anchor-core/btc"
)

func TestAddressActualHandler(t *testing.T) {
	net := newTestNetwork(t, 4, 100_000_000)
	app := declareApp(t, net.genesis)
	advanceTo(app, 1, 2)

	req := httptest.NewRequest("GET", "/address/actual", nil)
	w := httptest.NewRecorder()
	app.AddressActualHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	expected, err := btc.ConfigAddress(&net.genesis)
	require.NoError(t, err)
	require.Equal(t, expected, body["address"])
}

func TestAddressFollowingHandlerNull(t *testing.T) {
	net := newTestNetwork(t, 4, 100_000_000)
	app := declareApp(t, net.genesis)
	advanceTo(app, 1, 2)

	req := httptest.NewRequest("GET", "/address/following", nil)
	w := httptest.NewRecorder()
	app.AddressFollowingHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Nil(t, body["address"])
}

func TestTransactionsHandlerPagination(t *testing.T) {
	net := newTestNetwork(t, 4, 100_000_000)
	app := declareApp(t, net.genesis)
	finalizeFirstAnchor(t, net, app)

	req := httptest.NewRequest("GET", "/transactions?from=0&count=10", nil)
	w := httptest.NewRecorder()
	app.TransactionsHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Total        uint64                   `json:"total"`
		Transactions []map[string]interface{} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.EqualValues(t, 1, body.Total)
	require.Len(t, body.Transactions, 1)
	require.EqualValues(t, testInterval, body.Transactions[0]["block_height"])
	require.Equal(t, false, body.Transactions[0]["transition"])
}

func TestConfigHandler(t *testing.T) {
	net := newTestNetwork(t, 4, 100_000_000)
	app := declareApp(t, net.genesis)
	advanceTo(app, 1, 2)

	req := httptest.NewRequest("GET", "/config", nil)
	w := httptest.NewRecorder()
	app.ConfigHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "regtest", body["network"])
	require.Len(t, body["anchoring_keys"], 4)
}

func TestProposalHandler(t *testing.T) {
	net := newTestNetwork(t, 4, 100_000_000)
	app := declareApp(t, net.genesis)

	req := httptest.NewRequest("GET", "/proposal", nil)
	w := httptest.NewRecorder()
	app.ProposalHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Nil(t, body["proposal"])

	advanceTo(app, 1, testInterval)
	w = httptest.NewRecorder()
	app.ProposalHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var withProp struct {
		Proposal *struct {
			TxID   string `json:"txid"`
			Inputs []struct {
				Value int64 `json:"value"`
			} `json:"inputs"`
		} `json:"proposal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &withProp))
	require.NotNil(t, withProp.Proposal)
	require.Len(t, withProp.Proposal.Inputs, 1)
	require.EqualValues(t, 100_000_000, withProp.Proposal.Inputs[0].Value)
}

func TestPrivateAuthRejectsBadSecret(t *testing.T) {
	net := newTestNetwork(t, 4, 100_000_000)
	app := declareApp(t, net.genesis)
	app.config.SessionSecret = "hunter2"

	handler := app.RequirePrivateAuth(app.ProposalHandler)

	req := httptest.NewRequest("GET", "/proposal", nil)
	w := httptest.NewRecorder()
	handler(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set("X-Session-Secret", "hunter2")
	w = httptest.NewRecorder()
	handler(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStatusHandler(t *testing.T) {
	net := newTestNetwork(t, 4, 100_000_000)
	app := declareApp(t, net.genesis)
	finalizeFirstAnchor(t, net, app)

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	app.StatusHandler(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "regtest", body["network"])
	require.NotNil(t, body["tip_txid"])
}

// SignInputHandler requires a live tendermint RPC; without one it must fail
// loudly instead of pretending to submit.
func TestSignInputHandlerWithoutRPC(t *testing.T) {
	net := newTestNetwork(t, 4, 100_000_000)
	app := declareApp(t, net.genesis)

	req := httptest.NewRequest("POST", "/sign-input", nil)
	w := httptest.NewRecorder()
	app.SignInputHandler(w, req)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}
