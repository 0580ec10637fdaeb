package relay

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/bftanchor/anchor-core/btc"
	"github.com/bftanchor/anchor-core/schema"
	"github.com/bftanchor/anchor-core/types"
)

type stubClient struct {
	confirmations map[string]int64
	sent          []string
	unavailable   bool
}

func (s *stubClient) GetTransaction(txid string) (*wire.MsgTx, error) {
	return nil, nil
}

func (s *stubClient) SendRawTransaction(tx *wire.MsgTx) (string, error) {
	if s.unavailable {
		return "", types.ErrRpcUnavailable
	}
	txid := btc.TxID(tx)
	s.sent = append(s.sent, txid)
	s.confirmations[txid] = 0
	return txid, nil
}

func (s *stubClient) GetTxConfirmations(txid string) (int64, error) {
	if s.unavailable {
		return -1, types.ErrRpcUnavailable
	}
	confs, ok := s.confirmations[txid]
	if !ok {
		return -1, nil
	}
	return confs, nil
}

func testTip(t *testing.T) (types.TipInfo, *wire.MsgTx) {
	t.Helper()
	tx := wire.NewMsgTx(2)
	var prev wire.OutPoint
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x00, 0x20}))
	return types.TipInfo{Seq: 0, TxID: btc.TxID(tx), TxHex: btc.SerializeTx(tx)}, tx
}

func newTestRelay(t *testing.T) (*Relay, *stubClient, *schema.Schema) {
	t.Helper()
	sch := schema.NewSchema(dbm.NewMemDB(), log.NewNopLogger())
	client := &stubClient{confirmations: map[string]int64{}}
	return NewRelay(sch, client, log.NewNopLogger()), client, sch
}

func TestPollWithoutTipIsNoop(t *testing.T) {
	r, client, _ := newTestRelay(t)
	require.NoError(t, r.Poll())
	require.Empty(t, client.sent)
}

func TestPollBroadcastsUnknownTip(t *testing.T) {
	r, client, sch := newTestRelay(t)
	tip, _ := testTip(t)
	require.NoError(t, sch.SetTip(tip))

	require.NoError(t, r.Poll())
	require.Equal(t, []string{tip.TxID}, client.sent)

	// once the node knows the tx, no rebroadcast
	client.confirmations[tip.TxID] = 1
	require.NoError(t, r.Poll())
	require.Len(t, client.sent, 1)
}

func TestPollToleratesUnavailableRPC(t *testing.T) {
	r, client, sch := newTestRelay(t)
	tip, _ := testTip(t)
	require.NoError(t, sch.SetTip(tip))
	client.unavailable = true

	require.NoError(t, r.Poll(), "unavailability is retried at the next poll, not surfaced")
	require.Empty(t, client.sent)

	client.unavailable = false
	require.NoError(t, r.Poll())
	require.Len(t, client.sent, 1)
}

func TestRetryableErrorClassification(t *testing.T) {
	wrapped := errors.Wrap(types.ErrRpcUnavailable, "dial tcp")
	require.True(t, errors.Is(wrapped, types.ErrRpcUnavailable))
}
