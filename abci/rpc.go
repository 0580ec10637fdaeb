package abci

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/tendermint/tendermint/libs/log"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"
	ctypes "github.com/tendermint/tendermint/rpc/core/types"

	"github.com/bftanchor/anchor-core/types"
	"github.com/bftanchor/anchor-core/util"
)

// RPC wraps the tendermint HTTP client used to submit host-chain
// transactions from outside the consensus thread.
type RPC struct {
	client *rpchttp.HTTP
	logger log.Logger
}

// NewRPCClient : params are a tendermint config and a logger
func NewRPCClient(tmConfig types.TendermintConfig, logger log.Logger) *RPC {
	client, err := rpchttp.New(fmt.Sprintf("http://%s:%s", tmConfig.TMServer, tmConfig.TMPort), "/websocket")
	if util.LoggerError(logger, err) != nil {
		return nil
	}
	return &RPC{
		client: client,
		logger: logger,
	}
}

// BroadcastTx signs an envelope with the node's service key and submits it
// to the mempool.
func (rpc *RPC) BroadcastTx(txType string, data string, version int64, timestamp int64, coreID string, key *ecdsa.PrivateKey) (*ctypes.ResultBroadcastTx, error) {
	tx := types.Tx{TxType: txType, Data: data, Version: version, Time: timestamp, CoreID: coreID}
	encoded := util.EncodeTxWithKey(tx, key)
	result, err := rpc.client.BroadcastTxSync(context.Background(), []byte(encoded))
	if util.LoggerError(rpc.logger, err) != nil {
		return nil, err
	}
	if result.Code != 0 {
		rpc.logger.Info("BroadcastTx rejected", "type", txType, "code", result.Code, "log", result.Log)
	}
	return result, nil
}

// GetStatus returns the node's sync status.
func (rpc *RPC) GetStatus() (*ctypes.ResultStatus, error) {
	return rpc.client.Status(context.Background())
}
