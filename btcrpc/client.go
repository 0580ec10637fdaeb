package btcrpc

import (
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/bftanchor/anchor-core/types"
)

// Client is the narrow Bitcoin RPC surface the anchoring service needs.
// It is only ever called from external actors (the relay and the advisory
// funding check), never from the deterministic consensus path.
type Client interface {
	// GetTransaction fetches a transaction by txid; (nil, nil) when the
	// node does not know it.
	GetTransaction(txid string) (*wire.MsgTx, error)
	// SendRawTransaction broadcasts a transaction and returns its txid.
	SendRawTransaction(tx *wire.MsgTx) (string, error)
	// GetTxConfirmations returns the confirmation count of a transaction,
	// -1 when unknown.
	GetTxConfirmations(txid string) (int64, error)
}

// BitcoindClient talks to a bitcoind-compatible node over JSON-RPC.
type BitcoindClient struct {
	rpc    *rpcclient.Client
	Logger log.Logger
}

// NewBitcoindClient connects to the given JSON-RPC endpoint in HTTP POST
// mode.
func NewBitcoindClient(host, user, pass string, logger log.Logger) (*BitcoindClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, errors.Wrap(types.ErrRpcUnavailable, err.Error())
	}
	return &BitcoindClient{rpc: client, Logger: logger}, nil
}

func (c *BitcoindClient) GetTransaction(txid string) (*wire.MsgTx, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	tx, err := c.rpc.GetRawTransaction(hash)
	if err != nil {
		if isNoTxInfo(err) {
			return nil, nil
		}
		return nil, errors.Wrap(types.ErrRpcUnavailable, err.Error())
	}
	return tx.MsgTx(), nil
}

func (c *BitcoindClient) SendRawTransaction(tx *wire.MsgTx) (string, error) {
	hash, err := c.rpc.SendRawTransaction(tx, false)
	if err != nil {
		return "", errors.Wrap(types.ErrRpcUnavailable, err.Error())
	}
	return hash.String(), nil
}

func (c *BitcoindClient) GetTxConfirmations(txid string) (int64, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return -1, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	res, err := c.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		if isNoTxInfo(err) {
			return -1, nil
		}
		return -1, errors.Wrap(types.ErrRpcUnavailable, err.Error())
	}
	return int64(res.Confirmations), nil
}

func isNoTxInfo(err error) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo
}

// RetryingClient wraps a Client with capped exponential backoff. Exhaustion
// surfaces ErrRpcUnavailable; callers log and retry at the next poll.
type RetryingClient struct {
	Inner   Client
	Logger  log.Logger
	Timeout time.Duration
}

func NewRetryingClient(inner Client, logger log.Logger) *RetryingClient {
	return &RetryingClient{Inner: inner, Logger: logger, Timeout: 30 * time.Second}
}

func (c *RetryingClient) policy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = c.Timeout
	return policy
}

func (c *RetryingClient) GetTransaction(txid string) (*wire.MsgTx, error) {
	var tx *wire.MsgTx
	err := backoff.Retry(func() error {
		var err error
		tx, err = c.Inner.GetTransaction(txid)
		return retryable(err)
	}, c.policy())
	return tx, err
}

func (c *RetryingClient) SendRawTransaction(tx *wire.MsgTx) (string, error) {
	var txid string
	err := backoff.Retry(func() error {
		var err error
		txid, err = c.Inner.SendRawTransaction(tx)
		return retryable(err)
	}, c.policy())
	return txid, err
}

func (c *RetryingClient) GetTxConfirmations(txid string) (int64, error) {
	var confs int64
	err := backoff.Retry(func() error {
		var err error
		confs, err = c.Inner.GetTxConfirmations(txid)
		return retryable(err)
	}, c.policy())
	return confs, err
}

// retryable keeps backing off on RPC unavailability and gives up
// immediately on anything else.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrRpcUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}
