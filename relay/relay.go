package relay

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/bftanchor/anchor-core/btc"
	"github.com/bftanchor/anchor-core/btcrpc"
	"github.com/bftanchor/anchor-core/schema"
	"github.com/bftanchor/anchor-core/types"
)

// DefaultPollInterval is how often the relay inspects the anchoring chain.
const DefaultPollInterval = 30 * time.Second

// Relay is the sync utility: a single cooperative loop that broadcasts
// finalized anchoring transactions to Bitcoin and mirrors confirmation
// state back into logs. It never touches consensus state.
type Relay struct {
	Schema        *schema.Schema
	Client        btcrpc.Client
	Logger        log.Logger
	PollInterval  time.Duration
	Confirmations int64

	lastBroadcast string
}

func NewRelay(sch *schema.Schema, client btcrpc.Client, logger log.Logger) *Relay {
	return &Relay{
		Schema:        sch,
		Client:        client,
		Logger:        logger,
		PollInterval:  DefaultPollInterval,
		Confirmations: 6,
	}
}

// Run polls until the quit channel closes.
func (r *Relay) Run(quit chan struct{}) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if err := r.Poll(); err != nil {
				r.Logger.Error("Relay poll failed", "err", err)
			}
		}
	}
}

// Poll pushes the latest finalized transaction to Bitcoin when the node does
// not know it yet, and reports its confirmation count when it does.
// Transition transactions are resent until they confirm so a rollover cannot
// stall on a dropped broadcast.
func (r *Relay) Poll() error {
	tip, err := r.Schema.Tip()
	if err != nil {
		return err
	}
	if tip == nil {
		return nil
	}
	confs, err := r.Client.GetTxConfirmations(tip.TxID)
	if err != nil {
		if errors.Is(err, types.ErrRpcUnavailable) {
			r.Logger.Error("Bitcoin node unreachable, retrying next poll", "txid", tip.TxID)
			return nil
		}
		return err
	}
	if confs < 0 {
		return r.broadcast(tip)
	}
	if confs < r.Confirmations {
		r.Logger.Info("Anchoring tx confirming", "txid", tip.TxID, "confirmations", confs)
		if tx, err := btc.DeserializeTx(tip.TxHex); err == nil && confs == 0 {
			if payload := btc.FindPayload(tx); payload != nil && payload.Kind == btc.PayloadTransition {
				return r.broadcast(tip)
			}
		}
		return nil
	}
	if r.lastBroadcast == tip.TxID {
		r.Logger.Info("Anchoring tx confirmed", "txid", tip.TxID, "confirmations", confs)
		r.lastBroadcast = ""
	}
	return nil
}

func (r *Relay) broadcast(tip *types.TipInfo) error {
	tx, err := btc.DeserializeTx(tip.TxHex)
	if err != nil {
		return err
	}
	txid, err := r.Client.SendRawTransaction(tx)
	if err != nil {
		if errors.Is(err, types.ErrRpcUnavailable) {
			r.Logger.Error("Broadcast failed, retrying next poll", "txid", tip.TxID)
			return nil
		}
		return err
	}
	r.lastBroadcast = txid
	r.Logger.Info("Broadcast anchoring tx", "txid", txid, "seq", tip.Seq)
	return nil
}
