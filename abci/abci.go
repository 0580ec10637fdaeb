package abci

import (
	"encoding/binary"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tendermint/tendermint/abci/example/code"
	types2 "github.com/tendermint/tendermint/abci/types"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/version"
	dbm "github.com/tendermint/tm-db"

	"github.com/bftanchor/anchor-core/btc"
	"github.com/bftanchor/anchor-core/btcrpc"
	"github.com/bftanchor/anchor-core/schema"
	"github.com/bftanchor/anchor-core/types"
	"github.com/bftanchor/anchor-core/util"
)

// variables for protocol version and main db state key
var (
	stateKey                         = []byte("anchorcore")
	ProtocolVersion version.Protocol = 0x1
)

// loadState loads the AnchorState struct from a database instance
func loadState(db dbm.DB) types.AnchorState {
	stateBytes, err := db.Get(stateKey)
	if util.LogError(err) != nil {
		panic(err)
	}
	var state types.AnchorState
	if len(stateBytes) != 0 {
		err := json.Unmarshal(stateBytes, &state)
		if err != nil {
			panic(err)
		}
	}
	return state
}

// saveState saves the AnchorState struct to disk
func saveState(db dbm.DB, state types.AnchorState) {
	stateBytes, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	db.Set(stateKey, stateBytes)
}

//---------------------------------------------------

var _ types2.Application = (*AnchorApplication)(nil)

// AnchorApplication : state machine and config for the anchoring abci app
type AnchorApplication struct {
	types2.BaseApplication
	Db            dbm.DB
	Schema        *schema.Schema
	state         *types.AnchorState
	config        types.AnchorConfig
	logger        log.Logger
	rpc           *RPC
	BtcClient     btcrpc.Client
	btcPriv       *btcec.PrivateKey
	metrics       *Metrics
	deliverHeight int64
}

// NewAnchorApplication is the ABCI app constructor
func NewAnchorApplication(config types.AnchorConfig) *AnchorApplication {
	db, err := dbm.NewDB("anchor", dbm.BackendType(config.DBType), config.HomePath+"/data")
	if err != nil {
		panic(err)
	}
	loaded := loadState(db)
	state := &loaded

	logger := *config.Logger

	var btcPriv *btcec.PrivateKey
	if config.BitcoinKeyWIF != "" {
		params, err := btc.NetworkParams(config.BitcoinNetwork)
		if err != nil {
			panic(err)
		}
		btcPriv, err = btc.ParseWIF(config.BitcoinKeyWIF, params)
		if err != nil {
			panic(err)
		}
	}

	var rpcClient *RPC
	if config.TendermintConfig.TMServer != "" {
		rpcClient = NewRPCClient(config.TendermintConfig, logger)
	}

	var btcClient btcrpc.Client
	if config.BtcRPCHost != "" {
		inner, err := btcrpc.NewBitcoindClient(config.BtcRPCHost, config.BtcRPCUser, config.BtcRPCPass, logger)
		if util.LoggerError(logger, err) == nil {
			btcClient = btcrpc.NewRetryingClient(inner, logger)
		}
	}

	app := AnchorApplication{
		Db:        db,
		Schema:    schema.NewSchema(db, logger),
		state:     state,
		config:    config,
		logger:    logger,
		rpc:       rpcClient,
		BtcClient: btcClient,
		btcPriv:   btcPriv,
		metrics:   NewMetrics(),
	}

	app.logger.Info("Anchoring app starting", "block_height", app.state.Height, "network", config.BitcoinNetwork)

	return &app
}

// InitChain : record the genesis anchoring configuration at height zero
func (app *AnchorApplication) InitChain(req types2.RequestInitChain) types2.ResponseInitChain {
	if len(app.config.Genesis.AnchoringKeys) != 0 {
		if err := app.Schema.AddConfig(0, app.config.Genesis); err != nil {
			app.logger.Error("Init Chain failed to store genesis anchoring config", "err", err)
		}
	}
	return types2.ResponseInitChain{}
}

// Info : Return the state of the current application in JSON
func (app *AnchorApplication) Info(req types2.RequestInfo) (resInfo types2.ResponseInfo) {
	infoJSON, err := json.Marshal(app.state)
	if err != nil {
		app.LogError(err)
		infoJSON = []byte("{}")
	}
	return types2.ResponseInfo{
		Data:             string(infoJSON),
		Version:          version.ABCIVersion,
		AppVersion:       ProtocolVersion.Uint64(),
		LastBlockAppHash: app.state.AppHash,
		LastBlockHeight:  app.state.Height,
	}
}

// DeliverTx : tx is a base64 encoded json envelope
func (app *AnchorApplication) DeliverTx(tx types2.RequestDeliverTx) types2.ResponseDeliverTx {
	return app.updateStateFromTx(tx.Tx)
}

// CheckTx : Pre-gossip validation
func (app *AnchorApplication) CheckTx(rawTx types2.RequestCheckTx) types2.ResponseCheckTx {
	return app.validateTx(rawTx.Tx)
}

// BeginBlock : capture the block hash the state machine will anchor
func (app *AnchorApplication) BeginBlock(req types2.RequestBeginBlock) types2.ResponseBeginBlock {
	app.deliverHeight = req.Header.Height
	app.state.LatestBlockHash = append([]byte{}, req.Hash...)
	return types2.ResponseBeginBlock{}
}

// EndBlock : run the per-block anchoring state machine. Everything here is
// deterministic; host-chain tx submission happens on separate goroutines.
func (app *AnchorApplication) EndBlock(req types2.RequestEndBlock) types2.ResponseEndBlock {
	if app.config.DoAnchor {
		app.anchorBlock(req.Height)
	}
	return types2.ResponseEndBlock{}
}

// Commit is called at the end of every block to finalize and save chain state
func (app *AnchorApplication) Commit() types2.ResponseCommit {
	appHash := make([]byte, 8)
	binary.PutVarint(appHash, app.state.Height)
	app.state.AppHash = appHash
	app.state.Height++
	saveState(app.Db, *app.state)
	return types2.ResponseCommit{Data: appHash}
}

// Query : respond with the current state for debugging purposes
func (app *AnchorApplication) Query(reqQuery types2.RequestQuery) (resQuery types2.ResponseQuery) {
	resQuery.Code = code.CodeTypeOK
	infoJSON, err := json.Marshal(app.state)
	if app.LogError(err) != nil {
		infoJSON = []byte("{}")
	}
	resQuery.Value = infoJSON
	return
}

func (app *AnchorApplication) LogError(err error) error {
	if err != nil {
		app.logger.Error("Error in " + util.GetCurrentFuncName(2) + ": " + err.Error())
	}
	return err
}
