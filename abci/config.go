package abci

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knq/pemutil"
	"github.com/spf13/viper"
	cfg "github.com/tendermint/tendermint/config"
	tmflags "github.com/tendermint/tendermint/libs/cli/flags"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/privval"
	types2 "github.com/tendermint/tendermint/types"
	tmtime "github.com/tendermint/tendermint/types/time"

	"github.com/bftanchor/anchor-core/types"
	"github.com/bftanchor/anchor-core/util"
)

// InitConfig assembles the node configuration from the config file, env
// variables and the key material under the home directory.
func InitConfig(home string) types.AnchorConfig {
	v := viper.New()
	v.SetConfigName("anchor")
	v.AddConfigPath(home)
	v.SetEnvPrefix("ANCHOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("network", "testnet")
	v.SetDefault("api_port", "8080")
	v.SetDefault("private_port", "8081")
	v.SetDefault("db_type", "goleveldb")
	v.SetDefault("anchor", true)
	v.SetDefault("relay", true)
	v.SetDefault("validator_index", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("tendermint_host", "127.0.0.1")
	v.SetDefault("tendermint_port", "26657")
	v.SetDefault("peers", "")
	v.SetDefault("log_filter", "main:debug,state:info,*:error")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	network := v.GetString("network")

	allowLevel, _ := log.AllowLevel(strings.ToLower(v.GetString("log_level")))
	tmLogger := log.NewFilter(log.NewTMLogger(log.NewSyncWriter(os.Stdout)), allowLevel)

	secretKeyPath := v.GetString("secret_key_path")
	if secretKeyPath == "" {
		secretKeyPath = home + "/data/keys/ecdsa_key.pem"
	}
	store, err := pemutil.LoadFile(secretKeyPath)
	if err != nil {
		util.LogError(err)
	}
	ecPrivKey, ok := store.ECPrivateKey()
	if !ok {
		util.LogError(errors.New("ecdsa service key load failed"))
	}

	wif := v.GetString("bitcoin_key_wif")
	if wif == "" {
		if lines, err := util.ReadLines(home + "/data/keys/bitcoin.wif"); err == nil && len(lines) > 0 {
			wif = strings.TrimSpace(lines[0])
		}
	}

	genesis, err := loadGenesisAnchoring(home + "/config/anchoring.json")
	if util.LogError(err) != nil {
		genesis = types.AnchoringConfig{Network: network}
	}

	tmConfig, err := initTendermintConfig(home, network, v.GetString("peers"), v.GetString("log_filter"))
	if util.LogError(err) != nil {
		panic(err)
	}
	tmConfig.TMServer = v.GetString("tendermint_host")
	tmConfig.TMPort = v.GetString("tendermint_port")

	return types.AnchorConfig{
		HomePath:         home,
		APIPort:          v.GetString("api_port"),
		PrivatePort:      v.GetString("private_port"),
		SessionSecret:    v.GetString("session_secret"),
		DBType:           v.GetString("db_type"),
		BitcoinNetwork:   network,
		Genesis:          genesis,
		ValidatorIndex:   v.GetInt("validator_index"),
		BitcoinKeyWIF:    wif,
		ECPrivateKey:     ecPrivKey,
		BtcRPCHost:       v.GetString("btc_rpc_host"),
		BtcRPCUser:       v.GetString("btc_rpc_user"),
		BtcRPCPass:       v.GetString("btc_rpc_pass"),
		DoAnchor:         v.GetBool("anchor"),
		DoRelay:          v.GetBool("relay"),
		TendermintConfig: tmConfig,
		Logger:           &tmLogger,
	}
}

// loadGenesisAnchoring reads the anchoring config produced by the finalize
// subcommand.
func loadGenesisAnchoring(path string) (types.AnchoringConfig, error) {
	var anchoring types.AnchoringConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return anchoring, err
	}
	if err := json.Unmarshal(raw, &anchoring); err != nil {
		return anchoring, err
	}
	return anchoring, nil
}

// initTendermintConfig imports tendermint config.toml and initializes the
// embedded node's keys and genesis file.
func initTendermintConfig(home string, network string, tendermintPeers string, tendermintLogFilter string) (types.TendermintConfig, error) {
	var TMConfig types.TendermintConfig

	tmHome := home + "/tendermint"
	defaultConfig := cfg.DefaultConfig()
	defaultConfig.SetRoot(tmHome)
	defaultConfig.Consensus.TimeoutCommit = 5 * time.Second
	defaultConfig.RPC.ListenAddress = "tcp://0.0.0.0:26657"
	defaultConfig.P2P.ListenAddress = "tcp://0.0.0.0:26656"
	if tendermintPeers != "" {
		defaultConfig.P2P.PersistentPeers = tendermintPeers
	}
	cfg.EnsureRoot(defaultConfig.RootDir)

	tmlogger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if defaultConfig.LogFormat == cfg.LogFormatJSON {
		tmlogger = log.NewTMJSONLogger(log.NewSyncWriter(os.Stdout))
	}
	logger, err := tmflags.ParseLogLevel(tendermintLogFilter, tmlogger, "main:info,state:info,*:error")
	if err != nil {
		return TMConfig, err
	}
	logger = logger.With("module", "main")
	TMConfig.Logger = logger

	newPrivValKey := defaultConfig.PrivValidatorKeyFile()
	newPrivValState := defaultConfig.PrivValidatorStateFile()
	if !tmos.FileExists(newPrivValState) {
		filePV := privval.GenFilePV(newPrivValKey, newPrivValState)
		filePV.LastSignState.Save()
	}
	TMConfig.FilePV = *privval.LoadOrGenFilePV(newPrivValKey, newPrivValState)

	nodeKey, err := p2p.LoadOrGenNodeKey(defaultConfig.NodeKeyFile())
	if err != nil {
		return TMConfig, err
	}
	TMConfig.NodeKey = nodeKey

	genFile := defaultConfig.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
	} else {
		genDoc := types2.GenesisDoc{
			ChainID:         fmt.Sprintf(network+"-anchor-%d", time.Now().Second()),
			GenesisTime:     tmtime.Now(),
			ConsensusParams: types2.DefaultConsensusParams(),
		}
		key, _ := TMConfig.FilePV.GetPubKey()
		genDoc.Validators = []types2.GenesisValidator{{
			Address: key.Address(),
			PubKey:  key,
			Power:   10,
		}}
		if err := genDoc.SaveAs(genFile); err != nil {
			return TMConfig, err
		}
		logger.Info("Generated genesis file", "path", genFile)
	}
	TMConfig.Config = defaultConfig

	return TMConfig, nil
}
