package main

import (
	"crypto/elliptic"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/common-nighthawk/go-figure"
	"github.com/gorilla/mux"
	"github.com/knq/pemutil"
	"github.com/manifoldco/promptui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-password/password"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/node"
	"github.com/tendermint/tendermint/proxy"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
	"github.com/urfave/cli/v2"

	"github.com/bftanchor/anchor-core/abci"
	"github.com/bftanchor/anchor-core/btc"
	"github.com/bftanchor/anchor-core/btcrpc"
	"github.com/bftanchor/anchor-core/relay"
	"github.com/bftanchor/anchor-core/schema"
	"github.com/bftanchor/anchor-core/types"
	"github.com/bftanchor/anchor-core/util"
)

const (
	exitOK = iota
	exitUsage
	exitIO
	exitBadConfig
)

func main() {
	app := &cli.App{
		Name:  "anchor-core",
		Usage: "Bitcoin anchoring service for a BFT host chain",
		Commands: []*cli.Command{
			generateTemplateCommand(),
			generateConfigCommand(),
			finalizeCommand(),
			runCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
}

// template is the shared part of the anchoring config, distributed to every
// validator before their keys exist.
func generateTemplateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate-template",
		Usage: "write a shared anchoring config template",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "network", Value: "testnet", Usage: "bitcoin network"},
			&cli.Int64Flag{Name: "anchoring-interval", Value: 1000, Usage: "host blocks between anchors"},
			&cli.Int64Flag{Name: "transaction-fee", Value: 10, Usage: "satoshis per vbyte"},
			&cli.Int64Flag{Name: "utxo-confirmations", Value: 6, Usage: "confirmations required on funding"},
			&cli.Int64Flag{Name: "transition-margin", Value: 6, Usage: "blocks before activation to start rollover"},
			&cli.StringFlag{Name: "output", Value: "anchoring-template.json", Usage: "output path"},
		},
		Action: func(c *cli.Context) error {
			template := types.AnchoringConfig{
				Network:           c.String("network"),
				AnchoringInterval: c.Int64("anchoring-interval"),
				TransactionFee:    c.Int64("transaction-fee"),
				UtxoConfirmations: c.Int64("utxo-confirmations"),
				TransitionMargin:  c.Int64("transition-margin"),
			}
			if _, err := btc.NetworkParams(template.Network); err != nil {
				return cli.Exit("unknown network "+template.Network, exitBadConfig)
			}
			if template.AnchoringInterval <= 0 || template.TransactionFee <= 0 {
				return cli.Exit("interval and fee must be positive", exitBadConfig)
			}
			raw, _ := json.MarshalIndent(template, "", "  ")
			if err := os.WriteFile(c.String("output"), raw, 0644); err != nil {
				return cli.Exit(err.Error(), exitIO)
			}
			fmt.Printf("Template written to %s\n", c.String("output"))
			return nil
		},
	}
}

// generate-config creates this node's key material and local config file.
func generateConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate-config",
		Usage: "generate node keys and local configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", Value: defaultHome(), Usage: "node home directory"},
			&cli.StringFlag{Name: "network", Usage: "bitcoin network (prompted when missing)"},
			&cli.IntFlag{Name: "validator-index", Value: 0, Usage: "this node's slot in the anchoring key list"},
		},
		Action: func(c *cli.Context) error {
			home := c.String("home")
			if err := os.MkdirAll(home+"/data/keys", os.ModePerm); err != nil {
				return cli.Exit(err.Error(), exitIO)
			}

			network := c.String("network")
			if network == "" {
				prompt := promptui.Select{
					Label: "Select Bitcoin Network Type",
					Items: []string{"mainnet", "testnet", "regtest"},
				}
				var err error
				_, network, err = prompt.Run()
				if err != nil {
					return cli.Exit(err.Error(), exitUsage)
				}
			}
			params, err := btc.NetworkParams(network)
			if err != nil {
				return cli.Exit("unknown network "+network, exitBadConfig)
			}

			// Service key for signing host-chain envelopes.
			pemPath := home + "/data/keys/ecdsa_key.pem"
			if _, err := os.Stat(pemPath); os.IsNotExist(err) {
				st, err := pemutil.GenerateECKeySet(elliptic.P256())
				if err != nil {
					return cli.Exit(err.Error(), exitIO)
				}
				if err := st.WriteFile(pemPath); err != nil {
					return cli.Exit(err.Error(), exitIO)
				}
			}
			store, err := pemutil.LoadFile(pemPath)
			if err != nil {
				return cli.Exit(err.Error(), exitIO)
			}
			ecKey, ok := store.ECPrivateKey()
			if !ok {
				return cli.Exit("service key load failed", exitIO)
			}

			// Bitcoin key for the multisig slot.
			wifPath := home + "/data/keys/bitcoin.wif"
			if _, err := os.Stat(wifPath); os.IsNotExist(err) {
				priv, err := btcec.NewPrivateKey()
				if err != nil {
					return cli.Exit(err.Error(), exitIO)
				}
				wif, err := btcutil.NewWIF(priv, params, true)
				if err != nil {
					return cli.Exit(err.Error(), exitIO)
				}
				if err := os.WriteFile(wifPath, []byte(wif.String()+"\n"), 0600); err != nil {
					return cli.Exit(err.Error(), exitIO)
				}
			}
			lines, err := util.ReadLines(wifPath)
			if err != nil || len(lines) == 0 {
				return cli.Exit("bitcoin key load failed", exitIO)
			}
			priv, err := btc.ParseWIF(strings.TrimSpace(lines[0]), params)
			if err != nil {
				return cli.Exit(err.Error(), exitBadConfig)
			}

			secret, err := password.Generate(32, 10, 0, false, false)
			if err != nil {
				return cli.Exit(err.Error(), exitIO)
			}
			configLines := []string{
				"network=" + network,
				fmt.Sprintf("validator_index=%d", c.Int("validator-index")),
				"session_secret=" + secret,
			}
			if err := os.WriteFile(home+"/anchor.properties",
				[]byte(strings.Join(configLines, "\n")+"\n"), 0600); err != nil {
				return cli.Exit(err.Error(), exitIO)
			}

			entry := types.ValidatorKey{
				BitcoinKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
				ServiceKey: util.ServiceKeyHex(&ecKey.PublicKey),
			}
			raw, _ := json.MarshalIndent(entry, "", "  ")
			if err := os.WriteFile(home+"/validator-key.json", raw, 0644); err != nil {
				return cli.Exit(err.Error(), exitIO)
			}
			fmt.Printf("Node keys written under %s\n", home)
			fmt.Printf("Share validator-key.json with the finalize step:\n%s\n", string(raw))
			return nil
		},
	}
}

// finalize merges the template with every validator's public keys into the
// genesis anchoring config.
func finalizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "finalize",
		Usage: "assemble the final anchoring config from the template and validator keys",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "template", Required: true, Usage: "path to anchoring-template.json"},
			&cli.StringSliceFlag{Name: "validator-key", Required: true, Usage: "path to a validator-key.json (ordered, repeatable)"},
			&cli.StringSliceFlag{Name: "funding-tx", Usage: "raw funding tx hex (repeatable)"},
			&cli.StringFlag{Name: "output", Value: "anchoring.json", Usage: "output path"},
		},
		Action: func(c *cli.Context) error {
			raw, err := os.ReadFile(c.String("template"))
			if err != nil {
				return cli.Exit(err.Error(), exitIO)
			}
			var anchoring types.AnchoringConfig
			if err := json.Unmarshal(raw, &anchoring); err != nil {
				return cli.Exit(err.Error(), exitBadConfig)
			}
			for _, path := range c.StringSlice("validator-key") {
				raw, err := os.ReadFile(path)
				if err != nil {
					return cli.Exit(err.Error(), exitIO)
				}
				var entry types.ValidatorKey
				if err := json.Unmarshal(raw, &entry); err != nil {
					return cli.Exit(err.Error(), exitBadConfig)
				}
				if _, err := btc.ParsePubKeyHex(entry.BitcoinKey); err != nil {
					return cli.Exit("bad bitcoin key in "+path, exitBadConfig)
				}
				anchoring.AnchoringKeys = append(anchoring.AnchoringKeys, entry)
			}
			for _, rawTx := range c.StringSlice("funding-tx") {
				if _, err := btc.DeserializeTx(rawTx); err != nil {
					return cli.Exit("undecodable funding tx", exitBadConfig)
				}
				anchoring.FundingTxs = append(anchoring.FundingTxs, rawTx)
			}
			addr, err := btc.ConfigAddress(&anchoring)
			if err != nil {
				return cli.Exit(err.Error(), exitBadConfig)
			}
			out, _ := json.MarshalIndent(anchoring, "", "  ")
			if err := os.WriteFile(c.String("output"), out, 0644); err != nil {
				return cli.Exit(err.Error(), exitIO)
			}
			fmt.Printf("Anchoring config written to %s\n", c.String("output"))
			fmt.Printf("Anchoring address: %s (quorum %d of %d)\n", addr, anchoring.Quorum(), len(anchoring.AnchoringKeys))
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the anchoring node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", Value: defaultHome(), Usage: "node home directory"},
		},
		Action: func(c *cli.Context) error {
			figure.NewColorFigure("Anchor Core", "colossal", "red", false).Print()
			return runNode(c.String("home"))
		},
	}
}

func defaultHome() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return ".anchor-core"
	}
	return homedir + "/.anchor-core"
}

func runNode(home string) error {
	config := abci.InitConfig(home)
	logger := config.TendermintConfig.Logger

	app := abci.NewAnchorApplication(config)
	app.Metrics().Register(prometheus.DefaultRegisterer)

	appProxy := proxy.NewLocalClientCreator(app)
	n, err := node.NewNode(config.TendermintConfig.Config,
		&config.TendermintConfig.FilePV,
		config.TendermintConfig.NodeKey,
		appProxy,
		node.DefaultGenesisDocProviderFunc(config.TendermintConfig.Config),
		node.DefaultDBProvider,
		node.DefaultMetricsProvider(config.TendermintConfig.Config.Instrumentation),
		logger,
	)
	if err != nil {
		return cli.Exit(err.Error(), exitBadConfig)
	}

	quit := make(chan struct{})
	tmos.TrapSignal(logger, func() {
		if n.IsRunning() {
			close(quit)
			logger.Info("Shutting down anchor-core...")
			n.Stop()
		}
	})

	if err := n.Start(); err != nil {
		return cli.Exit(err.Error(), exitBadConfig)
	}
	logger.Info("Started node", "nodeInfo", n.Switch().NodeInfo())

	// Relay broadcasts finalized anchors to Bitcoin.
	if config.DoRelay && config.BtcRPCHost != "" {
		inner, err := btcrpc.NewBitcoindClient(config.BtcRPCHost, config.BtcRPCUser, config.BtcRPCPass, logger)
		if util.LoggerError(logger, err) == nil {
			client := btcrpc.NewRetryingClient(inner, logger)
			go relay.NewRelay(schema.NewSchema(app.Db, logger), client, logger).Run(quit)
		}
	}

	time.Sleep(5 * time.Second) // prevent API from blocking tendermint init

	go servePrivateAPI(app, config, logger)
	return servePublicAPI(app, config, logger)
}

func servePublicAPI(app *abci.AnchorApplication, config types.AnchorConfig, logger log.Logger) error {
	store, err := memstore.New(65536)
	if err != nil {
		return cli.Exit(err.Error(), exitIO)
	}
	quota := throttled.RateQuota{MaxRate: throttled.PerSec(15), MaxBurst: 50}
	limiter, err := throttled.NewGCRARateLimiter(store, quota)
	if err != nil {
		return cli.Exit(err.Error(), exitIO)
	}
	rateLimiter := throttled.HTTPRateLimiter{
		RateLimiter: limiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}

	r := mux.NewRouter()
	r.Handle("/", rateLimiter.RateLimit(http.HandlerFunc(app.HomeHandler)))
	r.Handle("/address/actual", rateLimiter.RateLimit(http.HandlerFunc(app.AddressActualHandler)))
	r.Handle("/address/following", rateLimiter.RateLimit(http.HandlerFunc(app.AddressFollowingHandler)))
	r.Handle("/transactions", rateLimiter.RateLimit(http.HandlerFunc(app.TransactionsHandler)))
	r.Handle("/config", rateLimiter.RateLimit(http.HandlerFunc(app.ConfigHandler)))
	r.Handle("/status", rateLimiter.RateLimit(http.HandlerFunc(app.StatusHandler)))
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Handler:      r,
		Addr:         ":" + config.APIPort,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	util.LoggerError(logger, server.ListenAndServe())
	return nil
}

func servePrivateAPI(app *abci.AnchorApplication, config types.AnchorConfig, logger log.Logger) {
	r := mux.NewRouter()
	r.HandleFunc("/proposal", app.RequirePrivateAuth(app.ProposalHandler)).Methods("GET")
	r.HandleFunc("/sign-input", app.RequirePrivateAuth(app.SignInputHandler)).Methods("POST")
	r.HandleFunc("/add-funds", app.RequirePrivateAuth(app.AddFundsHandler)).Methods("POST")

	server := &http.Server{
		Handler:      r,
		Addr:         "127.0.0.1:" + config.PrivatePort,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	util.LoggerError(logger, server.ListenAndServe())
}
