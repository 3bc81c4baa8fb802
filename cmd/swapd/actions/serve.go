package actions

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"gitlab.com/arcanecrypto/swapd/api"
	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/async"
	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/chain/mockchain"
	"gitlab.com/arcanecrypto/swapd/cmd/swapd/flags"
	"gitlab.com/arcanecrypto/swapd/db"
	"gitlab.com/arcanecrypto/swapd/email"
	"gitlab.com/arcanecrypto/swapd/engine"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/store"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// devRegistry is the asset catalog served when running against mock
// chains. Production deployments configure real chains here.
func devRegistry() (*assets.Registry, error) {
	return assets.NewRegistry([]assets.Asset{
		{Code: "ETH", ChainID: "ETH", Native: true, Decimals: 18},
		{Code: "USDC", ChainID: "ETH", Native: false, Decimals: 6},
		{Code: "MATIC", ChainID: "POLYGON", Native: true, Decimals: 18},
	})
}

// mockPlugins creates one mock chain per registry chain, quoting
// prices from the store
func mockPlugins(registry *assets.Registry, quotes chain.QuoteSource) (map[string]chain.Plugin, error) {
	plugins := make(map[string]chain.Plugin)
	for _, chainID := range registry.Chains() {
		native, err := registry.Native(chainID)
		if err != nil {
			return nil, err
		}
		mock := mockchain.New(chainID, native.Code, quotes)
		mock.AutoConfirm = true
		plugins[chainID] = mock
	}
	return plugins, nil
}

// Serve returns the command that boots the broker: database, engine
// tick loop and the JSON-RPC API
func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the OTC swap broker API and deal engine",
		Action: func(c *cli.Context) (err error) {
			if network := c.GlobalString("network"); network != "mock" {
				return fmt.Errorf("unsupported network %q, only mock is available", network)
			}

			database, err := db.Open(flags.ReadDbConf(c))
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := database.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			err = async.Await(rpcAwaitAttempts, rpcAwaitDuration, func() bool {
				return database.Ping() == nil
			}, "couldn't reach postgres")
			if err != nil {
				return err
			}

			if c.BoolT("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}
			// a missing tokens table means the schema never arrived, refuse
			// to serve rather than limp along without authorization
			if err := database.VerifyTokensTable(); err != nil {
				return err
			}

			registry, err := devRegistry()
			if err != nil {
				return err
			}

			s := store.NewPostgres(database)
			plugins, err := mockPlugins(registry, s)
			if err != nil {
				return err
			}

			operators, err := flags.ReadOperatorAddresses(c, os.Environ())
			if err != nil {
				return err
			}
			for _, chainID := range registry.Chains() {
				operator, ok := operators[chainID]
				if !ok {
					return fmt.Errorf("no operator address for chain %s, "+
						"set OPERATOR_ADDRESS_%s", chainID, chainID)
				}
				if !plugins[chainID].ValidateAddress(operator) {
					return fmt.Errorf("operator address %q is not valid on chain %s",
						operator, chainID)
				}
			}

			engineConf := engine.DefaultConfig()
			engineConf.TickInterval = time.Duration(c.Int("tick-interval-ms")) * time.Millisecond
			engineConf.MaxAttempts = c.Int64("max-attempts")
			engineConf.OperatorAddresses = operators
			eng := engine.New(s, registry, plugins, engineConf)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go eng.Start(ctx)

			interrupts := make(chan os.Signal, 1)
			signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-interrupts
				log.Info("Received shutdown signal, stopping engine")
				cancel()
			}()

			var sender email.Sender
			if key := c.String("sendgrid.api-key"); key != "" {
				sender = email.NewSendGridSender(key)
			} else {
				log.Warn("No SendGrid key configured, invitations are logged only")
				sender = &email.MockSender{}
			}

			apiConf := api.Config{
				LogLevel: log.Level,
				BaseURL:  c.String("base-url"),
				DefaultCommission: deals.CommissionReq{
					Kind:       deals.PercentBps,
					PercentBps: c.Int64("commission-bps"),
				},
			}
			a, err := api.NewApp(s, registry, plugins, sender, apiConf)
			if err != nil {
				return err
			}

			log.WithField("version", build.Version()).
				WithField("port", c.Int("port")).Info("Serving swapd")
			return a.Router.Run(fmt.Sprintf(":%d", c.Int("port")))
		},
	}

	serveFlags := []cli.Flag{
		cli.IntFlag{
			Name:   "port",
			EnvVar: "PORT",
			Value:  5000,
			Usage:  "Port number to listen on",
		},
		cli.StringFlag{
			Name:   "base-url",
			EnvVar: "BASE_URL",
			Value:  "http://127.0.0.1:3000",
			Usage:  "Base URL party deal links are generated under",
		},
		cli.IntFlag{
			Name:   "tick-interval-ms",
			EnvVar: "TICK_INTERVAL_MS",
			Value:  5000,
			Usage:  "How often the engine reconciles deals, in milliseconds",
		},
		cli.Int64Flag{
			Name:   "max-attempts",
			EnvVar: "MAX_ATTEMPTS_PER_ITEM",
			Value:  10,
			Usage:  "How often a transfer is retried before failing terminally",
		},
		cli.Int64Flag{
			Name:   "commission-bps",
			EnvVar: "DEFAULT_COMMISSION_BPS",
			Value:  30,
			Usage:  "Default commission in basis points of each side's send amount",
		},
		cli.StringSliceFlag{
			Name:  "operator.address",
			Usage: "Commission address per chain, on the form CHAIN=address",
		},
		cli.StringFlag{
			Name:   "sendgrid.api-key",
			EnvVar: "SENDGRID_API_KEY",
			Usage:  "API key used for sending invitation emails",
		},
		cli.BoolTFlag{
			Name:  "db.migrateup",
			Usage: "Whether to migrate the database up before serving",
		},
	}
	serve.Flags = flags.Concat(serveFlags, flags.Db)
	return serve
}
