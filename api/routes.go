// Package api is the JSON-RPC surface of the broker. A single POST
// /rpc endpoint dispatches the otc.* and admin.* methods, GET /health
// answers liveness probes.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/swapd/assets"
	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/build/swaplog"
	"gitlab.com/arcanecrypto/swapd/chain"
	"gitlab.com/arcanecrypto/swapd/email"
	"gitlab.com/arcanecrypto/swapd/models/deals"
	"gitlab.com/arcanecrypto/swapd/store"
)

var log = build.AddSubLogger("APIS")

var errMissingParams = errors.New("missing params")

// Config is the configuration for our API
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// BaseURL is prepended to the party links returned by createDeal
	BaseURL string
	// DefaultCommission applies to both sides when createDeal does not
	// override it
	DefaultCommission deals.CommissionReq
}

// RestServer carries the router plus everything the RPC methods need
type RestServer struct {
	Router      *gin.Engine
	store       store.Store
	registry    *assets.Registry
	plugins     map[string]chain.Plugin
	EmailSender email.Sender
	conf        Config
}

func getCorsConfig() cors.Config {
	return cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer"},
	}
}

// getGinEngine creates a new Gin engine with recovery, logging and
// CORS applied
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(swaplog.GinLoggingMiddleWare(log))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig()))

	return engine
}

// NewApp creates the RPC server. Plugins are keyed by chain ID and
// must cover every chain the registry knows, a deal on an uncovered
// chain could never collect or pay out.
func NewApp(s store.Store, registry *assets.Registry, plugins map[string]chain.Plugin,
	sender email.Sender, config Config) (RestServer, error) {

	build.SetLogLevels(config.LogLevel)

	if config.BaseURL == "" {
		return RestServer{}, errors.New("config.BaseURL is not set")
	}
	for _, chainID := range registry.Chains() {
		if _, ok := plugins[chainID]; !ok {
			return RestServer{}, errors.Errorf("no plugin for registered chain %s", chainID)
		}
	}

	r := RestServer{
		Router:      getGinEngine(config),
		store:       s,
		registry:    registry,
		plugins:     plugins,
		EmailSender: sender,
		conf:        config,
	}

	r.Router.POST("/rpc", r.rpc())
	r.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": build.Version(),
		})
	})

	return r, nil
}
