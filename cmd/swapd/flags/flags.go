// Package flags provides functionality for managing flags for swapd
package flags

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"gopkg.in/urfave/cli.v1"

	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/db"
)

var log = build.AddSubLogger("FLAG")

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

var logging = []cli.Flag{
	cli.StringFlag{
		Name:   "logging.level",
		EnvVar: "LOG_LEVEL",
		Value:  "info",
		Usage:  "Log level: trace, debug, info, warn, error",
	},
	cli.StringFlag{
		Name:   "logging.file",
		EnvVar: "LOG_FILE",
		Usage:  "File to write logs to, in addition to stdout",
	},
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{
	cli.StringFlag{
		Name:   "network",
		EnvVar: "SWAPD_NETWORK",
		Usage:  "the chain backends to run against, currently only mock",
		Value:  "mock",
	},
}, logging)

// Db is the set of flags for connecting to the database
var Db = []cli.Flag{
	cli.StringFlag{
		Name:   "db.user",
		EnvVar: "DATABASE_USER",
		Usage:  "Database user",
	},
	cli.StringFlag{
		Name:   "db.password",
		EnvVar: "DATABASE_PASSWORD",
		Usage:  "Database password",
	},
	cli.StringFlag{
		Name:   "db.host",
		EnvVar: "DATABASE_HOST",
		Value:  "localhost",
		Usage:  "Database host",
	},
	cli.IntFlag{
		Name:   "db.port",
		EnvVar: "DATABASE_PORT",
		Value:  5432,
		Usage:  "Database port",
	},
	cli.StringFlag{
		Name:   "db.name",
		EnvVar: "DATABASE_NAME",
		Value:  "swapd",
		Usage:  "Database name",
	},
	cli.StringFlag{
		Name:   "db.migrationspath",
		EnvVar: "DATABASE_MIGRATIONS_PATH",
		Value:  "db/migrations",
		Usage:  "Where the migration files are located",
	},
}

// ReadDbConf reads the appropriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// flags belong to a context, and subcommands get their own. recurse
	// up until we find the context the DB flags were defined on.
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadOperatorAddresses collects the per-chain commission addresses.
// The flag form is CHAIN=address and may repeat, the environment form
// is one OPERATOR_ADDRESS_<CHAIN> variable per chain.
func ReadOperatorAddresses(c *cli.Context, environ []string) (map[string]string, error) {
	addresses := make(map[string]string)

	const envPrefix = "OPERATOR_ADDRESS_"
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(kv, envPrefix), "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed operator address variable %q", kv)
		}
		addresses[parts[0]] = parts[1]
	}

	for _, raw := range c.StringSlice("operator.address") {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed operator address flag %q, want CHAIN=address", raw)
		}
		addresses[parts[0]] = parts[1]
	}

	log.WithField("chains", len(addresses)).Debug("Read operator addresses")
	return addresses, nil
}
