// Package actions provides actions that the swapd CLI can execute
package actions

import (
	"strconv"

	"gopkg.in/urfave/cli.v1"

	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/cmd/swapd/flags"
	"gitlab.com/arcanecrypto/swapd/db"
)

var log = build.AddSubLogger("ACTN")

// Db returns commands for handling DB access and migrations
func Db() cli.Command {
	return cli.Command{
		Name:  "db",
		Usage: "Database related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:    "up",
				Aliases: []string{"mu"},
				Usage:   "migrates the database all the way up",
				Action: func(c *cli.Context) (err error) {
					database, err := db.Open(flags.ReadDbConf(c))
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil && err == nil {
							err = dbErr
						}
					}()
					return database.MigrateUp()
				},
			},
			{
				Name:    "down",
				Aliases: []string{"md"},
				Usage:   "down x, migrates the database down x number of steps",
				Action: func(c *cli.Context) (err error) {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify a number of steps to migrate down", 22)
					}
					database, err := db.Open(flags.ReadDbConf(c))
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil && err == nil {
							err = dbErr
						}
					}()
					steps, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return err
					}
					return database.MigrateDown(steps)
				},
			},
			{
				Name:    "status",
				Aliases: []string{"st"},
				Usage:   "prints the current migration version and dirtyness",
				Action: func(c *cli.Context) (err error) {
					database, err := db.Open(flags.ReadDbConf(c))
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil && err == nil {
							err = dbErr
						}
					}()
					status, err := database.MigrationStatus()
					if err != nil {
						return err
					}
					log.WithField("version", status.Version).
						WithField("dirty", status.Dirty).Info("Migration status")
					return nil
				},
			},
			{
				Name:  "reset",
				Usage: "drops everything and migrates back up, destroying all data",
				Action: func(c *cli.Context) (err error) {
					database, err := db.Open(flags.ReadDbConf(c))
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil && err == nil {
							err = dbErr
						}
					}()
					return database.Reset()
				},
			},
		},
	}
}
