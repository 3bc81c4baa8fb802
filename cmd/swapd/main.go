package main

import (
	"fmt"
	"os"

	_ "github.com/lib/pq" // Import postgres
	"gopkg.in/urfave/cli.v1"

	"gitlab.com/arcanecrypto/swapd/build"
	"gitlab.com/arcanecrypto/swapd/build/swaplog"
	"gitlab.com/arcanecrypto/swapd/cmd/swapd/actions"
	"gitlab.com/arcanecrypto/swapd/cmd/swapd/flags"
)

var log = build.AddSubLogger("MAIN")

func main() {
	app := cli.NewApp()
	app.Name = "swapd"
	app.Usage = "OTC cross-chain swap broker"
	app.Version = build.Version()
	app.EnableBashCompletion = true

	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := swaplog.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		if log.Level != level {
			build.SetLogLevels(level)
		}

		if file := c.GlobalString("logging.file"); file != "" {
			if err := build.SetLogFile(file); err != nil {
				return err
			}
		}
		return nil
	}

	app.Flags = flags.CommonFlags
	app.Commands = []cli.Command{
		actions.Db(),
		actions.Serve(),
	}

	if err := app.Run(os.Args); err != nil {
		if len(os.Args) > 1 {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
