package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "path to an env file",
		Value: ".env",
	}
}

// rootEnvFlag is envFlag for the root command only, so it does not clash
// with the subcommands' own --env.
func rootEnvFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "path to an env file",
		Value: ".env",
		Local: true,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:   "phonecheck",
		Usage:  "Telegram bot that checks uploaded phone number lists",
		Flags:  []cli.Flag{rootEnvFlag()},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "poll Telegram and process jobs (default)",
				Flags:  []cli.Flag{envFlag()},
				Action: runAction,
			},
			{
				Name:  "jobs",
				Usage: "list jobs from the store without starting the bot",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringSliceFlag{
						Name:  "status",
						Usage: "only show jobs in these states",
					},
				},
				Action: jobsAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
