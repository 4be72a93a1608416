package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/helmsbot/helmsbot"
	"github.com/helmsbot/helmsbot/config"
	"github.com/helmsbot/helmsbot/tools/log"
)

// Exit codes: 1 startup or runtime failure, 2 invalid configuration,
// 3 reconciliation found critical discrepancies.
const (
	exitFailure       = 1
	exitInvalidConfig = 2
	exitCritical      = 3
)

func main() {
	app := &cli.App{
		Name:     "helmsbot",
		HelpName: "helmsbot",
		Usage:    "Event-driven trading platform",
		Commands: []*cli.Command{
			{
				Name:     "start",
				HelpName: "start",
				Usage:    "Start the trading engine",
				Action: func(c *cli.Context) error {
					cfg, err := config.FromEnv()
					if err != nil {
						return cli.Exit(err.Error(), exitInvalidConfig)
					}
					engine, err := helmsbot.NewEngine(c.Context, cfg)
					if err != nil {
						return cli.Exit(err.Error(), exitFailure)
					}
					if err := engine.Run(c.Context); err != nil {
						return cli.Exit(err.Error(), exitFailure)
					}
					return nil
				},
			},
			{
				Name:     "reconcile",
				HelpName: "reconcile",
				Usage:    "Run one reconciliation pass and print the report",
				Action: func(c *cli.Context) error {
					cfg, err := config.FromEnv()
					if err != nil {
						return cli.Exit(err.Error(), exitInvalidConfig)
					}
					engine, err := helmsbot.NewEngine(c.Context, cfg)
					if err != nil {
						return cli.Exit(err.Error(), exitFailure)
					}
					report, err := engine.Reconcile(c.Context)
					if err != nil {
						return cli.Exit(err.Error(), exitFailure)
					}
					fmt.Println(report.Render())
					if report.HasCritical() {
						return cli.Exit("critical discrepancies found", exitCritical)
					}
					return nil
				},
			},
			{
				Name:     "validate-config",
				HelpName: "validate-config",
				Usage:    "Check the environment configuration and exit",
				Action: func(c *cli.Context) error {
					cfg, err := config.FromEnv()
					if err != nil {
						return cli.Exit(err.Error(), exitInvalidConfig)
					}
					if err := cfg.Validate(); err != nil {
						return cli.Exit(err.Error(), exitInvalidConfig)
					}
					fmt.Printf("configuration ok (%s)\n", cfg.Env)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
