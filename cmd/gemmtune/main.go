package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/accelkit/gemmtune/internal/config"
	"github.com/accelkit/gemmtune/internal/logger"
)

func main() {
	var cfgPath string
	var cfg *config.Config
	var zapLogger *zap.Logger
	var rootLogger *zap.Logger

	app := &cli.App{
		Name:  "gemmtune",
		Usage: "Benchmark GEMM kernel candidates and keep the fastest per shape",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the gemmtune config file",
				EnvVars:     []string{"GEMMTUNE_CONFIG"},
				Destination: &cfgPath,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if cfgPath != "" {
				cfg, err = config.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
			} else {
				cfg = config.DefaultConfig()
			}
			zapLogger, err = logger.NewConsole(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			rootLogger = zapLogger.Named("gemmtune")
			return nil
		},
		Commands: []*cli.Command{
			tuneCommand(&cfg, &rootLogger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
