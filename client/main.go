package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"ptd_relay/client/comms"
	"ptd_relay/client/runner"
	"ptd_relay/config"
	"ptd_relay/constants"
	"ptd_relay/logging"
	"ptd_relay/process"
	"strconv"
	"syscall"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"
)

func main() {
	args := argparse.NewParser("client", constants.Title)

	bind := args.String("a", "address", &argparse.Options{Required: true, Help: "Target host address"})
	cfgPath := args.String("c", "config", &argparse.Options{Required: true, Help: "Client configuration file (YAML or JSON)"})
	dscp := args.Int("d", "dscp", &argparse.Options{Required: false, Help: "DSCP field for QoS (overrides config)",
		Default: -1})
	output := args.String("o", "output", &argparse.Options{Required: false, Help: "Folder for received logs (overrides config)"})
	port := args.Int("p", "port", &argparse.Options{Required: false, Help: "Target port",
		Default: constants.DEFAULT_PORT})
	ranging := args.Flag("r", "ranging", &argparse.Options{Help: "Measure workloads on auto range before testing"})

	err := args.Parse(os.Args)

	if err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	cfg, err := config.LoadClientConfig(*cfgPath)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	if *dscp >= 0 {
		cfg.Dscp = *dscp
	}
	if *output != "" {
		cfg.OutputDir = *output
	}
	if err := os.MkdirAll(cfg.OutputDir, os.ModePerm); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := *bind + ":" + strconv.Itoa(*port)

	// Connect to host.
	client, err := comms.Connect(addr, cfg.Dscp)
	if err != nil {
		logger.Fatal("Could not connect", zap.String("address", addr), zap.Error(err))
	}
	client.SetChunkSize(cfg.ChunkSize * 1024)
	logger.Info("Connected", zap.String("address", addr))

	run := runner.New(cfg, client, process.NewExec(logger), nil, logger)

	if err := run.SyncTime(ctx); err != nil {
		client.Close()
		logger.Fatal("Time sync failed", zap.Error(err))
	}

	err = run.Run(ctx, *ranging)
	// Close connection.
	client.Close()
	if err != nil {
		logger.Error("Run failed", zap.Error(err))
		logger.Sync()
		os.Exit(2)
	}
	logger.Info("Disconnected")
}
