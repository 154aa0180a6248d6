package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"ptd_relay/config"
	"ptd_relay/constants"
	"ptd_relay/logging"
	"ptd_relay/process"
	server "ptd_relay/server/controller"
	"strconv"
	"syscall"

	"github.com/akamensky/argparse"
	"go.uber.org/zap"
)

func main() {
	args := argparse.NewParser("server", constants.Title)

	cfgPath := args.String("c", "config", &argparse.Options{Required: true, Help: "Server configuration file (YAML or JSON)"})
	bind := args.String("l", "listen", &argparse.Options{Required: false, Help: "Listen on address",
		Default: "0.0.0.0"})
	port := args.Int("p", "port", &argparse.Options{Required: false, Help: "Listening port",
		Default: constants.DEFAULT_PORT})
	level := args.String("v", "loglevel", &argparse.Options{Required: false, Help: "Override configured log level"})

	err := args.Parse(os.Args)

	if err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	cfg, err := config.LoadServerConfig(*cfgPath)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	if *level != "" {
		cfg.Log.Level = *level
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supervisor := process.NewExec(logger)
	if cfg.NtpCommand != "" {
		if code, err := supervisor.RunToCompletion(ctx, cfg.NtpCommand); err != nil || code != 0 {
			logger.Fatal("Time sync failed", zap.String("command", cfg.NtpCommand), zap.Int("code", code), zap.Error(err))
		}
	}

	srv, err := server.NewServer(cfg, server.Options{Supervisor: supervisor}, logger)
	if err != nil {
		logger.Fatal("Could not start server", zap.Error(err))
	}

	if err := srv.StartListening(ctx, *bind+":"+strconv.Itoa(*port)); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
}
