package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"shoal/commands"
	"shoal/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) error {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <init|gateway|shard|queue> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  init      write a default config file\n")
	fmt.Fprintf(os.Stderr, "  gateway   run the HTTP gateway\n")
	fmt.Fprintf(os.Stderr, "  shard     run a storage shard\n")
	fmt.Fprintf(os.Stderr, "  queue     run the replication queue\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	command := os.Args[1]
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configFile := flags.String("config", "shoal.json", "path to the config file")
	logLevel := flags.String("loglevel", "info", "log level (trace|debug|info|warning|error)")
	flags.Parse(os.Args[2:])

	if err := setLogLevel(*logLevel); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	if command == "init" {
		if err := commands.RunInit(*configFile); err != nil {
			log.Fatalf("init failed: %v", err)
		}
		return
	}

	var run func(context.Context, *config.Config) error
	switch command {
	case "gateway":
		run = commands.RunGateway
	case "shard":
		run = commands.RunShard
	case "queue":
		run = commands.RunQueue
	default:
		usage()
		os.Exit(2)
	}

	cfg, err := config.NewConfigFromFile(*configFile)
	if err != nil {
		log.Fatalf("Cannot load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%s failed: %v", command, err)
	}

	log.Infof("%s shut down", command)
}
