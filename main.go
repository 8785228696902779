package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gossipmesh/commands"
	"gossipmesh/config"
	"gossipmesh/helper/logging"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(configFile string) *config.Config {
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	log.SetFormatter(logging.NewElapsedFormatter(time.Now()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	port := serveCmd.Int("port", 0, "Local port to listen on")
	period := serveCmd.Int("period", 0, "Seconds between gossip messages")
	connect := serveCmd.String("connect", "", "Address of a peer to bootstrap from (host:port)")
	peerBook := serveCmd.String("peerbook", "", "Directory of the persistent peer book")
	metrics := serveCmd.String("metrics", "", "Address to serve /metrics on")
	registerGlobalFlags(serveCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "serve":
		serveCmd.Parse(args)
		setLogLevel(*logLevel)

		flags := commands.ServeFlags{
			ConfigFile: *configFile,
			Port:       *port,
			Period:     *period,
			Connect:    *connect,
			PeerBook:   *peerBook,
			Metrics:    *metrics,
			Set:        make(map[string]bool),
		}
		serveCmd.Visit(func(f *flag.Flag) {
			flags.Set[f.Name] = true
		})

		cfg, err := commands.ResolveServeConfig(flags)
		if err != nil {
			log.Fatalf("Failed to configure the node: %v", err)
		}
		commands.RunServe(ctx, cfg)
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunInfo(ctx, cfg, os.Stdout)
	default:
		log.Fatalf("Unknown subcommand %q", cmd)
	}
}
