package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/payrelay/payrelay-go/gateway"
	"github.com/payrelay/payrelay-go/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen-addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	network := flag.String("network", "", "Chain network override: mainnet | testnet")
	flag.Parse()

	if *showVersion {
		fmt.Printf("payrelay version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listenAddr != "" {
		_ = os.Setenv("PAYRELAY_LISTEN_ADDR", *listenAddr)
	}
	if *network != "" {
		_ = os.Setenv("PAYRELAY_NETWORK", *network)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("payrelay failed to load configuration: %v", err)
	}

	gateway.Version = version
	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		log.Fatalf("payrelay failed to initialize: %v", err)
	}

	log.Println("payrelay starting")
	if err := gw.Run(ctx); err != nil {
		log.Fatalf("payrelay failed: %v", err)
	}
	log.Println("payrelay stopped")
}
