package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custodia/config"
	"custodia/core/events"
	"custodia/native/escrow"
	"custodia/native/fees"
	"custodia/native/operator"
	"custodia/observability/logging"
	"custodia/rpc"
	"custodia/storage"
	"custodia/storage/keeper"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("custodiad", "").Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup("custodiad", cfg.Environment)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		log.Error("open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	factoryAddr, _ := config.ParseAddress(cfg.FactoryAddress)
	ownerAddr, _ := config.ParseAddress(cfg.OwnerAddress)
	feeRecipient, _ := config.ParseAddress(cfg.Fees.ProtocolFeeRecipient)

	store := keeper.New(db)
	ledger := escrow.NewLedger(cfg.ChainID)
	ledger.SetState(store)

	feeCfg := fees.Config{
		MaxTotalFeeRate:       cfg.Fees.MaxTotalFeeRateBps,
		ProtocolFeePercentage: cfg.Fees.ProtocolFeePercentage,
		FeesEnabled:           cfg.Fees.FeesEnabled,
		ProtocolFeeRecipient:  feeRecipient,
	}
	factory, err := operator.NewFactory(factoryAddr, ownerAddr, feeCfg, cfg.Fees.ToggleDelaySeconds)
	if err != nil {
		log.Error("construct factory", "error", err)
		os.Exit(1)
	}
	factory.SetState(store)
	factory.SetLedger(ledger)
	buffer := events.NewBuffer(cfg.EventBuffer)
	factory.SetEmitter(buffer)
	if err := factory.Restore(); err != nil {
		log.Error("restore operators", "error", err)
		os.Exit(1)
	}
	log.Info("operator registry restored", "instances", len(factory.Instances()))

	server := rpc.NewServer(factory, ledger, buffer, log, cfg.RateLimit)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("listening", "address", cfg.ListenAddress, "chainId", cfg.ChainID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
