package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"veiltrade/config"
	"veiltrade/core"
	"veiltrade/observability/logging"
	"veiltrade/rpc"
	"veiltrade/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VEILTRADE_ENV"))
	logger := logging.Setup("veiltraded", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node, err := core.NewNode(db, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise node", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("node ready",
		slog.String("network", cfg.NetworkName),
		slog.String("dataDir", cfg.DataDir),
		slog.Int64("orderWindowSeconds", cfg.Escrow.OrderWindowSeconds),
		slog.Int64("bidWindowSeconds", cfg.Escrow.BidWindowSeconds),
		slog.Int64("deliveryWindowSeconds", cfg.Escrow.DeliveryWindowSeconds),
		slog.Int("maxBids", cfg.Escrow.MaxBids),
	)

	server := rpc.NewServer(node)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
