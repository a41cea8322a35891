package main

import (
	"flag"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"escrownet/config"
	"escrownet/core"
	"escrownet/core/events"
	"escrownet/core/types"
	"escrownet/crypto"
	"escrownet/observability/logging"
	"escrownet/rpc"
	"escrownet/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	adminFlag := flag.String("admin", "", "Bech32 address recorded as fee beneficiary on first boot")
	devFundFlag := flag.String("dev-fund", "", "DEV ONLY: comma-separated addr=amount pairs credited at startup")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWNET_ENV"))
	logger := logging.Setup("escrowd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	node := core.NewNode(db)
	node.SetEmitter(eventLogger{logger: logger})

	if _, ok := node.Admin(); !ok {
		if strings.TrimSpace(*adminFlag) == "" {
			logger.Error("Admin wallet not initialized; pass --admin on first boot")
			os.Exit(1)
		}
		admin, err := crypto.DecodeAddress(strings.TrimSpace(*adminFlag))
		if err != nil {
			logger.Error("Invalid --admin address", slog.Any("error", err))
			os.Exit(1)
		}
		if err := node.InitializeAdmin(admin.Array()); err != nil {
			logger.Error("Failed to initialize admin wallet", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Admin wallet initialized", slog.String("admin", admin.String()))
	}

	if *devFundFlag != "" {
		if err := applyDevFunding(node, cfg.Token, *devFundFlag); err != nil {
			logger.Error("Failed to apply dev funding", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Warn("Dev funding applied; do not use in production")
	}

	server := rpc.NewServer(node)
	logger.Info("Starting JSON-RPC server", slog.String("addr", cfg.RPCAddress))
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// applyDevFunding credits balance slots from addr=amount pairs so the escrow
// flows can be exercised without an external faucet.
func applyDevFunding(node *core.Node, token, spec string) error {
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			return errMalformedFunding(pair)
		}
		addr, err := crypto.DecodeAddress(strings.TrimSpace(parts[0]))
		if err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(parts[1]), 10)
		if !ok || amount.Sign() < 0 {
			return errMalformedFunding(pair)
		}
		if err := node.FundAccount(addr.Array(), token, amount); err != nil {
			return err
		}
	}
	return nil
}

type errMalformedFunding string

func (e errMalformedFunding) Error() string {
	return "malformed --dev-fund entry: " + string(e)
}

// eventLogger mirrors every engine event onto the structured log so state
// transitions are observable without an external indexer.
type eventLogger struct {
	logger *slog.Logger
}

func (l eventLogger) Emit(evt events.Event) {
	args := []any{slog.String("event", evt.EventType())}
	if payload, ok := evt.(interface{ Event() *types.Event }); ok {
		if record := payload.Event(); record != nil {
			args = append(args, slog.Any("attributes", record.Attributes))
		}
	}
	l.logger.Info("State transition", args...)
}
