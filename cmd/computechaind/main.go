package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"nhbchain/cmd/internal/passphrase"
	"nhbchain/config"
	"nhbchain/consensus/slot"
	"nhbchain/core"
	cerrors "nhbchain/core/errors"
	"nhbchain/core/genesis"
	"nhbchain/core/state"
	"nhbchain/crypto"
	"nhbchain/eventbus"
	"nhbchain/mempool"
	"nhbchain/node"
	"nhbchain/observability/logging"
	telemetry "nhbchain/observability/otel"
	"nhbchain/p2p"
	"nhbchain/rpc"
	"nhbchain/snapshot"
	"nhbchain/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit codes contracted by spec §6: 0 success, 1 generic error, 2 invalid
// argument, 3 network error, 4 consensus/state error.
const (
	exitSuccess         = 0
	exitGeneric         = 1
	exitInvalidArgument = 2
	exitNetworkError    = 3
	exitConsensusState  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	jwtSecret := flag.String("jwt-secret", "", "HS256 secret gating transaction submission; empty disables auth")
	submissionRate := flag.Float64("submission-rate", 10, "Per-sender submission rate limit (tx/sec), 0 disables")
	submissionBurst := flag.Int("submission-burst", 20, "Per-sender submission burst allowance")
	inboundRate := flag.Float64("p2p-inbound-rate", 50, "Per-peer inbound message rate limit (msgs/sec), 0 disables")
	inboundBurst := flag.Int("p2p-inbound-burst", 100, "Per-peer inbound message burst allowance")
	keystorePath := flag.String("keystore", "", "Path to an encrypted validator keystore file; overrides ValidatorKey in the config when set")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitInvalidArgument
	}

	env := strings.TrimSpace(os.Getenv("COMPUTECHAIN_ENV"))
	logPath := ""
	if cfg.DataDir != "" {
		logPath = filepath.Join(cfg.DataDir, "computechaind.log")
	}
	logger := logging.SetupWithRotation("computechaind", env, logPath, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "computechaind",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    true,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Warn("telemetry disabled", slog.Any("error", err))
	} else {
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	spec, err := genesis.Load(cfg.GenesisPath)
	if err != nil {
		logger.Error("load genesis", slog.Any("error", err))
		return exitInvalidArgument
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("prepare data directory", slog.Any("error", err))
		return exitGeneric
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chaindata"))
	if err != nil {
		logger.Error("open block store", slog.Any("error", err))
		return exitGeneric
	}
	defer db.Close()

	chain, manager, err := core.NewBlockchain(db, spec)
	if err != nil {
		logger.Error("load blockchain", slog.Any("error", err))
		return exitConsensusState
	}

	validatorKey, err := loadValidatorKey(*keystorePath, cfg.ValidatorKey)
	if err != nil {
		logger.Error("load validator key", slog.Any("error", err))
		return exitInvalidArgument
	}

	bus := eventbus.New()
	pool := mempool.New(mempool.Config{
		MaxSize:                 spec.Params.MaxMempoolSize,
		TTL:                     time.Duration(spec.Params.MempoolTxTTLSeconds) * time.Second,
		GasPriceBumpBps:         spec.Params.MempoolGasPriceBumpBps,
		MaxPendingPerSender:     spec.Params.MempoolMaxPendingPerSender,
		SubmissionRatePerSecond: *submissionRate,
		SubmissionBurst:         *submissionBurst,
	}, bus)

	snapshotDir := filepath.Join(cfg.DataDir, "snapshots")
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		logger.Error("prepare snapshot directory", slog.Any("error", err))
		return exitGeneric
	}
	snapshots := snapshot.NewEngine(snapshotDir, manager.Config())

	peerstore, err := p2p.NewPeerstore(filepath.Join(cfg.DataDir, "peers"), 0, 0)
	if err != nil {
		logger.Error("open peerstore", slog.Any("error", err))
		return exitGeneric
	}
	defer peerstore.Close()

	var p2pServer *p2p.Server
	engine := slot.New(slot.Config{
		GenesisTime:             spec.GenesisTime,
		BlockTimeSeconds:        spec.Params.BlockTimeSeconds,
		MaxSlotTimeoutSeconds:   spec.Params.MaxSlotTimeoutSeconds,
		MaxTimestampSkewSeconds: spec.Params.MaxTimestampSkewSeconds,
		MaxTxPerBlock:           spec.Params.MaxTxPerBlock,
		BlockGasLimit:           spec.Params.BlockGasLimit,
	}, validatorKey, chain, manager, pool, bus, broadcasterFunc(func() p2p.Broadcaster { return p2pServer }))

	handler := node.New(chain, engine, manager, pool, broadcasterFunc(func() p2p.Broadcaster { return p2pServer }), logger, spec.Params.SnapshotSyncThresholdBlocks)
	p2pServer = p2p.NewServer(cfg.ListenAddress, handler, validatorKey, chain.GenesisHash())
	p2pServer.SetInboundRateLimit(*inboundRate, *inboundBurst)
	p2pServer.SetPeerstore(peerstore)

	rpcServer, err := rpc.NewServer(rpc.Config{
		ListenAddress:     cfg.RPCAddress,
		JWT:               rpc.JWTConfig{Enabled: *jwtSecret != "", Secret: *jwtSecret},
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      0, // event stream responses are long-lived
		IdleTimeout:       60 * time.Second,
	}, chain, manager, pool, bus, snapshots)
	if err != nil {
		logger.Error("construct rpc server", slog.Any("error", err))
		return exitGeneric
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 4)

	go func() {
		if err := p2pServer.Start(); err != nil {
			errCh <- fmt.Errorf("p2p server: %w", err)
		}
	}()
	dialed := make(map[string]bool)
	for _, peer := range cfg.BootstrapPeers {
		peer := strings.TrimSpace(peer)
		if peer == "" || dialed[peer] {
			continue
		}
		dialed[peer] = true
		go func() {
			if err := p2pServer.Connect(peer); err != nil {
				logger.Warn("bootstrap dial failed", slog.String("peer", peer), slog.Any("error", err))
			}
		}()
	}
	for _, known := range peerstore.All() {
		addr := strings.TrimSpace(known.Addr)
		if addr == "" || dialed[addr] {
			continue
		}
		dialed[addr] = true
		go func() {
			if err := p2pServer.Connect(addr); err != nil {
				logger.Warn("persisted peer dial failed", slog.String("peer", addr), slog.Any("error", err))
			}
		}()
	}

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consensus engine: %w", err)
		}
	}()

	go runSnapshotLoop(ctx, chain, manager, snapshots, logger)

	go func() {
		if cfg.MetricsAddress == "" {
			return
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go func() {
		if err := rpcServer.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	logger.Info("computechaind running",
		slog.String("listen", cfg.ListenAddress),
		slog.String("rpc", cfg.RPCAddress),
		slog.Uint64("height", chain.Height()))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("fatal component error", slog.Any("error", err))
		return classifyFatal(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown", slog.Any("error", err))
	}
	return exitSuccess
}

// runSnapshotLoop polls the chain tip and takes a snapshot whenever the
// engine's own snapshot cadence (interval or epoch boundary) is due, per
// spec §8. Polling rather than a commit-path hook keeps the consensus
// engine free of snapshot concerns.
func runSnapshotLoop(ctx context.Context, chain *core.Blockchain, manager *state.Manager, snapshots *snapshot.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastChecked uint64
	haveLast := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height := chain.Height()
			if haveLast && height == lastChecked {
				continue
			}
			haveLast = true
			lastChecked = height
			if !snapshots.ShouldSnapshot(height) {
				continue
			}
			if err := snapshots.MaybeSnapshot(manager, height, chain.Tip()); err != nil {
				logger.Warn("snapshot failed", slog.Uint64("height", height), slog.Any("error", err))
			}
		}
	}
}

// loadValidatorKey prefers an encrypted keystore file, falling back to the
// plain hex key config.Load generates for new deployments. The keystore
// passphrase is read from NHB_VALIDATOR_PASS or prompted interactively.
func loadValidatorKey(keystorePath, plainHexKey string) (*crypto.PrivateKey, error) {
	if keystorePath != "" {
		pass, err := passphrase.NewSource("NHB_VALIDATOR_PASS").Get()
		if err != nil {
			return nil, fmt.Errorf("resolve keystore passphrase: %w", err)
		}
		return crypto.LoadFromKeystore(keystorePath, pass)
	}
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(plainHexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode validator key: %w", err)
	}
	return crypto.PrivateKeyFromBytes(keyBytes)
}

func classifyFatal(err error) int {
	if kind, ok := cerrors.KindOf(err); ok {
		switch kind {
		case cerrors.KindConsensus, cerrors.KindProtocolState:
			return exitConsensusState
		case cerrors.KindIO:
			return exitNetworkError
		}
	}
	return exitGeneric
}

// broadcasterFunc lazily resolves a p2p.Broadcaster, letting the consensus
// engine and message handler be constructed before the p2p.Server they
// broadcast through exists.
type broadcasterFunc func() p2p.Broadcaster

func (f broadcasterFunc) Broadcast(msg *p2p.Message) error {
	b := f()
	if b == nil {
		return nil
	}
	return b.Broadcast(msg)
}
