package main

import (
	"context"
	"encoding/hex"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nettinglabs/cownet/params"
	"github.com/nettinglabs/cownet/pkg/api"
	"github.com/nettinglabs/cownet/pkg/crypto"
	"github.com/nettinglabs/cownet/pkg/engine"
	"github.com/nettinglabs/cownet/pkg/ledger"
	"github.com/nettinglabs/cownet/pkg/match"
	"github.com/nettinglabs/cownet/pkg/metrics"
	"github.com/nettinglabs/cownet/pkg/p2p"
	"github.com/nettinglabs/cownet/pkg/quorum"
	"github.com/nettinglabs/cownet/pkg/settle"
	"github.com/nettinglabs/cownet/pkg/storage"
	"github.com/nettinglabs/cownet/pkg/util"
)

// devLedger stands in for the external settlement ledger when LEDGER_URL
// is not configured: every settlement succeeds. Devnet only.
type devLedger struct{}

func (devLedger) RecordSettlement(_ context.Context, _ string, _, _ []string, _, _ []int64) error {
	return nil
}

func main() {
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/node.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// ---- operator identity ----
	var signer *crypto.Signer
	if cfg.Node.OperatorKey != "" {
		signer, err = crypto.FromPrivateKeyHex(cfg.Node.OperatorKey)
	} else {
		sugar.Warn("OPERATOR_KEY unset, generating ephemeral identity")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		sugar.Fatalw("operator_key", "err", err)
	}
	bls := crypto.NewBLSSignerFromSeed(crypto.Keccak256(signer.Address().Bytes()))
	sugar.Infow("operator_identity",
		"address", signer.Address().Hex(),
		"bls_pub", hex.EncodeToString(bls.PubkeyBytes()))

	// ---- operator registry (read-only; bookkeeping is external) ----
	ops := quorum.NewOperatorSet(cfg.Quorum.MinStake)
	selfStake := int64(1)
	if v := os.Getenv("SELF_STAKE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			selfStake = n
		}
	}
	ops.Add(&quorum.Operator{Addr: signer.Address(), Stake: selfStake, BLSPub: bls.Pubkey()})
	// OPERATORS: comma-separated addr@stake or addr@stake@blsPubHex entries
	// for the rest of the set. Peers without a BLS pubkey still vote, but
	// their signature shares are dropped from consensus certificates.
	if v := os.Getenv("OPERATORS"); v != "" {
		for _, entry := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), "@", 3)
			if parts[0] == "" || !common.IsHexAddress(parts[0]) {
				sugar.Warnw("operator_entry_skipped", "entry", entry)
				continue
			}
			op := &quorum.Operator{Addr: common.HexToAddress(parts[0]), Stake: 1}
			if len(parts) >= 2 {
				if n, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
					op.Stake = n
				}
			}
			if len(parts) == 3 {
				raw, err := hex.DecodeString(strings.TrimPrefix(parts[2], "0x"))
				if err != nil {
					sugar.Warnw("operator_entry_skipped", "entry", entry, "err", err)
					continue
				}
				pk, err := crypto.BLSPubKeyFromBytes(raw)
				if err != nil {
					sugar.Warnw("operator_entry_skipped", "entry", entry, "err", err)
					continue
				}
				op.BLSPub = pk
			}
			ops.Add(op)
		}
	}
	sugar.Infow("operator_set", "active", ops.ActiveCount())

	// ---- persistence ----
	store, err := storage.Open(filepath.Join(cfg.Node.DataDir, "cownet.db"))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	// ---- settlement ledger ----
	var led settle.Ledger
	if cfg.Node.LedgerURL != "" {
		led = ledger.NewClient(cfg.Node.LedgerURL, 10*time.Second, sugar)
	} else {
		sugar.Warn("LEDGER_URL unset, using in-process dev ledger")
		led = devLedger{}
	}

	// ---- core ----
	registry := prometheus.NewRegistry()
	met := metrics.New(registry)
	coord := quorum.NewCoordinator(ops, util.RealClock{}, cfg.Quorum.ResponseWindow, cfg.Quorum.TaskReward, sugar)
	matcher := match.NewEngine(cfg.Matching.MinTargetAmount, cfg.Matching.FillThresholdBps, sugar)
	submitter := settle.NewSubmitter(led, cfg.Node.SettleRetries, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- operator network ----
	net, err := p2p.NewNet(ctx, p2p.Config{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("p2p_init_failed", "err", err)
	}
	defer net.Close()

	loop := engine.NewLoop(engine.Config{
		Venues:           cfg.Node.Venues,
		ThresholdPct:     cfg.Quorum.ThresholdPct,
		FillThresholdBps: cfg.Matching.FillThresholdBps,
		SweepInterval:    cfg.Quorum.ExpirySweep,
		Matcher:          matcher,
		Coordinator:      coord,
		Operators:        ops,
		Submitter:        submitter,
		Net:              net,
		Store:            store,
		Signer:           signer,
		BLS:              bls,
		Metrics:          met,
		Logger:           sugar,
	})

	net.SetHandlers(p2p.Handlers{
		OnOrder:      loop.IngestOrder,
		OnTask:       loop.IngestTask,
		OnVote:       loop.IngestVote,
		OnSettlement: loop.IngestSettlement,
	})

	// ---- API ----
	apiServer := api.NewServer(loop, store, metrics.Handler(registry), sugar)
	loop.SetEventSink(apiServer.Broadcast)
	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_starting",
		"venues", cfg.Node.Venues,
		"quorum_threshold_pct", cfg.Quorum.ThresholdPct,
		"response_window", cfg.Quorum.ResponseWindow,
		"fill_threshold_bps", cfg.Matching.FillThresholdBps)

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("engine_failed", "err", err)
	}
}
