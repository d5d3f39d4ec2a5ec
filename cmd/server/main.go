package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"goxbridge/EVMRPC"
	"goxbridge/SOLRPC"
	"goxbridge/chain"
	"goxbridge/config"
	"goxbridge/emitters"
	"goxbridge/estimator"
	"goxbridge/ledger"
	"goxbridge/logger"
	"goxbridge/metrics"
	"goxbridge/monitor"
	"goxbridge/netstatus"
	"goxbridge/protocols"
	"goxbridge/redis"
	"goxbridge/routes"
	"goxbridge/signer"
	"goxbridge/transfer"
	"goxbridge/workers"
	"goxbridge/workers/handlers"
)

func main() {
	config.Init()
	cfg := config.Config

	closer, err := logger.Init(cfg.Log.Level, cfg.Log.Dir)
	if err != nil {
		panic(err)
	}
	defer closer.Close()
	log := logger.GetLogger()
	log.Info().Int("chains", len(cfg.Chains)).Int("routes", len(cfg.Routes)).Msg("starting cross-chain bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sign chain.Signer
	switch cfg.Signer.Mode {
	case "keys":
		keys := make([]string, 0, len(cfg.Signer.Keys))
		for _, k := range cfg.Signer.Keys {
			keys = append(keys, k)
		}
		sign, err = signer.NewKeys(keys)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot load signing keys")
		}
		log.Warn().Msg("signing with in-process keys, do not use in production")
	default:
		sign = signer.NewRemote(cfg.Signer.URL, cfg.RPC.Timeout)
	}

	opts := chain.Options{
		Timeout: cfg.RPC.Timeout,
		Retry: chain.RetryPolicy{
			Retries:      cfg.RPC.Retries,
			InitialDelay: cfg.RPC.RetryDelay,
			MaxDelay:     10 * cfg.RPC.RetryDelay,
		},
		RateLimit:       cfg.RPC.RateLimit,
		ReceiptPoll:     cfg.RPC.ReceiptPoll,
		GasPricePercent: cfg.RPC.GasPricePercent,
	}
	conns := make(map[string]chain.Connector, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		var conn chain.Connector
		if ch.IsEVM() {
			conn, err = EVMRPC.New(ch, sign, opts)
		} else {
			conn, err = SOLRPC.New(ch, sign, opts)
		}
		if err != nil {
			log.Fatal().Err(err).Str("chain", ch.Key).Msg("cannot create chain connector")
		}
		defer conn.Close()
		conns[ch.Key] = conn
	}

	reg, err := routes.New(cfg.Routes, cfg.Chains)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid route table")
	}

	network := netstatus.New(cfg.Chains, cfg.Assets, conns, netstatus.Options{
		Interval: cfg.Network.SampleInterval,
		Timeout:  cfg.Network.SampleTimeout,
	})
	go network.Run(ctx)

	est, err := estimator.New(reg, cfg.Chains, cfg.Assets, conns, network, estimator.Options{
		SurchargePercent: cfg.Estimator.SurchargePercent,
		LargeTransfer:    cfg.Estimator.LargeTransfer,
		GasPriceTTL:      cfg.Estimator.GasPriceTTL,
		BridgeGasLimit:   cfg.Estimator.BridgeGasLimit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cannot create estimator")
	}

	pacer := protocols.NewPacer(cfg.Attestation.PollInterval)
	procs := protocols.NewRegistry(
		protocols.NewWormhole(protocols.NewGuardianClient(cfg.Attestation.WormholeAPI, cfg.RPC.Timeout), cfg.Attestation.GuardianQuorum, pacer),
		protocols.NewCCTP(protocols.NewCircleClient(cfg.Attestation.CircleAPI, cfg.RPC.Timeout), pacer),
		protocols.NewNative(),
	)

	// without persistence do not continue
	var store ledger.Ledger
	if cfg.Server.Ledger == "memory" {
		log.Warn().Msg("using in-memory ledger, transfers are lost on restart")
		store = ledger.NewMemory()
	} else {
		rl := redis.Init()
		defer rl.Close()
		if err := rl.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("cannot connect to Redis")
		}
		store = rl
	}

	var publishers []transfer.Publisher
	if cfg.Kafka.Broker != "" {
		k := emitters.NewKafka(cfg.Kafka.Broker, cfg.Kafka.Topic)
		defer k.Close()
		publishers = append(publishers, k)
	}
	if cfg.NATS.URL != "" {
		n, err := emitters.NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot connect to NATS")
		}
		defer n.Close()
		publishers = append(publishers, n)
	}

	mon := monitor.New(ctx, conns, monitor.Options{
		PollInterval:     cfg.Monitor.PollInterval,
		ReconnectInitial: cfg.Monitor.ReconnectInitial,
		ReconnectMax:     cfg.Monitor.ReconnectMax,
	})
	defer mon.Close()

	svc, err := transfer.NewService(transfer.Options{
		Chains:                  cfg.Chains,
		Assets:                  cfg.Assets,
		Routes:                  reg,
		Estimator:               est,
		Connectors:              conns,
		Protocols:               procs,
		Ledger:                  store,
		Watcher:                 mon,
		Publishers:              publishers,
		AttestationWindowFactor: cfg.Monitor.AttestationWindowFactor,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cannot create transfer service")
	}
	if _, err := svc.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("cannot recover in-flight transfers")
	}

	h := handlers.New(svc, est, reg, network)
	err = workers.Worker_HTTP(ctx, workers.NewRouter(h, metrics.Handler()), workers.ServerOptions{
		Listen: cfg.Server.Listen,
		UseSSL: cfg.Server.UseSSL,
	})
	if err != nil {
		log.Error().Err(err).Msg("HTTP service error")
	}
	log.Info().Msg("bridge stopped")
}
