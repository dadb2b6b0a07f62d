// Command facilitator verifies and settles exact SVM payments over HTTP.
// It pays the transaction fees from its own keypair.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookgo/flagenv"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
	x402gin "github.com/paygate-dev/x402svm/http/gin"
	"github.com/paygate-dev/x402svm/internal/config"
	"github.com/paygate-dev/x402svm/internal/logging"
	"github.com/paygate-dev/x402svm/internal/serve"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
	svmfacilitator "github.com/paygate-dev/x402svm/mechanisms/svm/exact/facilitator"
	"github.com/paygate-dev/x402svm/metrics"
	svmsigner "github.com/paygate-dev/x402svm/signers/svm"
)

var (
	bind        = flag.String("bind", config.DefaultFacilitatorBind, "network address to bind HTTP to")
	metricsBind = flag.String("metrics-bind", "", "network address to bind metrics to, empty to disable")
	keypair     = flag.String("keypair", config.DefaultFacilitatorKey, "solana-keygen file of the fee payer")
	rpcURL      = flag.String("rpc-url", "", "Solana RPC endpoint, defaults to the network's public endpoint")
	networks    = flag.String("networks", svm.SolanaDevnetCAIP2, "comma separated CAIP-2 networks to serve")
	apiKey      = flag.String("api-key", "", "bearer token required on /verify and /settle")
	simulate    = flag.Bool("simulate", true, "simulate transactions before accepting them")
	logLevel    = flag.String("log-level", config.DefaultLogLevel, "debug, info, warn or error")
	development = flag.Bool("development", false, "human readable logs")
)

func main() {
	flagenv.Prefix = "X402_"
	flagenv.Parse()
	flag.Parse()

	cfg := config.Facilitator{
		Bind:        *bind,
		MetricsBind: *metricsBind,
		Keypair:     *keypair,
		RPCURL:      *rpcURL,
		Networks:    config.SplitList(*networks),
		APIKey:      *apiKey,
		Simulate:    *simulate,
		LogLevel:    *logLevel,
		Development: *development,
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.RPCURL != "" && len(cfg.Networks) > 1 {
		fmt.Fprintln(os.Stderr, "invalid config: rpc-url can only be set when serving a single network")
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("facilitator stopped", zap.Error(err))
	}
}

func run(cfg config.Facilitator, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signer, err := svmsigner.NewFacilitatorSignerFromKeygenFile(cfg.Keypair)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheusRecorder(registry)
	if err != nil {
		return err
	}

	facilitator := x402.Newx402Facilitator(
		x402.WithFacilitatorLogger(logger),
		x402.WithFacilitatorMetrics(recorder),
	)
	for _, network := range cfg.Networks {
		client, err := svm.NewRPCClient(network, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("network %s: %w", network, err)
		}
		scheme := svmfacilitator.NewExactSvmScheme(signer, client,
			svmfacilitator.WithSimulation(cfg.Simulate),
			svmfacilitator.WithLogger(logger.Named("svm")))
		svmfacilitator.Register(facilitator, scheme, x402.Network(network))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	x402gin.FacilitatorRoutes(router, facilitator, x402gin.FacilitatorRoutesConfig{
		APIKey: cfg.APIKey,
		Logger: logger,
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "feePayer": signer.Address().String()})
	})

	logger.Info("starting facilitator",
		zap.String("feePayer", signer.Address().String()),
		zap.Strings("networks", cfg.Networks),
		zap.Bool("auth", cfg.APIKey != ""))

	return serve.Run(ctx, logger,
		serve.Listener{Name: "http", Addr: cfg.Bind, Handler: router},
		serve.MetricsListener(cfg.MetricsBind, registry),
	)
}
