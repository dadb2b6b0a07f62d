// Command server is the resource server of the demo: /free is open and /premium
// costs one payment per request, settled in USDC on Solana.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
	x402http "github.com/paygate-dev/x402svm/http"
	x402gin "github.com/paygate-dev/x402svm/http/gin"
	"github.com/paygate-dev/x402svm/internal/config"
	"github.com/paygate-dev/x402svm/internal/logging"
	"github.com/paygate-dev/x402svm/internal/serve"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
	svmserver "github.com/paygate-dev/x402svm/mechanisms/svm/exact/server"
	"github.com/paygate-dev/x402svm/metrics"
)

const (
	freeMessage    = "This is a free endpoint accessible to everyone."
	premiumMessage = "This is a premium endpoint accessible to everyone."
)

var (
	bind           = flag.String("bind", config.DefaultServerBind, "network address to bind HTTP to")
	metricsBind    = flag.String("metrics-bind", config.DefaultMetricsBind, "network address to bind metrics to, empty to disable")
	facilitatorURL = flag.String("facilitator-url", config.DefaultFacilitatorURL, "base URL of the x402 facilitator")
	facilitatorKey = flag.String("facilitator-api-key", "", "bearer token sent to the facilitator, if it requires one")
	network        = flag.String("network", svm.SolanaDevnetCAIP2, "CAIP-2 network payments are accepted on")
	payTo          = flag.String("pay-to", config.DefaultPayTo, "Solana address that receives payments")
	price          = flag.String("price", config.DefaultPrice, "price of /premium in USD")
	maxTimeout     = flag.Duration("max-timeout", x402.DefaultMaxTimeoutSeconds*time.Second, "how long a client may take to pay")
	requestTimeout = flag.Duration("request-timeout", 30*time.Second, "bound on the payment processing of one request")
	logLevel       = flag.String("log-level", config.DefaultLogLevel, "debug, info, warn or error")
	development    = flag.Bool("development", false, "human readable logs")
)

func main() {
	flagenv.Prefix = "X402_"
	flagenv.Parse()
	flag.Parse()

	cfg := config.Server{
		Bind:           *bind,
		MetricsBind:    *metricsBind,
		FacilitatorURL: *facilitatorURL,
		FacilitatorKey: *facilitatorKey,
		Network:        *network,
		PayTo:          *payTo,
		Price:          *price,
		MaxTimeout:     *maxTimeout,
		RequestTimeout: *requestTimeout,
		LogLevel:       *logLevel,
		Development:    *development,
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Server, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheusRecorder(registry)
	if err != nil {
		return err
	}

	facilitatorConfig := &x402http.FacilitatorConfig{
		URL:     cfg.FacilitatorURL,
		Timeout: cfg.RequestTimeout,
		Logger:  logger.Named("facilitator"),
	}
	if cfg.FacilitatorKey != "" {
		facilitatorConfig.AuthProvider = x402http.StaticTokenAuth{Token: cfg.FacilitatorKey}
	}

	routes := x402http.RoutesConfig{
		"GET /premium": {
			Accepts: []x402http.PaymentOption{{
				Scheme:            svm.SchemeExact,
				PayTo:             cfg.PayTo,
				Price:             cfg.Price,
				Network:           x402.Network(cfg.Network),
				MaxTimeoutSeconds: int(cfg.MaxTimeout / time.Second),
			}},
			Description: "Premium content",
			MimeType:    "application/json",
		},
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog(logger))
	router.Use(x402gin.PaymentMiddleware(
		routes,
		x402gin.WithFacilitatorClient(x402http.NewHTTPFacilitatorClient(facilitatorConfig)),
		x402gin.WithScheme(x402.Network(cfg.Network), svmserver.NewExactSvmScheme()),
		x402gin.WithInitializeOnStart(true),
		x402gin.WithTimeout(cfg.RequestTimeout),
		x402gin.WithLogger(logger),
		x402gin.WithMetrics(recorder),
	))

	router.GET("/free", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": freeMessage})
	})
	router.GET("/premium", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": premiumMessage})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "network": cfg.Network, "payTo": cfg.PayTo, "price": cfg.Price})
	})

	logger.Info("starting resource server",
		zap.String("network", cfg.Network),
		zap.String("payTo", cfg.PayTo),
		zap.String("price", cfg.Price),
		zap.String("facilitator", cfg.FacilitatorURL))

	return serve.Run(ctx, logger,
		serve.Listener{Name: "http", Addr: cfg.Bind, Handler: router},
		serve.MetricsListener(cfg.MetricsBind, registry),
	)
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.Writer.Header().Get(x402http.RequestIDHeader)))
	}
}
