// Command client pays for the premium resource with a local Solana keypair.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookgo/flagenv"
	"github.com/gagliardetto/solana-go/rpc"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
	x402http "github.com/paygate-dev/x402svm/http"
	"github.com/paygate-dev/x402svm/internal/config"
	"github.com/paygate-dev/x402svm/internal/logging"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
	svmclient "github.com/paygate-dev/x402svm/mechanisms/svm/exact/client"
	svmsigner "github.com/paygate-dev/x402svm/signers/svm"
)

var (
	url         = flag.String("url", config.DefaultClientURL, "resource to request")
	keypair     = flag.String("keypair", config.DefaultClientKeypair, "solana-keygen file of the payer")
	timeout     = flag.Duration("timeout", config.DefaultClientTimeout, "timeout of each HTTP exchange")
	rpcURL      = flag.String("rpc-url", "", "Solana RPC endpoint, defaults to the network's public endpoint")
	airdrop     = flag.String("airdrop", "", "SOL to request from the devnet faucet before paying, e.g. 1")
	logLevel    = flag.String("log-level", config.DefaultLogLevel, "debug, info, warn or error")
	development = flag.Bool("development", true, "human readable logs")
)

// Exit codes by failure class
const (
	exitOK = iota
	exitUsage
	exitRejected
	exitUnavailable
	exitFailed
)

func main() {
	flagenv.Prefix = "X402_"
	flagenv.Parse()
	flag.Parse()

	cfg := config.Client{
		URL:         *url,
		Keypair:     *keypair,
		Timeout:     *timeout,
		RPCURL:      *rpcURL,
		Airdrop:     *airdrop,
		LogLevel:    *logLevel,
		Development: *development,
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	code := run(cfg, logger)
	_ = logger.Sync()
	os.Exit(code)
}

func run(cfg config.Client, logger *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signer, err := svmsigner.NewClientSignerFromKeygenFile(cfg.Keypair)
	if err != nil {
		logger.Error("cannot load payer", zap.Error(err))
		return exitUsage
	}
	logger.Info("payer loaded", zap.String("address", signer.Address().String()))

	if cfg.Airdrop != "" {
		if err := requestAirdrop(ctx, logger, cfg, signer); err != nil {
			logger.Error("airdrop failed", zap.Error(err))
			return exitFailed
		}
	}

	client := svmclient.NewSvmClient(svmclient.SvmClientConfig{
		Signer: signer,
		Config: &svmclient.Config{RPCURL: cfg.RPCURL},
		Logger: logger.Named("x402"),
	})
	httpClient := x402http.Newx402HTTPClient(client,
		x402http.WithClientTimeout(cfg.Timeout),
		x402http.WithHTTPClientLogger(logger),
	)

	resp, err := httpClient.RequestResource(ctx, cfg.URL, http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return report(logger, err)
	}

	fields := []zap.Field{zap.Int("status", resp.StatusCode), zap.Bool("paid", resp.Paid)}
	if resp.Settlement != nil {
		fields = append(fields,
			zap.String("transaction", resp.Settlement.Transaction),
			zap.String("network", string(resp.Settlement.Network)))
	}
	logger.Info("accessed resource", fields...)
	fmt.Println(string(resp.Body))
	return exitOK
}

// requestAirdrop funds the payer with SOL for rent; it is refused outside devnet
func requestAirdrop(ctx context.Context, logger *zap.Logger, cfg config.Client, signer *svmsigner.ClientSigner) error {
	lamports, err := svm.ParseAmount(cfg.Airdrop, 9)
	if err != nil {
		return err
	}

	endpoint := cfg.RPCURL
	if endpoint == "" {
		endpoint = svm.DevnetRPCURL
	} else if endpoint == svm.MainnetRPCURL {
		return errors.New("airdrops are only available on devnet")
	}

	sig, err := rpc.New(endpoint).RequestAirdrop(ctx, signer.Address(), lamports, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("failed to request airdrop: %w", err)
	}
	logger.Info("airdrop requested",
		zap.String("amount", svm.FormatAmount(lamports, 9)+" SOL"),
		zap.String("signature", sig.String()))
	return nil
}

func report(logger *zap.Logger, err error) int {
	switch {
	case errors.Is(err, x402.ErrPaymentRejected):
		logger.Error("payment rejected", zap.Error(err))
		return exitRejected
	case errors.Is(err, x402.ErrTimeout), errors.Is(err, x402.ErrTransport):
		logger.Error("resource server unavailable", zap.Error(err))
		return exitUnavailable
	default:
		logger.Error("request failed", zap.Error(err))
		return exitFailed
	}
}
