// Package serve runs the binaries' HTTP listeners until their context is cancelled.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds how long in-flight requests get once shutdown starts
const ShutdownTimeout = 5 * time.Second

// Listener is a named HTTP server
type Listener struct {
	Name    string
	Addr    string
	Handler http.Handler
}

// MetricsListener exposes the registry's metrics at /metrics
func MetricsListener(addr string, gatherer prometheus.Gatherer) Listener {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return Listener{Name: "metrics", Addr: addr, Handler: mux}
}

// Run serves every listener with an address and shuts them all down when ctx is done
// or any of them fails.
func Run(ctx context.Context, logger *zap.Logger, listeners ...Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		if l.Addr == "" {
			continue
		}
		l := l
		srv := &http.Server{
			Addr:              l.Addr,
			Handler:           l.Handler,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named(l.Name)),
		}

		g.Go(func() error {
			logger.Info("listening", zap.String("listener", l.Name), zap.String("addr", l.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.Name, err)
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			c, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(c); err != nil {
				logger.Warn("cannot shut down", zap.String("listener", l.Name), zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}
