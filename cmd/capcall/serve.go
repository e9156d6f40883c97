package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/wippyai/capbridge"
	"github.com/wippyai/capbridge/internal/demo"
	"github.com/wippyai/capbridge/rpc"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the in-memory store",
	Long: `Publishes an in-memory key/value store under the object id "store".
The store is described by store.yaml, which is built in; a --search-path
must contain a compatible store.yaml.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address")
}

func serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	cb, err := newContext(capbridge.WithMetrics(rpc.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer cb.Close()

	file, err := cb.ResolveSchema(demo.SchemaFile, nil)
	if err != nil {
		return err
	}
	_, client, err := demo.NewStore(cb.Events(), file, logger.Named("store"))
	if err != nil {
		return err
	}
	objects := capbridge.Objects{demo.ObjectID: client}
	defer objects.Close()

	srv, err := cb.Listen(cfg.Address, objects.Restore)
	if err != nil {
		return err
	}
	port, _ := srv.Port()
	logger.Info("serving", zap.String("address", cfg.Address), zap.Int("port", port), zap.String("object", demo.ObjectID))

	if cfg.MetricsAddr != "" {
		hs := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer hs.Close()
		logger.Info("metrics", zap.String("address", cfg.MetricsAddr))
	}

	if err := cb.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}
