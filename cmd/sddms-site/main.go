// Command sddms-site runs one local executor: the per-site component from
// §4.1 that serves clients, acquires locks from the controller, executes
// SQL against the embedded engine, and answers its peers' replication
// Prepare/Finalize calls.
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

	"github.com/mnohosten/sddms/pkg/config"
	"github.com/mnohosten/sddms/pkg/controller"
	"github.com/mnohosten/sddms/pkg/executor"
	"github.com/mnohosten/sddms/pkg/logging"
	"github.com/mnohosten/sddms/pkg/metrics"
	"github.com/mnohosten/sddms/pkg/rpc"
	"github.com/mnohosten/sddms/pkg/sqlengine"
)

func main() {
	cfg := config.LoadSiteConfigFromEnv()

	host := flag.String("host", cfg.Host, "site listen host")
	port := flag.Int("port", cfg.Port, "site listen port")
	controllerURL := flag.String("controller-url", cfg.ControllerURL, "base URL of the concurrency controller")
	lockWaitTimeout := flag.Duration("lock-wait-timeout", cfg.LockWaitTimeout, "per-waiter lock acquisition timeout (informational; enforced controller-side)")
	metricsPath := flag.String("metrics-path", cfg.MetricsPath, "Prometheus metrics path")
	flag.Parse()

	cfg.Host = *host
	cfg.Port = *port
	cfg.ControllerURL = *controllerURL
	cfg.LockWaitTimeout = *lockWaitTimeout
	cfg.MetricsPath = *metricsPath

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid site configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Default("site")

	ctrlClient := controller.NewClient(cfg.ControllerURL, nil)
	siteID, err := ctrlClient.RegisterSite(context.Background(), cfg.Host, cfg.Port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register with controller at %s: %v\n", cfg.ControllerURL, err)
		os.Exit(1)
	}
	logger.Info("registered as site %d with controller at %s", siteID, cfg.ControllerURL)

	engine := sqlengine.NewStore()
	exec := executor.New(siteID, engine, ctrlClient, logger)

	r := rpc.NewRouter(30 * time.Second)
	executor.NewService(exec, logger.With("http")).Routes(r)

	exporter := metrics.NewPrometheusExporter(nil, exec.Stats())
	r.Get(*metricsPath, func(w http.ResponseWriter, req *http.Request) {
		_ = exporter.WriteMetrics(w)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error: %v", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(srv, logger)
}

func waitForShutdown(srv *http.Server, logger *logging.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed: %v", err)
	}
}
