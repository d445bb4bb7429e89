// Command sddms-controller runs the singleton concurrency controller: the
// global transaction registry, lock table, and deadlock detector from the
// design's §4.2, fronted by an HTTP surface and a read-only admin
// console. Flag/env parsing follows the teacher's cmd/server/main.go
// shape: flag.String/Int/Bool overrides layered on top of a config struct.
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

	"github.com/mnohosten/sddms/pkg/admin"
	"github.com/mnohosten/sddms/pkg/config"
	"github.com/mnohosten/sddms/pkg/controller"
	"github.com/mnohosten/sddms/pkg/executor"
	"github.com/mnohosten/sddms/pkg/locking"
	"github.com/mnohosten/sddms/pkg/logging"
	"github.com/mnohosten/sddms/pkg/metrics"
	"github.com/mnohosten/sddms/pkg/replication"
	"github.com/mnohosten/sddms/pkg/rpc"
)

func main() {
	cfg := config.LoadControllerConfigFromEnv()

	host := flag.String("host", cfg.Host, "controller listen host")
	port := flag.Int("port", cfg.Port, "controller listen port")
	deadlockPolicy := flag.String("deadlock-policy", string(cfg.DeadlockPolicy), "abort_requester or periodic_victim")
	sweepInterval := flag.Duration("sweep-interval", cfg.SweepInterval, "periodic_victim sweep interval (validated only; the lock manager sweeps every 100ms)")
	lockWaitTimeout := flag.Duration("lock-wait-timeout", 30*time.Second, "per-waiter lock acquisition timeout")
	metricsPath := flag.String("metrics-path", cfg.MetricsPath, "Prometheus metrics path")
	adminPath := flag.String("admin-path", "/admin/graphql", "read-only GraphQL introspection path")
	adminFeedPath := flag.String("admin-feed-path", "/admin/feed", "WebSocket live wait-for-graph feed path")
	flag.Parse()

	cfg.Host = *host
	cfg.Port = *port
	cfg.DeadlockPolicy = config.DeadlockPolicyName(*deadlockPolicy)
	cfg.SweepInterval = *sweepInterval
	cfg.MetricsPath = *metricsPath

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid controller configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Default("controller")

	policy := locking.AbortRequester
	if cfg.DeadlockPolicy == config.PeriodicVictimPolicy {
		policy = locking.PeriodicVictim
	}
	locks := locking.NewManager(*lockWaitTimeout, policy)
	defer locks.Close()

	ctrl := controller.New(locks, nil, logger)

	coord := replication.NewCoordinator(controllerSiteLister{ctrl}, func(ep replication.SiteEndpoint) replication.PeerClient {
		return executor.NewPeerClient(fmt.Sprintf("http://%s:%d", ep.Host, ep.Port), nil)
	}, logger.With("replication"), 0)
	ctrl.SetReplicator(coord)

	r := rpc.NewRouter(30 * time.Second)
	controller.NewService(ctrl, logger.With("http")).Routes(r)

	exporter := metrics.NewPrometheusExporter(ctrl.Stats(), nil)
	r.Get(*metricsPath, func(w http.ResponseWriter, req *http.Request) {
		_ = exporter.WriteMetrics(w)
	})

	adminHandler, err := admin.NewHandler(admin.NewControllerAdapter(ctrl))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build admin schema: %v\n", err)
		os.Exit(1)
	}
	r.Post(*adminPath, adminHandler.ServeHTTP)
	r.Get(*adminFeedPath, admin.NewFeed(admin.NewControllerAdapter(ctrl), time.Second).ServeHTTP)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info("listening on %s (deadlock policy %s)", addr, cfg.DeadlockPolicy)
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

// controllerSiteLister adapts *controller.Controller's Sites() (returning
// controller.Site) to replication.SiteLister (which wants
// replication.SiteEndpoint), keeping the one-directional dependency
// pkg/replication already relies on: it never imports pkg/controller.
type controllerSiteLister struct {
	ctrl *controller.Controller
}

func (l controllerSiteLister) Sites() []replication.SiteEndpoint {
	sites := l.ctrl.Sites()
	out := make([]replication.SiteEndpoint, len(sites))
	for i, s := range sites {
		out[i] = replication.SiteEndpoint{ID: s.ID, Host: s.Host, Port: s.Port}
	}
	return out
}
