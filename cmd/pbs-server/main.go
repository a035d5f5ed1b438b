// Command pbs-server wires the privacy budget service together: the
// async executor, operation dispatcher, durable journal and checkpoint
// cycle, budget ledger, partition lease manager, transaction coordinator,
// and the HTTP/2 request pipeline that fronts it all.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/privacysandbox/pbs/pkg/asyncexec"
	"github.com/privacysandbox/pbs/pkg/budget"
	"github.com/privacysandbox/pbs/pkg/dispatcher"
	"github.com/privacysandbox/pbs/pkg/httpserver"
	"github.com/privacysandbox/pbs/pkg/journal"
	"github.com/privacysandbox/pbs/pkg/lease"
	"github.com/privacysandbox/pbs/pkg/pbsconfig"
	"github.com/privacysandbox/pbs/pkg/pbsdb"
	"github.com/privacysandbox/pbs/pkg/pbslog"
	"github.com/privacysandbox/pbs/pkg/routing"
	"github.com/privacysandbox/pbs/pkg/transaction"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a pbs-server JSON config file")
		dataDir    = flag.String("data", "./pbs-data", "local data directory for bbolt-backed journal/lease stores")
		pgDSN      = flag.String("postgres", "", "Postgres connection string; local bbolt stores are used when empty")
	)
	flag.Parse()

	cfg, err := pbsconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pbs-server: %v\n", err)
		os.Exit(1)
	}

	log := pbslog.New(pbslog.DefaultConfig())
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Errorf("create data dir: %v", err)
		os.Exit(1)
	}

	executor, err := asyncexec.New(asyncexec.Config{
		ThreadCount:   cfg.AsyncExecutorThreadsCount,
		QueueCap:      cfg.AsyncExecutorQueueSize,
		LoadBalancing: asyncexec.RoundRobinPerThread,
	})
	if err != nil {
		log.Errorf("create async executor: %v", err)
		os.Exit(1)
	}
	if err := executor.Run(); err != nil {
		log.Errorf("start async executor: %v", err)
		os.Exit(1)
	}
	defer executor.Stop()

	disp := dispatcher.New(executor, dispatcher.RetryStrategy{
		Policy:     dispatcher.Exponential,
		DelayMS:    50,
		MaxRetries: 5,
	})

	var (
		journalStore    journal.Store
		checkpointStore journal.CheckpointStore
		ledger          budget.Ledger
		leaseStore      lease.Store
		closeStores     []func() error
	)

	if *pgDSN != "" {
		pool, err := pbsdb.Connect(context.Background(), pbsdb.Config{
			ConnectionString: *pgDSN,
			MaxConnections:   20,
			ConnectTimeout:   10 * time.Second,
			MigrationsPath:   "file://pkg/pbsdb/migrations",
		})
		if err != nil {
			log.Errorf("connect postgres: %v", err)
			os.Exit(1)
		}
		if err := pool.Migrate(); err != nil {
			log.Errorf("run migrations: %v", err)
			os.Exit(1)
		}
		journalStore = journal.NewPostgresStore(pool.Pool, cfg.JournalServicePartitionName)
		checkpointStore = journal.NewPostgresCheckpointStore(pool.Pool, cfg.JournalServicePartitionName)
		ledger = budget.NewPostgresLedger(pool.Pool, 1<<16)
		closeStores = append(closeStores, func() error { pool.Close(); return nil })
	} else {
		boltPath := *dataDir + "/journal.db"
		store, err := journal.OpenBoltStore(boltPath)
		if err != nil {
			log.Errorf("open journal store: %v", err)
			os.Exit(1)
		}
		journalStore = store
		checkpointStore, err = journal.OpenBoltCheckpointStore(store.DB())
		if err != nil {
			log.Errorf("open checkpoint store: %v", err)
			os.Exit(1)
		}
		ledger = budget.NewMemoryLedger(1 << 16)
		closeStores = append(closeStores, store.Close)

		leaseDB, err := lease.OpenBoltStore(*dataDir + "/lease.db")
		if err != nil {
			log.Errorf("open lease store: %v", err)
			os.Exit(1)
		}
		leaseStore = leaseDB
		closeStores = append(closeStores, leaseDB.Close)
	}
	defer func() {
		for _, closeFn := range closeStores {
			_ = closeFn()
		}
	}()

	j, err := journal.New(context.Background(), journalStore)
	if err != nil {
		log.Errorf("init journal: %v", err)
		os.Exit(1)
	}

	coordinator := transaction.NewCoordinator(transaction.Config{
		MaxConcurrentTransactions: cfg.TransactionManagerCapacity,
	}, disp, j, ledger, log)

	checkpointSvc := journal.NewCheckpointService(journal.CheckpointConfig{
		Interval: 5 * time.Minute,
	}, j, checkpointStore, coordinator, log)

	if leaseStore != nil {
		leaseCfg := lease.Config{
			LockID:        cfg.PartitionLockTableName,
			OwnerID:       cfg.PBSHostAddress,
			OwnerEndpoint: fmt.Sprintf("%s:%d", cfg.PBSHostAddress, cfg.PBSHostPort),
			LeaseDuration: 30 * time.Second,
		}
		loader := &coordinatorPartitionLoader{coordinator: coordinator, checkpoints: checkpointSvc}
		sink := lease.NewEventSink(loader, executor, leaseCfg.LeaseDuration, func() {
			log.Errorf("partition unload failed after release, aborting")
			os.Exit(1)
		}, log)
		leaseManager := lease.NewManager(leaseCfg, leaseStore, sink.Handle, log)
		leaseManager.Run()
		defer leaseManager.Stop()
	} else {
		coordinator.Start()
		checkpointSvc.Run()
		defer checkpointSvc.Stop()
	}

	reg := prometheus.NewRegistry()
	metrics := httpserver.NewMetrics(reg)

	routes := routing.NewTable(cfg.HTTPServerRequestRoutingEnabled, cfg.RemotePBSHostAddress)
	endpoints := httpserver.NewTransactionEndpoints(coordinator, 5*time.Minute, time.Hour)
	endpoints.RegisterRoutes(routes)

	authorizer := httpserver.AuthorizerFunc(newAuthAuthorizer(cfg.AuthServiceEndpoint))
	pipeline := httpserver.NewPipeline(httpserver.Config{AuthExpiry: 2 * time.Second}, routes, disp, authorizer, metrics, log)

	server, err := httpserver.NewServer(httpserver.ServerConfig{
		Address: fmt.Sprintf("%s:%d", cfg.PBSHostAddress, cfg.PBSHostPort),
	}, pipeline, log)
	if err != nil {
		log.Errorf("create http server: %v", err)
		os.Exit(1)
	}

	go runHealthServer(cfg.PBSHealthPort, reg, log)

	watcher, err := pbsconfig.WatchFile(*configPath)
	if err != nil {
		log.Warnf("config hot-reload disabled: %v", err)
	} else {
		go watchConfig(watcher, log)
		defer watcher.Stop()
	}

	go func() {
		log.Infof("pbs-server listening on %s:%d", cfg.PBSHostAddress, cfg.PBSHostPort)
		if err := server.Run(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}
	if err := coordinator.Stop(shutdownCtx); err != nil {
		log.Errorf("coordinator drain: %v", err)
	}
}

// coordinatorPartitionLoader adapts the transaction coordinator's
// Start/Stop and checkpoint replay into the lease package's
// PartitionLoader contract, so a lease Acquired transition hosts this
// partition's coordinator and a Released/Lost transition evicts it.
type coordinatorPartitionLoader struct {
	coordinator *transaction.Coordinator
	checkpoints *journal.CheckpointService
}

func (l *coordinatorPartitionLoader) Load() error {
	if err := l.coordinator.Replay(context.Background()); err != nil {
		return err
	}
	l.coordinator.Start()
	l.checkpoints.Run()
	return nil
}

func (l *coordinatorPartitionLoader) Unload() error {
	l.checkpoints.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return l.coordinator.Stop(ctx)
}

func runHealthServer(port int, reg *prometheus.Registry, log *pbslog.Logger) {
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Errorf("health server stopped: %v", err)
	}
}

func watchConfig(w *pbsconfig.Watcher, log *pbslog.Logger) {
	for {
		select {
		case cfg, ok := <-w.Updates():
			if !ok {
				return
			}
			log.Infof("config reloaded: transaction_manager_capacity=%d", cfg.TransactionManagerCapacity)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			log.Warnf("config reload failed, keeping previous config: %v", err)
		}
	}
}
