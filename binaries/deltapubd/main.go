package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deltapub/deltapub/common/endpoints"
	"github.com/deltapub/deltapub/common/log/hooks"
	"github.com/deltapub/deltapub/common/stats"
	"github.com/deltapub/deltapub/config"
	"github.com/deltapub/deltapub/deltas"
	"github.com/deltapub/deltapub/deltas/protocol"
	"github.com/deltapub/deltapub/executor"
	"github.com/deltapub/deltapub/shutdown"
)

// Publishing service: executes jobs from the store and hands delta
// computations to remote workers.
//	Flags:
//		--config [preset name, JSON object or file; see config.PresetNames()]
//		--admin_addr [<host:port> overriding Admin.Addr]
//		--log_level [<error|info|debug> level and above should be logged]
//	SIGTERM drains gracefully, SIGINT and SIGQUIT stop quickly.

func main() {
	log.AddHook(hooks.NewContextHook())

	var configFlag, adminAddr, logLevel string
	cmd := &cobra.Command{
		Use:          "deltapubd",
		Short:        "deltapubd executes publishing jobs and serves delta workers",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)

			cfg, err := config.GetConfig(configFlag)
			if err != nil {
				return err
			}
			if adminAddr != "" {
				cfg.Admin.Addr = adminAddr
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configFlag, "config", "local.memory", "config preset, JSON or file")
	cmd.Flags().StringVar(&adminAddr, "admin_addr", "", "admin and worker http address")
	cmd.Flags().StringVar(&logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")

	if err := cmd.Execute(); err != nil {
		log.Fatal("error running deltapubd: ", err)
	}
}

func serve(cfg *config.ServiceConfig) error {
	log.Infof("deltapubd config: %s", cfg)
	ctx := context.Background()
	stat := endpoints.MakeStatsReceiver("deltapubd").Precision(time.Millisecond)

	st, err := cfg.Store.Open(ctx)
	if err != nil {
		return errors.Wrap(err, "opening job store")
	}
	defer st.Close()

	backend, err := cfg.Repo.Create()
	if err != nil {
		return err
	}

	gen := deltas.NewGenerator(cfg.Deltas.GeneratorConfig(), backend, stat)
	ex, err := executor.New(cfg.Executor.ExecutorConfig(cfg.Repo.Root), st, backend, gen, stat)
	if err != nil {
		gen.Stop(ctx)
		return err
	}
	n, err := ex.Recover(ctx)
	if err != nil {
		gen.Stop(ctx)
		return errors.Wrap(err, "recovering jobs of previous incarnations")
	}
	log.Infof("requeued %d jobs of previous incarnations", n)
	if err := ex.Start(ctx); err != nil {
		gen.Stop(ctx)
		return err
	}

	var stopping int32
	workers := protocol.NewHandler(gen.WorkerConnected)
	workerHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&stopping) != 0 {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		workers.ServeHTTP(w, r)
	})
	health := func() error {
		if atomic.LoadInt32(&stopping) != 0 {
			return errors.New("shutting down")
		}
		select {
		case <-gen.Done():
			return errors.New("delta generator stopped")
		case <-ex.Done():
			return errors.New("executor stopped")
		default:
			return nil
		}
	}
	admin := endpoints.NewAdminServer(endpoints.Addr(cfg.Admin.Addr), stat, health,
		map[string]http.Handler{cfg.Admin.WorkerPath: workerHandler})

	uptimeDone := make(chan struct{})
	defer close(uptimeDone)
	go stats.StartUptimeReporting(stat, stats.ServiceUptime_ms, uptimeDone)

	coord := shutdown.New(cfg.Shutdown.CoordinatorConfig(), shutdown.Steps{
		StopAcceptance: func(context.Context, bool) error {
			atomic.StoreInt32(&stopping, 1)
			return nil
		},
		DeltaGenerator: func(ctx context.Context, _ bool) error {
			return gen.Stop(ctx)
		},
		JobExecutor: ex.Stop,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := admin.Serve(); err != nil {
			log.Errorf("admin server failed, shutting down: %v", err)
			cancel()
		}
	}()

	reason := coord.Run(runCtx)
	log.Infof("deltapubd stopped by %s", reason)

	sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
	defer scancel()
	return admin.Shutdown(sctx)
}
