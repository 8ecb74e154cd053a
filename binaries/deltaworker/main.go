package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/deltapub/deltapub/common/endpoints"
	"github.com/deltapub/deltapub/common/log/hooks"
	"github.com/deltapub/deltapub/config"
	"github.com/deltapub/deltapub/deltas/worker"
)

// Remote delta worker. Connects to a deltapubd and computes the deltas it
// is handed against a local copy of the repositories.
//	Flags:
//		--url [ws://<deltapubd admin addr>/deltas/worker]
//		--name [announced worker name, defaults to <hostname>-<uuid>]
//		--codec [json|msgpack]
//		--config [config whose Repo section locates the repositories]
//		--admin_addr [<host:port> to serve health and stats on, off when empty]
//		--log_level [<error|info|debug> level and above should be logged]

func main() {
	log.AddHook(hooks.NewContextHook())

	var cfg worker.Config
	var configFlag, adminAddr, logLevel string
	cmd := &cobra.Command{
		Use:          "deltaworker",
		Short:        "deltaworker computes static deltas for a deltapubd",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)

			svc, err := config.GetConfig(configFlag)
			if err != nil {
				return err
			}
			backend, err := svc.Repo.Create()
			if err != nil {
				return err
			}

			stat := endpoints.MakeStatsReceiver("deltaworker").Precision(time.Millisecond)
			w, err := worker.New(cfg, backend, stat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
			defer stop()

			if adminAddr != "" {
				admin := endpoints.NewAdminServer(endpoints.Addr(adminAddr), stat, nil, nil)
				go func() {
					if err := admin.Serve(); err != nil {
						log.Errorf("admin server: %v", err)
					}
				}()
				defer admin.Shutdown(context.Background())
			}

			log.Infof("worker %s serving %s", w.Name(), cfg.URL)
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&cfg.URL, "url", "ws://localhost:9091/deltas/worker", "generator endpoint")
	cmd.Flags().StringVar(&cfg.Name, "name", "", "worker name")
	cmd.Flags().StringVar(&cfg.Codec, "codec", "json", "wire codec (json|msgpack)")
	cmd.Flags().DurationVar(&cfg.MaxBackoff, "max_backoff", worker.DefaultMaxBackoff, "longest wait between reconnects")
	cmd.Flags().StringVar(&configFlag, "config", "local.sqlite", "config preset, JSON or file")
	cmd.Flags().StringVar(&adminAddr, "admin_addr", "", "health and stats http address")
	cmd.Flags().StringVar(&logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")

	if err := cmd.Execute(); err != nil {
		log.Fatal("error running deltaworker: ", err)
	}
}
