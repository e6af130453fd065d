package cmd

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/urfave/cli"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/broker"
	"github.com/mozilla-services/loadbroker/pkg/cloud"
	"github.com/mozilla-services/loadbroker/pkg/config"
	"github.com/mozilla-services/loadbroker/pkg/containerhost"
	"github.com/mozilla-services/loadbroker/pkg/extension/metrics"
	"github.com/mozilla-services/loadbroker/pkg/httpapi"
	"github.com/mozilla-services/loadbroker/pkg/loader"
	"github.com/mozilla-services/loadbroker/pkg/logging"
	"github.com/mozilla-services/loadbroker/pkg/pool"
	"github.com/mozilla-services/loadbroker/pkg/registry"
	"github.com/mozilla-services/loadbroker/pkg/remoteshell"
	"github.com/mozilla-services/loadbroker/pkg/repository"
)

// ServeCommand is the specification of the `serve` command: it starts the
// long-running broker process (Registry, Pool, Repository, HTTP API), the
// loadbroker analogue of the teacher's `daemon` command.
var ServeCommand = cli.Command{
	Name:   "serve",
	Usage:  "start the broker's long-running orchestration process",
	Action: serveCommand,
}

func serveCommand(c *cli.Context) error {
	ctx, cancel := context.WithCancel(ProcessContext())
	defer cancel()

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}

	repo, err := repository.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	if err := loader.Reconcile(ctx, repo, cfg.InitialStatePath); err != nil {
		return fmt.Errorf("reconciling initial state: %w", err)
	}

	factory := cloud.NewFactory()

	reg, err := registry.New(ctx, factory, cfg.Regions, cfg.ImageOwnerID)
	if err != nil {
		return fmt.Errorf("populating image registry: %w", err)
	}

	p := pool.New(ctx, factory, reg, cfg.Regions, pool.Config{
		BrokerID:      cfg.BrokerID,
		KeyPair:       cfg.KeyPair,
		SecurityGroup: cfg.SecurityGroup,
		StaleAfter:    cfg.StalePending(),
		Workers:       cfg.PoolWorkers,
	})

	host := containerhost.New(cfg.ContainerHostPort)

	var shell api.RemoteShell
	if cfg.SSHPrivateKeyPath != "" {
		key, err := ioutil.ReadFile(cfg.SSHPrivateKeyPath)
		if err != nil {
			return fmt.Errorf("reading ssh private key: %w", err)
		}
		shell, err = remoteshell.New(cfg.SSHUser, key)
		if err != nil {
			return err
		}
	} else {
		logging.S().Warnw("no ssh_private_key_path configured; sysctl tuning and curl-based image import are disabled")
	}

	var exts []api.Extension
	if cfg.MetricsAddr != "" {
		exts = append(exts, metrics.New())
		go func() {
			logging.S().Infow("metrics listening", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				logging.S().Errorw("metrics server stopped", "err", err)
			}
		}()
	}

	b := broker.New(cfg, repo, p, reg, host, shell, exts)

	select {
	case <-p.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := b.Recover(ctx); err != nil {
		return fmt.Errorf("recovering live runs: %w", err)
	}

	srv, err := httpapi.New(cfg.HTTPAddr, b, repo)
	if err != nil {
		return fmt.Errorf("starting http api: %w", err)
	}

	exiting := make(chan struct{})
	defer close(exiting)

	go func() {
		select {
		case <-ctx.Done():
		case <-exiting:
			return
		}

		logging.S().Infow("shutting down")
		b.Shutdown(30 * time.Second)

		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logging.S().Errorw("http api shutdown error", "err", err)
		}
	}()

	err = srv.Serve()
	if err == http.ErrServerClosed {
		err = nil
	}
	return err
}
