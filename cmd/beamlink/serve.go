package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/beamlink/internal/config"
	"github.com/ricochet1k/beamlink/internal/logging"
	"github.com/ricochet1k/beamlink/internal/pairing"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the companion HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "127.0.0.1:8787", "listen address")
	_ = c.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func (c *cli) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	log := logging.Component(c.logger, "serve")

	a, err := newApp(c.cfg, c.logger, c.ring)
	if err != nil {
		return err
	}
	defer a.Close()

	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return err
	}
	if host, _, err := net.SplitHostPort(c.cfg.Listen); err == nil {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			log.WithField("listen", c.cfg.Listen).Warn("listening on a non-loopback address; operator routes still require a local peer")
		}
	}

	config.Watch(c.v, func(cfg *config.Config) {
		if err := logging.SetLevel(c.logger, cfg.Log.Level); err != nil {
			log.WithError(err).Warn("ignoring invalid log level from config change")
			return
		}
		log.WithField("level", cfg.Log.Level).Info("config reloaded")
	}, func(err error) {
		log.WithError(err).Warn("config change rejected")
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Handler:           a.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"listen":   ln.Addr().String(),
			"simulate": c.cfg.Simulate,
			"data_dir": c.cfg.DataDir,
		}).Info("beamlink listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.broker.Run(gctx, pairing.DefaultSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		// Event streams block on their observers; drop them first so
		// Shutdown does not wait on open SSE connections.
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
