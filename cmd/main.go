package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinoosan/workshopsync/internal/broker"
	"github.com/tinoosan/workshopsync/internal/callback"
	"github.com/tinoosan/workshopsync/internal/config"
	"github.com/tinoosan/workshopsync/internal/logging"
	"github.com/tinoosan/workshopsync/internal/metrics"
	"github.com/tinoosan/workshopsync/internal/native/bridge"
	"github.com/tinoosan/workshopsync/internal/poller"
	"github.com/tinoosan/workshopsync/internal/router"
	"github.com/tinoosan/workshopsync/internal/service"
	"github.com/tinoosan/workshopsync/internal/tracker"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a YAML config file",
		EnvVars: []string{"WORKSHOPSYNC_CONFIG_FILE"},
	}
	app := cli.App{
		Name:  "workshopsync",
		Usage: "coordinate workshop subscriptions and track their downloads",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{{
			Name:   "serve",
			Usage:  "run the HTTP API, the callback engine and the progress poller",
			Action: func(ctx *cli.Context) error { return serve(ctx.Context, ctx.String("config")) },
		}, {
			Name:  "config",
			Usage: "validate the effective configuration and print it",
			Action: func(ctx *cli.Context) error {
				c, err := loadConfig(ctx.String("config"))
				if err != nil {
					return err
				}
				c.APIToken, c.BridgeSecret = redact(c.APIToken), redact(c.BridgeSecret)
				out, err := yaml.Marshal(c)
				if err != nil {
					return fmt.Errorf("marshaling config: %w", err)
				}
				_, err = os.Stdout.Write(out)
				return err
			},
		}},
		Action: func(ctx *cli.Context) error { return serve(ctx.Context, ctx.String("config")) },
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func serve(parent context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(os.Stdout, logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	metrics.Register()

	events := broker.New(logger)
	tr := tracker.New(logger, events)

	client, err := bridge.New(logger, bridge.Config{
		URL:     cfg.BridgeURL,
		Secret:  cfg.BridgeSecret,
		Timeout: cfg.BridgeTimeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("creating bridge client: %w", err)
	}

	// an explicit zero in the config disables the pause between calls
	callDelay := cfg.CallDelay.Std()
	if callDelay == 0 {
		callDelay = -1
	}
	engine := callback.New(logger, client, tr, callback.Options{
		PumpInterval:     cfg.PumpInterval.Std(),
		CallDelay:        callDelay,
		OperationTimeout: cfg.OperationTimeout.Std(),
		DefaultTimeout:   cfg.DefaultTimeout.Std(),
	})
	poll := poller.New(logger, client, tr, poller.Options{Interval: cfg.PollInterval.Std()})
	svc := service.NewDownload(logger, tr, engine)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.New(logger, svc, events, client, cfg.APIToken),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	poll.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error {
		logger.Info("starting workshopsync API", "addr", server.Addr, "bridge", client.BaseURL().String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
		defer cancel()
		err := server.Shutdown(sctx)
		poll.Stop()
		svc.Shutdown(sctx)
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("workshopsync exited", "err", err)
		return err
	}
	logger.Info("workshopsync stopped")
	return nil
}
