package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/crewflow/internal/api"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/notify"
	"github.com/rendis/crewflow/internal/scheduler"
	"github.com/rendis/crewflow/pkg/schema"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scheduler and the notifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(sctx); err != nil {
			a.logger.Error("shutdown", "error", err)
		}
	}()

	if changed := diffConfigs(defaultConfig(), cfg); len(changed) > 0 {
		a.logger.Info("configuration differs from defaults", "keys", strings.Join(changed, ","))
	}

	sched, err := scheduler.New(cfg.Schedule, a.catalog, a.engine, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	senders, err := buildSenders(cfg.Notify)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	var on []schema.WorkflowStatus
	for _, s := range cfg.Notify.On {
		on = append(on, schema.WorkflowStatus(strings.TrimSpace(s)))
	}
	notifier := notify.New(a.bus, notify.Config{On: on}, a.logger, senders...)

	handler := api.NewServer(api.Deps{
		Engine:    a.engine,
		Catalog:   a.catalog,
		Metrics:   a.metrics,
		Scheduler: sched,
		Logger:    a.logger,
		Version:   version,
	}).Handler()
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.engine.Shutdown(sctx); err != nil {
			a.logger.Warn("engine shutdown", "error", err)
		}
		// Firehose streams only end with the bus.
		a.bus.Close()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error {
		reloadOnHangup(gctx, a, opts)
		return nil
	})

	a.logger.Info("crewflow serving",
		"schedules", len(cfg.Schedule),
		"notifiers", strings.Join(notifier.Senders(), ","),
	)
	return g.Wait()
}

func buildSenders(cfg NotifyConfig) ([]notify.Sender, error) {
	var senders []notify.Sender
	if cfg.TelegramToken != "" {
		t, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		senders = append(senders, t)
	}
	if cfg.DiscordToken != "" {
		d, err := notify.NewDiscord(cfg.DiscordToken, cfg.DiscordChannel)
		if err != nil {
			return nil, err
		}
		senders = append(senders, d)
	}
	return senders, nil
}

// reloadOnHangup re-reads the configuration on SIGHUP. The log level applies
// immediately; other changes are reported as needing a restart.
func reloadOnHangup(ctx context.Context, a *app, opts *rootOptions) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	current := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := loadConfig(loadOptions{SettingsPath: opts.settingsPath, EnvFile: opts.envFile})
		if err != nil {
			a.logger.Error("reload configuration", "error", err)
			continue
		}
		changed := diffConfigs(current, next)
		if next.LogLevel != current.LogLevel {
			a.level.Set(logging.ParseLevel(next.LogLevel))
		}
		a.logger.Info("configuration reloaded",
			"changed", strings.Join(changed, ","),
			"restart_required", strings.Join(restartRequired(changed), ","),
		)
		current = next
	}
}
