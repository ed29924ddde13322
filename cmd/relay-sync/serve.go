package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relay-sync/internal/clock"
	"relay-sync/internal/config"
	"relay-sync/internal/dispatch"
	"relay-sync/internal/events"
	"relay-sync/internal/gateway"
	"relay-sync/internal/schedule"
	"relay-sync/internal/sink"
	"relay-sync/internal/store"
	"relay-sync/internal/web"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, dispatcher, schedule engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a.cfg, a.logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("relay-sync starting", "version", version)

	st, limited := store.Open(cfg.Store.Path, cfg.Store.OpenTimeout, logger)
	defer st.Close()
	if limited {
		logger.Warn("running in limited mode: registry writes are disabled", "path", cfg.Store.Path)
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	clk := clock.Real()
	bus := events.NewBus(logger)

	gw := gateway.New(gateway.Config{
		PingInterval:          cfg.Gateway.PingInterval,
		OfflineSweepInterval:  cfg.Gateway.OfflineSweepInterval,
		StaleAfter:            cfg.Gateway.StaleAfter,
		StateWindow:           cfg.Gateway.StateWindow,
		StateBurst:            cfg.Gateway.StateBurst,
		WriteTimeout:          cfg.Gateway.WriteTimeout,
		RequireSignatures:     cfg.Security.RequireSignatures,
		AllowInsecureIdentify: cfg.Security.AllowInsecureIdentify,
	}, st, bus, clk, logger)

	disp := dispatch.New(dispatch.Config{
		Cooldown:       cfg.Dispatch.Cooldown,
		ReconcileDelay: cfg.Dispatch.ReconcileDelay,
		FlushDelay:     cfg.Dispatch.FlushDelay,
	}, st, gw, bus, clk, logger)
	gw.SetHooks(disp)

	holidays, closeHolidays, err := newHolidayCalendar(cfg.Schedule, logger)
	if err != nil {
		return err
	}
	defer closeHolidays()

	sched := schedule.New(schedule.Config{
		Location:     loc,
		MotionWindow: cfg.Schedule.MotionWindow,
	}, st, disp, bus, clk, holidays, logger)
	if err := sched.Start(); err != nil {
		logger.Error("start schedule engine", "err", err)
	}

	sinks := startSinks(cfg, bus, logger)

	// MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(st, disp, bus, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithDispatcher(disp),
		web.WithGateway(gw),
		web.WithScheduler(sched),
		web.WithVersion(version),
	}
	if cfg.Server.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Server.APIKey))
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Server.AllowedOrigins))
	}
	webServer := web.NewServer(st, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      webServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	gwCtx, gwCancel := context.WithCancel(ctx)
	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		gw.Run(gwCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
			logger.Error("http server", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	sched.Stop()
	mqtt.Stop()
	gwCancel()
	<-gwDone
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	sinks.Stop()

	logger.Info("goodbye")
	return runErr
}

// newHolidayCalendar combines the configured dates and the optional Lua
// script. The returned close func is always non-nil.
func newHolidayCalendar(cfg config.ScheduleConfig, logger *slog.Logger) (schedule.HolidayCalendar, func(), error) {
	var cals schedule.AnyCalendar
	closeFn := func() {}
	if len(cfg.Holidays) > 0 {
		static, err := schedule.NewStaticCalendar(cfg.Holidays)
		if err != nil {
			return nil, closeFn, fmt.Errorf("schedule.holidays: %w", err)
		}
		cals = append(cals, static)
	}
	if cfg.HolidayScript != "" {
		lc, err := schedule.NewLuaCalendarFile(cfg.HolidayScript, logger)
		if err != nil {
			return nil, closeFn, fmt.Errorf("schedule.holiday_script: %w", err)
		}
		cals = append(cals, lc)
		closeFn = lc.Close
	}
	if len(cals) == 0 {
		return nil, closeFn, nil
	}
	return cals, closeFn, nil
}

type sinkSet struct {
	redis  *sink.Redis
	influx *sink.Influx
	logger *slog.Logger
}

func startSinks(cfg *config.Config, bus *events.Bus, logger *slog.Logger) *sinkSet {
	s := &sinkSet{logger: logger}
	if cfg.Redis.Enabled {
		r, err := sink.NewRedis(sink.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Channel:   cfg.Redis.Channel,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Error("redis sink", "err", err)
		} else {
			r.Start(bus)
			s.redis = r
		}
	}
	if cfg.InfluxDB.Enabled {
		i, err := sink.NewInflux(sink.InfluxConfig{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		}, logger)
		if err != nil {
			logger.Error("influxdb sink", "err", err)
		} else {
			i.Start(bus)
			s.influx = i
		}
	}
	return s
}

func (s *sinkSet) Stop() {
	if s.redis != nil {
		if err := s.redis.Stop(); err != nil {
			s.logger.Warn("redis sink close", "err", err)
		}
	}
	if s.influx != nil {
		s.influx.Stop()
	}
}
