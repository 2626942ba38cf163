package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/tdmcore/internal/api"
	"github.com/flowpbx/tdmcore/internal/cdr"
	"github.com/flowpbx/tdmcore/internal/config"
	"github.com/flowpbx/tdmcore/internal/database"
	"github.com/flowpbx/tdmcore/internal/database/pgarchive"
	_ "github.com/flowpbx/tdmcore/internal/driver/soft"
	"github.com/flowpbx/tdmcore/internal/metrics"
	"github.com/flowpbx/tdmcore/internal/signaling/clear"
	"github.com/flowpbx/tdmcore/internal/sipgw"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		slog.Error("tdmcore failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	startTime := time.Now()

	logger.Info("starting tdmcore",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"spans", len(cfg.Spans),
	)

	db, err := database.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	spanConfig, err := database.NewSpanConfigRepository(appCtx, db)
	if err != nil {
		return fmt.Errorf("loading span config: %w", err)
	}
	cdrs := database.NewCDRRepository(db)

	var archive cdr.Archiver
	if cfg.CDRPostgresURL != "" {
		host, _ := os.Hostname()
		pg, err := pgarchive.New(appCtx, cfg.CDRPostgresURL, host, logger)
		if err != nil {
			return fmt.Errorf("opening cdr archive: %w", err)
		}
		defer pg.Close()
		archive = pg
	}
	recorder := cdr.New(cdrs, archive, logger)

	reg := tdm.NewRegistry(
		tdm.WithLogger(logger),
		tdm.WithLimits(cfg.MaxSpans, cfg.MaxChannels, cfg.MaxGroups),
		tdm.WithMaxCalls(cfg.MaxCalls),
		tdm.WithCrashPolicy(cfg.CrashPolicy),
		tdm.WithSafetyHangup(cfg.SafetyHangup),
		tdm.WithCallRate(cfg.CallRate, cfg.CallBurst),
	)
	defer reg.Close()

	var gw *sipgw.Server
	if cfg.SIPEnabled() {
		gw, err = sipgw.NewServer(cfg, reg, logger)
		if err != nil {
			return fmt.Errorf("creating sip gateway: %w", err)
		}
	}

	signals := tdm.ChainSignals(recorder.Signal)
	if gw != nil {
		signals = tdm.ChainSignals(recorder.Signal, gw.Signal)
	}
	if err := buildSpans(appCtx, cfg, reg, spanConfig, signals, logger); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	var sessions metrics.SessionCounter
	if gw != nil {
		sessions = gw
	}
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(reg, cdrs, recorder, sessions, startTime, logger),
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return fmt.Errorf("jwt secret: %w", err)
	}
	if cfg.APIPasswordHash == "" {
		logger.Warn("no api password hash configured, api mutations are disabled")
	}

	deps := api.Deps{
		Registry:   reg,
		CDRs:       cdrs,
		SpanConfig: spanConfig,
		Config:     cfg,
		JWTSecret:  jwtSecret,
		Metrics:    promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Logger:     logger,
	}
	if gw != nil {
		deps.Sessions = gw
	}
	handler := api.NewServer(deps)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if gw != nil {
		if err := gw.Start(); err != nil {
			return fmt.Errorf("starting sip gateway: %w", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if gw != nil {
		gw.Stop()
	}
	for _, span := range reg.Spans() {
		if err := span.Stop(); err != nil && !errors.Is(err, tdm.ErrAlready) {
			logger.Warn("stopping span", "span", span.Name(), "error", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("tdmcore stopped", "cdrs_written", recorder.Finished(), "cdr_failures", recorder.Failed())
	return runErr
}

// buildSpans creates every configured span, applies its stored driver
// parameters, fills the hunt groups and starts signaling.
func buildSpans(ctx context.Context, cfg *config.Config, reg *tdm.Registry, params database.SpanConfigRepository, signals tdm.SignalCallback, logger *slog.Logger) error {
	for _, def := range cfg.Spans {
		span, err := reg.CreateSpan(def.Driver, def.Name)
		if err != nil {
			return fmt.Errorf("creating span %s: %w", def.Name, err)
		}
		stored, err := params.Params(ctx, def.Name)
		if err != nil {
			return fmt.Errorf("loading params for span %s: %w", def.Name, err)
		}
		merged := make(map[string]string, len(stored)+1)
		for k, v := range stored {
			merged[k] = v
		}
		merged["channels"] = strconv.Itoa(def.Channels)
		if err := span.Configure(ctx, merged); err != nil {
			return fmt.Errorf("configuring span %s: %w", def.Name, err)
		}
		if err := span.ConfigureSignaling(clear.New(logger), signals); err != nil {
			return fmt.Errorf("configuring signaling on span %s: %w", def.Name, err)
		}
	}

	for _, g := range cfg.Groups {
		span, err := reg.SpanByName(g.Span)
		if err != nil {
			return fmt.Errorf("group %s: %w", g.Group, err)
		}
		for id := g.First; id <= g.Last; id++ {
			ch, err := span.Channel(id)
			if err != nil {
				return fmt.Errorf("group %s: %w", g.Group, err)
			}
			if _, err := reg.AddToGroup(g.Group, ch); err != nil {
				return fmt.Errorf("adding %s:%d to group %s: %w", g.Span, id, g.Group, err)
			}
		}
		logger.Info("hunt group members added", "group", g.Group, "span", g.Span, "first", g.First, "last", g.Last)
	}

	for _, span := range reg.Spans() {
		if err := span.Start(); err != nil {
			return fmt.Errorf("starting span %s: %w", span.Name(), err)
		}
		logger.Info("span started", "span", span.Name(), "channels", span.ChanCount(), "signaling", span.SignalingName())
	}
	return nil
}
