package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vllm-tools/pdsched/internal/client"
	"github.com/vllm-tools/pdsched/internal/config"
	"github.com/vllm-tools/pdsched/internal/logx"
	"github.com/vllm-tools/pdsched/internal/metrics"
	"github.com/vllm-tools/pdsched/internal/pool"
	"github.com/vllm-tools/pdsched/internal/sched"
	"github.com/vllm-tools/pdsched/internal/server"
	"github.com/vllm-tools/pdsched/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	cfg.SetDefaults()
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "pdsched version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("pdsched version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
		// Environment variables and flags take precedence over the file.
		cfg.ApplyEnv()
		_ = flag.CommandLine.Parse(os.Args[1:])
	}
	if !strings.Contains(cfg.MetricsAddr, ":") {
		cfg.MetricsAddr = ":" + cfg.MetricsAddr
	}
	logx.Configure(cfg.LogLevel)

	if !cfg.Enabled {
		logx.Log.Warn().Msg("scheduler disabled by configuration; exiting")
		return
	}

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}

	cl := client.NewHTTP(client.DefaultTimeout)
	s := sched.New(sched.Options{
		Strategy:              pool.Strategy(cfg.Strategy),
		MaxQueueSize:          cfg.MaxQueueSize,
		MaxQueueSizeSet:       true,
		DefaultRequestTimeout: cfg.DefaultRequestTimeout,
		DispatchInterval:      cfg.DispatchInterval,
		HealthCheckInterval:   cfg.HealthCheckInterval,
		WorkerTimeout:         cfg.WorkerTimeout,
		TransferMaxConcurrent: cfg.KVTransfer.MaxConcurrent,
		TransferTimeout:       cfg.KVTransfer.Timeout,
	}, cl)
	s.Pool().SetWeights(pool.Weights{
		Load:        cfg.Weights.Load,
		Utilization: cfg.Weights.Utilization,
		Staleness:   cfg.Weights.Staleness,
	})
	for _, seed := range cfg.Workers {
		s.Pool().Register(pool.Seed{
			ID:             seed.ID,
			Endpoint:       seed.Endpoint,
			Role:           pool.Role(seed.Role),
			ModelID:        seed.ModelID,
			MaxConcurrency: seed.MaxConcurrency,
		})
	}
	s.Start()

	handler := server.New(cfg, s)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			s.Stop()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go func(d time.Duration) {
				time.Sleep(d)
				if serverstate.IsDraining() {
					logx.Log.Warn().Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(cfg.DrainTimeout)
		}
	}()
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Fatal().Err(err).Msg("metrics server")
			}
		}()
	}

	serverstate.SetStatus("ready")
	logx.Log.Info().Int("port", cfg.Port).Str("strategy", cfg.Strategy).Int("workers", len(cfg.Workers)).Msg("pdsched listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server")
	}

	s.Stop()
	serverstate.SetStatus("stopped")
	logx.Log.Info().Msg("pdsched stopped")
}
