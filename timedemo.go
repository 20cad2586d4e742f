// Cristian clock-sync demo

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/cristian-time/base/timebase"
	"example.com/cristian-time/base/timemath"

	"example.com/cristian-time/benchmark"

	"example.com/cristian-time/core/relay"
	"example.com/cristian-time/core/server"
	"example.com/cristian-time/core/sync"
	"example.com/cristian-time/core/trace"

	"example.com/cristian-time/driver/clocks"
)

const (
	logLevelQuiet = iota
	logLevelDefault
	logLevelVerbose
)

type svcConfig struct {
	LocalAddr         string  `toml:"local_address,omitempty"`
	LocalMetricsAddr  string  `toml:"local_metrics_address,omitempty"`
	AuthorityAddr     string  `toml:"authority_address,omitempty"`
	RelayAddr         string  `toml:"relay_address,omitempty"`
	NumListener       int     `toml:"num_listeners,omitempty"`
	MinDelay          float64 `toml:"min_delay,omitempty"` // seconds
	MaxDelay          float64 `toml:"max_delay,omitempty"` // seconds
	RunDuration       int     `toml:"run_duration,omitempty"` // seconds
	EpsilonMax        float64 `toml:"epsilon_max,omitempty"`  // seconds
	DriftRatio        float64 `toml:"drift_ratio,omitempty"`  // unitless, may be negative
	SyncTimeout       float64 `toml:"sync_timeout,omitempty"` // seconds
	PollInterval      float64 `toml:"poll_interval,omitempty"` // seconds
	OutputFile        string  `toml:"output_file,omitempty"`
	BenchmarkClients  int     `toml:"benchmark_clients,omitempty"`
	BenchmarkRequests int     `toml:"benchmark_requests,omitempty"`
}

func initLogger(logLevel int) *zap.Logger {
	if logLevel == logLevelQuiet {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	if logLevel == logLevelVerbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(log)
	return log
}

func showInfo() {
	bi, ok := debug.ReadBuildInfo()
	if ok {
		fmt.Print(bi.String())
	}
}

func loadConfig(configFile string, log *zap.Logger) svcConfig {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	var cfg svcConfig
	err = toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		log.Fatal("failed to decode configuration", zap.Error(err))
	}
	return cfg
}

func localAddress(cfg svcConfig, log *zap.Logger) string {
	if cfg.LocalAddr == "" {
		log.Fatal("local_address not specified in config")
	}
	return cfg.LocalAddr
}

func authorityAddress(cfg svcConfig, log *zap.Logger) string {
	if cfg.AuthorityAddr == "" {
		log.Fatal("authority_address not specified in config")
	}
	return cfg.AuthorityAddr
}

func relayAddress(cfg svcConfig, log *zap.Logger) string {
	if cfg.RelayAddr == "" {
		log.Fatal("relay_address not specified in config")
	}
	return cfg.RelayAddr
}

func runDuration(cfg svcConfig, log *zap.Logger) int {
	if cfg.RunDuration <= 0 {
		log.Fatal("invalid run_duration value specified in config")
	}
	return cfg.RunDuration
}

func epsilonMax(cfg svcConfig, log *zap.Logger) float64 {
	if cfg.EpsilonMax <= 0 {
		log.Fatal("invalid epsilon_max value specified in config")
	}
	return cfg.EpsilonMax
}

func delayBounds(cfg svcConfig, log *zap.Logger) (lo, hi float64) {
	if cfg.MinDelay < 0 || cfg.MaxDelay < cfg.MinDelay {
		log.Fatal("invalid delay bounds specified in config")
	}
	return cfg.MinDelay, cfg.MaxDelay
}

func outputFile(cfg svcConfig) string {
	if cfg.OutputFile == "" {
		return "output.csv"
	}
	return cfg.OutputFile
}

func runMonitor(cfg svcConfig, log *zap.Logger) {
	if cfg.LocalMetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		err := http.ListenAndServe(cfg.LocalMetricsAddr, nil)
		log.Fatal("failed to serve metrics", zap.Error(err))
	}
}

func runAuthority(configFile string, log *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := loadConfig(configFile, log)
	timebase.RegisterClock(clocks.NewSystemClock(log))

	srv := &server.Server{
		Log:        log,
		ListenAddr: localAddress(cfg, log),
		Workers:    cfg.NumListener,
	}
	err := srv.Start()
	if err != nil {
		log.Fatal("failed to start authority", zap.Error(err))
	}
	go runMonitor(cfg, log)

	<-ctx.Done()
	srv.Shutdown()
}

func runRelay(configFile string, log *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := loadConfig(configFile, log)
	timebase.RegisterClock(clocks.NewSystemClock(log))
	lo, hi := delayBounds(cfg, log)

	rly := &relay.Relay{
		Log:           log,
		ListenAddr:    localAddress(cfg, log),
		AuthorityAddr: authorityAddress(cfg, log),
		MinDelay:      timemath.Duration(lo),
		MaxDelay:      timemath.Duration(hi),
		Workers:       cfg.NumListener,
	}
	err := rly.Start()
	if err != nil {
		log.Fatal("failed to start relay", zap.Error(err))
	}
	go runMonitor(cfg, log)

	<-ctx.Done()
	rly.Shutdown()
}

func runClient(configFile string, log *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := loadConfig(configFile, log)
	clk := clocks.NewDriftClock(log, cfg.DriftRatio)
	timebase.RegisterClock(clk)

	rec, err := trace.NewCSVRecorder(outputFile(cfg))
	if err != nil {
		log.Fatal("failed to create trace file", zap.Error(err))
	}
	go runMonitor(cfg, log)

	sched := sync.NewScheduler(log, sync.Config{
		EpsilonMax:   epsilonMax(cfg, log),
		RunDuration:  timemath.Duration(float64(runDuration(cfg, log))),
		RelayAddr:    relayAddress(cfg, log),
		PollInterval: timemath.Duration(cfg.PollInterval),
		Timeout:      timemath.Duration(cfg.SyncTimeout),
	}, clk, rec)

	err = sched.Run(ctx)
	if err != nil {
		log.Error("trace recording failed", zap.Error(err))
	}
	err = rec.Close()
	if err != nil {
		log.Error("failed to close trace file", zap.Error(err))
	}
	log.Info("wrote trace", zap.String("path", outputFile(cfg)))
}

func runBenchmark(configFile string, log *zap.Logger) {
	cfg := loadConfig(configFile, log)
	timebase.RegisterClock(clocks.NewSystemClock(zap.NewNop()))
	benchmark.Run(relayAddress(cfg, log),
		cfg.BenchmarkClients, cfg.BenchmarkRequests, log)
}

func exitWithUsage() {
	fmt.Println("<usage>")
	os.Exit(1)
}

func main() {
	var (
		quiet      bool
		verbose    bool
		configFile string
	)

	infoFlags := flag.NewFlagSet("info", flag.ExitOnError)
	authorityFlags := flag.NewFlagSet("authority", flag.ExitOnError)
	relayFlags := flag.NewFlagSet("relay", flag.ExitOnError)
	clientFlags := flag.NewFlagSet("client", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	authorityFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	authorityFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	authorityFlags.StringVar(&configFile, "config", "", "Config file")

	relayFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	relayFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	relayFlags.StringVar(&configFile, "config", "", "Config file")

	clientFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	clientFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	clientFlags.StringVar(&configFile, "config", "", "Config file")

	benchmarkFlags.BoolVar(&quiet, "quiet", false, "Disable logging")
	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&configFile, "config", "", "Config file")

	logLevel := func() int {
		if quiet && verbose {
			exitWithUsage()
		}
		if quiet {
			return logLevelQuiet
		}
		if verbose {
			return logLevelVerbose
		}
		return logLevelDefault
	}

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case infoFlags.Name():
		err := infoFlags.Parse(os.Args[2:])
		if err != nil || infoFlags.NArg() != 0 {
			exitWithUsage()
		}
		showInfo()
	case authorityFlags.Name():
		err := authorityFlags.Parse(os.Args[2:])
		if err != nil || authorityFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		runAuthority(configFile, initLogger(logLevel()))
	case relayFlags.Name():
		err := relayFlags.Parse(os.Args[2:])
		if err != nil || relayFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		runRelay(configFile, initLogger(logLevel()))
	case clientFlags.Name():
		err := clientFlags.Parse(os.Args[2:])
		if err != nil || clientFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		runClient(configFile, initLogger(logLevel()))
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		runBenchmark(configFile, initLogger(logLevel()))
	default:
		exitWithUsage()
	}
}
