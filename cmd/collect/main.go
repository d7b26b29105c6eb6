package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xDarkicex/collect"
	"github.com/xDarkicex/collect/internal/config"
	"github.com/xDarkicex/collect/internal/logging"
	"github.com/xDarkicex/collect/internal/metrics"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one collection and returns the exit status.
func run(args []string, stdin, stdout *os.File, stderr io.Writer) int {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "TOML config file (default $COLLECT_CONFIG)")
	mode := fs.String("mode", "", "Storage mode: auto, memfd or buffered")
	pages := fs.Int("pages", 0, "Pages per buffer for input of known size")
	initial := fs.Int("initial", 0, "First buffer size in bytes for input of unknown size")
	maxBuffer := fs.Int("max-buffer", 0, "Largest buffer size in bytes for input of unknown size")
	hugePage := fs.Int("hugepage", 0, "Huge page size in bytes (0 uses normal pages)")
	acceptShort := fs.Bool("accept-short", false, "Write input that ends before its reported size instead of failing")
	maxHeap := fs.Int("max-heap", 0, "Heap limit in bytes for buffered mode (0 is unlimited)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn or error")
	verbose := fs.Bool("v", false, "Verbose logging (debug level)")
	dev := fs.Bool("dev", false, "Human-readable development logs")
	metricsFile := fs.String("metrics-file", "", "Write Prometheus metrics to this file after the run")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return collect.ExitOK
		}
		return collect.ExitFailure
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "collect: unexpected arguments: %v\n", fs.Args())
		return collect.ExitFailure
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "collect: %v\n", err)
		return collect.ExitFailure
	}

	// Flags override the file and the environment only when given.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Collect.Mode = *mode
		case "pages":
			cfg.Collect.PagesPerBuffer = *pages
		case "initial":
			cfg.Collect.InitialBufferBytes = *initial
		case "max-buffer":
			cfg.Collect.MaxBufferBytes = *maxBuffer
		case "hugepage":
			cfg.Collect.HugePageSize = *hugePage
		case "accept-short":
			cfg.Collect.AcceptShortInput = *acceptShort
		case "max-heap":
			cfg.Collect.MaxHeapBytes = *maxHeap
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "v":
			if *verbose {
				cfg.Logging.Level = "debug"
			}
		case "dev":
			cfg.Logging.Development = *dev
		case "metrics-file":
			cfg.Metrics.File = *metricsFile
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "collect: invalid configuration: %v\n", err)
		return collect.ExitFailure
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		fmt.Fprintf(stderr, "collect: failed to create logger: %v\n", err)
		return collect.ExitFailure
	}
	defer logger.Sync()
	logger = logging.WithRun(logger, ulid.Make())

	opts, err := cfg.Options(logger)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return collect.ExitFailure
	}
	collector, err := collect.New(opts)
	if err != nil {
		logger.Error("failed to create collector", zap.Error(err))
		return collect.ExitFailure
	}

	start := time.Now()
	stats, runErr := collector.Run(stdin, stdout)
	elapsed := time.Since(start)

	if cfg.Metrics.File != "" {
		m := metrics.New()
		m.Observe(stats, runErr, elapsed)
		if err := m.WriteTextfile(cfg.Metrics.File); err != nil {
			logger.Warn("failed to write metrics", zap.String("file", cfg.Metrics.File), zap.Error(err))
		}
	}

	if runErr != nil {
		logger.Error("collection failed",
			zap.String("path", stats.Path),
			zap.Int64("collected", stats.Collected),
			zap.Int64("written", stats.Written),
			zap.Error(runErr))
		return collect.ExitCode(runErr)
	}
	logger.Info("collection finished",
		zap.String("mode", collector.Mode().String()),
		zap.String("path", stats.Path),
		zap.Int64("bytes", stats.Written),
		zap.Int("buffers", stats.Buffers),
		zap.Duration("elapsed", elapsed))
	return collect.ExitOK
}
