// Package main provides tscored, a host process for the cache segment core.
// It loads configuration, starts the event processor and the metrics
// exporter, restores the cache directory and keeps it synced until signalled.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/trafficserver/tscore/internal/buffer"
	"github.com/trafficserver/tscore/internal/cache"
	"github.com/trafficserver/tscore/internal/config"
	"github.com/trafficserver/tscore/internal/event"
	"github.com/trafficserver/tscore/internal/metrics"
	"github.com/trafficserver/tscore/pkg/utils"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, sigCh))
}

type options struct {
	configPath   string
	logLevel     string
	syncInterval time.Duration
	printConfig  bool
	check        bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("tscored", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "override global.log_level")
	fs.DurationVar(&opts.syncInterval, "sync-interval", 30*time.Second, "interval between directory syncs")
	fs.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	fs.BoolVar(&opts.check, "check", false, "validate the configuration and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.syncInterval <= 0 {
		return nil, fmt.Errorf("--sync-interval must be positive")
	}
	return opts, nil
}

func loadConfig(opts *options) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if opts.configPath != "" {
		if err := cfg.LoadFromFile(opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Global.LogLevel = strings.ToUpper(opts.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string, stdout, stderr io.Writer, sigCh <-chan os.Signal) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	if opts.printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 1
		}
		_, _ = stdout.Write(out)
		return 0
	}
	if opts.check {
		fmt.Fprintln(stdout, "configuration ok")
		return 0
	}

	if err := serve(cfg, opts, sigCh); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func serve(cfg *config.Configuration, opts *options, sigCh <-chan os.Signal) error {
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	if f, ok := lc.Output.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		defer func() { _ = f.Close() }()
	}
	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		return err
	}
	logger = logger.WithComponent("tscored")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector, err := metrics.NewCollector(cfg.MetricsConfig(), logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}

	processor := event.NewProcessor(cfg.ProcessorConfig(), logger)
	if err := processor.Start(); err != nil {
		return err
	}

	dir, err := cache.NewDirectory(cfg.DirectoryConfig(), logger)
	if err != nil {
		_ = processor.Stop()
		return err
	}

	odc, err := cfg.OpenDirConfig()
	if err != nil {
		_ = processor.Stop()
		return err
	}
	od, err := cache.NewOpenDir(dir, processor, odc, logger, collector)
	if err != nil {
		_ = processor.Stop()
		return err
	}

	collector.AddStatus("directory", func() interface{} { return dir.Stats() })
	collector.AddStatus("processor", func() interface{} { return processor.Stats() })
	collector.AddStatus("open_dir", func() interface{} { return od.Stats() })

	logger.Info("tscored started", utils.Fields{
		"entries":     dir.Len(),
		"workers":     cfg.Event.Workers,
		"buffer_size": odc.Segment.Buffer.Size,
		"max_buffer":  utils.FormatBytes(buffer.MaxCapacity),
	})

	ticker := time.NewTicker(opts.syncInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", utils.Fields{"signal": sig.String(), "open_segments": od.Active()})
			break loop
		case <-ticker.C:
			if !dir.Dirty() {
				continue
			}
			if err := dir.Sync(ctx); err != nil {
				logger.Error("directory sync failed", utils.Fields{"error": err})
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var firstErr error
	if err := dir.Sync(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := processor.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := collector.Stop(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
