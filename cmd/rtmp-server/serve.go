package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alxayo/go-rtmp/internal/core/vhost"
	"github.com/alxayo/go-rtmp/internal/logger"
	"github.com/alxayo/go-rtmp/internal/metrics"
	srv "github.com/alxayo/go-rtmp/internal/rtmp/server"
)

// serveFlags mirrors the teacher's original cliConfig, now populated by
// pflag instead of the stdlib flag package.
type serveFlags struct {
	listenAddr  string
	logLevel    string
	recordAll   bool
	recordDir   string
	chunkSize   uint
	metricsAddr string

	relayDestinations []string

	hookScripts     []string
	hookWebhooks    []string
	hookStdioFormat string
	hookTimeout     string
	hookConcurrency int
}

var serveCfg serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RTMP/HLS server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveCfg.listenAddr, "listen", ":1935", "TCP listen address (e.g. :1935 or 0.0.0.0:1935)")
	f.StringVar(&serveCfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	f.BoolVar(&serveCfg.recordAll, "record-all", false, "Enable recording of all streams to -record-dir")
	f.StringVar(&serveCfg.recordDir, "record-dir", "recordings", "Directory to write FLV recordings")
	f.UintVar(&serveCfg.chunkSize, "chunk-size", 4096, "Initial outbound chunk size")
	f.StringVar(&serveCfg.metricsAddr, "metrics-addr", "", "Address to serve Prometheus /metrics on (empty disables)")
	f.StringSliceVar(&serveCfg.relayDestinations, "relay-to", nil, "RTMP destination URL (can be specified multiple times)")

	f.StringSliceVar(&serveCfg.hookScripts, "hook-script", nil, "Hook script in format event_type=script_path (can be specified multiple times)")
	f.StringSliceVar(&serveCfg.hookWebhooks, "hook-webhook", nil, "Hook webhook in format event_type=webhook_url (can be specified multiple times)")
	f.StringVar(&serveCfg.hookStdioFormat, "hook-stdio-format", "", "Enable structured stdio output: json|env (empty=disabled)")
	f.StringVar(&serveCfg.hookTimeout, "hook-timeout", "30s", "Timeout for hook execution")
	f.IntVar(&serveCfg.hookConcurrency, "hook-concurrency", 10, "Maximum concurrent hook executions")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := serveCfg
	if cfg.chunkSize == 0 || cfg.chunkSize > 65536 {
		return errors.New("chunk-size must be between 1 and 65536")
	}
	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("invalid log-level: " + cfg.logLevel)
	}
	if err := validateHookConfig(&cfg); err != nil {
		return err
	}
	for _, dest := range cfg.relayDestinations {
		if err := validateRelayDestination(dest); err != nil {
			return errors.New("invalid relay destination " + dest + ": " + err.Error())
		}
	}

	// --config is optional: an unconfigured deployment runs every vhost
	// with vhost.Defaults(). When given, the table is handed to the server
	// so every publish resolves its Live Source/HLS segmenter options
	// through vhost.File.For(app) instead of the hardcoded defaults.
	var vhostFile *vhost.File
	if cfgFile != "" {
		vf, err := vhost.Load(cfgFile)
		if err != nil {
			return err
		}
		vhostFile = vf
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		cmd.PrintErrf("warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	server := srv.New(srv.Config{
		ListenAddr:        cfg.listenAddr,
		ChunkSize:         uint32(cfg.chunkSize),
		WindowAckSize:     2_500_000, // matches control burst constant
		RecordAll:         cfg.recordAll,
		RecordDir:         cfg.recordDir,
		LogLevel:          cfg.logLevel,
		RelayDestinations: cfg.relayDestinations,
		HookScripts:       cfg.hookScripts,
		HookWebhooks:      cfg.hookWebhooks,
		HookStdioFormat:   cfg.hookStdioFormat,
		HookTimeout:       cfg.hookTimeout,
		HookConcurrency:   cfg.hookConcurrency,
		VhostFile:         vhostFile,
	})

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		return err
	}
	log.Info("server started", "addr", server.Addr().String(), "version", version)

	var metricsSrv *http.Server
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("metrics server started", "addr", cfg.metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
	return nil
}
