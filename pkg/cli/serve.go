package cli

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

	"github.com/spf13/cobra"

	"github.com/polyport/polyport/pkg/config"
	"github.com/polyport/polyport/pkg/jsonline"
	"github.com/polyport/polyport/pkg/logging"
	"github.com/polyport/polyport/pkg/queueing"
	"github.com/polyport/polyport/pkg/server"
)

// DefaultPort is the listen port used when neither the configuration file
// nor the --port flag supplies one.
const DefaultPort = 9000

// shutdownTimeout bounds the metrics endpoint's drain on exit.
const shutdownTimeout = 10 * time.Second

// serveFlags holds the flag values bound to the serve command.
type serveFlags struct {
	configFile  string
	host        string
	port        int
	detectTLS   bool
	detectGzip  bool
	tlsCert     string
	tlsKey      string
	policy      string
	bufferSize  int
	logLevel    string
	logFormat   string
	logFile     string
	metricsAddr string
	routeField  string
}

var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server (foreground)",
	Long: `Start the server in the foreground with the built-in jsonline protocol.
Flags override values from the configuration file.`,
	Example: `  # Start with defaults on port 9000
  polyport serve

  # Start from a config file on a custom port
  polyport serve --config polyport.yaml --port 3000

  # Accept TLS and gzip wrapped connections
  polyport serve --detect-tls --detect-gzip

  # Buffer messages per connection instead of same-thread dispatch
  polyport serve --buffer-size 512

  # Expose Prometheus metrics
  polyport serve --metrics-addr 127.0.0.1:9091`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(&serveFlagVals)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := &serveFlagVals

	serveCmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Path to YAML configuration file")
	serveCmd.Flags().StringVar(&f.host, "host", "", "Listen host")
	serveCmd.Flags().IntVarP(&f.port, "port", "p", 0, "Listen port")
	serveCmd.Flags().BoolVar(&f.detectTLS, "detect-tls", false, "Detect and unwrap TLS connections")
	serveCmd.Flags().BoolVar(&f.detectGzip, "detect-gzip", false, "Detect and unwrap gzip compressed streams")
	serveCmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "Path to TLS certificate file (default: auto-generate)")
	serveCmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "Path to TLS private key file")
	serveCmd.Flags().StringVar(&f.policy, "policy", "", "Method registration policy (register-all, explicit-only)")
	serveCmd.Flags().IntVar(&f.bufferSize, "buffer-size", -1, "Per-connection message buffer (0 = same-thread dispatch)")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
	serveCmd.Flags().StringVar(&f.logFile, "log-file", "", "Also write logs to this file (JSON)")
	serveCmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")
	serveCmd.Flags().StringVar(&f.routeField, "route-field", jsonline.DefaultRouteField, "JSON key carrying the message route")
}

// loadServeConfig merges the config file, defaults and flag overrides.
func loadServeConfig(f *serveFlags) (*config.Server, error) {
	cfg := config.Default()
	if f.configFile != "" {
		loaded, err := config.Load(f.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.host != "" {
		cfg.Host = f.host
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if f.detectTLS {
		cfg.Detect.TLS = true
	}
	if f.detectGzip {
		cfg.Detect.Gzip = true
	}
	if f.tlsCert != "" {
		cfg.TLS.AutoGenerateCert = false
		cfg.TLS.CertFile = f.tlsCert
		cfg.TLS.KeyFile = f.tlsKey
	}
	if f.policy != "" {
		cfg.Registration.Policy = f.policy
	}
	if f.bufferSize >= 0 {
		cfg.Queue.BufferSize = f.bufferSize
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildLogger constructs the serve logger, teeing to a log file when asked.
func buildLogger(cfg *config.Server, logFile string) (*slog.Logger, func(), error) {
	lcfg := logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: logging.ParseFormat(cfg.Logging.Format),
	}
	if logFile == "" {
		return logging.New(lcfg), func() {}, nil
	}

	fh, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.NewTee(lcfg, fh), func() { _ = fh.Close() }, nil
}

func runServe(f *serveFlags) error {
	cfg, err := loadServeConfig(f)
	if err != nil {
		return err
	}

	log, closeLog, err := buildLogger(cfg, f.logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	opts := []server.Option{server.WithLogger(log)}
	if cfg.Queue.BufferSize > 0 {
		opts = append(opts, server.WithStrategy(
			queueing.NewBuffered(cfg.Queue.BufferSize, log)))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}

	proto := jsonline.New(
		jsonline.WithRouteField(f.routeField),
		jsonline.WithLogger(log),
	)
	if err := srv.RegisterProtocol(proto); err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if f.metricsAddr != "" {
		metricsSrv = startMetricsServer(f.metricsAddr, srv, log)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	log.Info("shutting down", "signal", sig.String())

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Warn("metrics endpoint shutdown", "error", err)
		}
	}
	return srv.Stop()
}

// startMetricsServer exposes the server's metrics registry in Prometheus
// text format.
func startMetricsServer(addr string, srv *server.Server, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if err := srv.Metrics().WriteText(w); err != nil {
			log.Warn("metrics exposition failed", "error", err)
		}
	})

	ms := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	log.Info("metrics endpoint listening", "addr", addr)
	return ms
}
