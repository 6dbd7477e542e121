package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pushpals/pushpals/internal/approvals"
	"github.com/pushpals/pushpals/internal/audit"
	"github.com/pushpals/pushpals/internal/bus"
	"github.com/pushpals/pushpals/internal/config"
	"github.com/pushpals/pushpals/internal/coordinator"
	"github.com/pushpals/pushpals/internal/otelx"
	"github.com/pushpals/pushpals/internal/store"
	"github.com/pushpals/pushpals/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                  Start the Pipeline Coordinator daemon
  %s -daemon          Same as above, kept for scripts that expect a flag
  %s status           Check daemon health (GET /healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PUSHPALS_HOME                      Data directory (default: ~/.pushpals)
  PUSHPALS_BIND_ADDR                 Coordinator listen address
  PUSHPALS_DATA_DIR                  Store directory
  PUSHPALS_LOG_LEVEL                 debug | info | warn | error
  PUSHPALS_AUTH_TOKEN                Static bearer token (empty = open access)
  PUSHPALS_CORS_ALLOWED_ORIGINS      Comma-separated origin list

EXAMPLES:
  Start the daemon:        %s
  Check daemon health:     %s status
`, os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Usage = printUsage
	daemon := fs.Bool("daemon", false, "run as the Pipeline Coordinator daemon (default behavior)")
	quiet := fs.Bool("quiet", false, "write logs only to the log file, not stdout")
	version := fs.Bool("version", false, "print the daemon version and exit")
	_ = fs.Parse(os.Args[1:])
	_ = daemon

	if *version {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := fs.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.CORS.AllowedOrigins) == 0 {
			logger.Warn("cors.allowed_origins is empty on a non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatalStartup(logger, "E_DATA_DIR_CREATE", err)
	}

	otelProvider, err := otelx.Init(ctx, otelx.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "pushpals.db")
	st, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("startup phase", "phase", "schema_migrated", "path", dbPath)

	eventBus, err := bus.New(st, logger)
	if err != nil {
		fatalStartup(logger, "E_BUS_INIT", err)
	}
	logger.Info("startup phase", "phase", "bus_ready")

	approvalsRegistry := approvals.New(eventBus)

	coord := coordinator.New(coordinator.Config{
		Store:     st,
		Bus:       eventBus,
		Approvals: approvalsRegistry,
		Cfg:       cfg,
		Otel:      otelProvider,
		Metrics:   metrics,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: coord.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.BindAddr)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			logger.Info("config file changed", "path", ev.Path, "op", ev.Op.String())
			if _, err := config.Load(); err != nil {
				logger.Error("config.yaml reload failed", "error", err)
			} else {
				logger.Info("config.yaml reloaded (bind_addr and data_dir require a restart to take effect)")
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("coordinator server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// fatalStartup logs a fatal startup error and exits. Before the logger is
// constructed, falls back to a single structured line on stderr so early
// failures (bad config, a locked store) are still machine-parseable.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv applies KEY=VALUE lines from path into the environment,
// skipping keys already set. A missing file is not an error.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
