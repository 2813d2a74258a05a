// Package main provides the entry point for OpenVPN Monitor.
// OpenVPN Monitor attaches to the management interface of an OpenVPN
// server and reports who is connected, how much they transfer and when
// they leave.
//
// Features:
//   - Live terminal dashboard of connected clients
//   - Automatic reconnection to the management interface
//   - Secure management password storage using the system keyring
//   - Optional SQLite history, Prometheus metrics, WebSocket and NATS event feeds
//   - Desktop notifications for client connects and disconnects
//
// Usage:
//
//	openvpn-monitor [options]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yllada/openvpn-monitor/cli"
	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/config"
	"github.com/yllada/openvpn-monitor/health"
	"github.com/yllada/openvpn-monitor/history"
	"github.com/yllada/openvpn-monitor/keyring"
	"github.com/yllada/openvpn-monitor/management"
	"github.com/yllada/openvpn-monitor/metrics"
	"github.com/yllada/openvpn-monitor/notify"
	"github.com/yllada/openvpn-monitor/publish"
	"github.com/yllada/openvpn-monitor/stream"
	"github.com/yllada/openvpn-monitor/tui"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	configPath  = flag.String("config", "", "Configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")

	// CLI flags
	showStatus     = flag.Bool("status", false, "Print the connected clients once and exit")
	watchEvents    = flag.Bool("watch", false, "Print management events until interrupted")
	daemonMode     = flag.Bool("daemon", false, "Run headless with the configured sinks")
	showHistory    = flag.Int("history", 0, "Print the N newest recorded events")
	setPassword    = flag.Bool("set-password", false, "Store the management password")
	deletePassword = flag.Bool("delete-password", false, "Remove the stored management password")
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("OpenVPN Monitor v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	dashboard := !(*showStatus || *watchEvents || *daemonMode || *showHistory > 0 || *setPassword || *deletePassword)
	initLogging(cfg, dashboard)
	defer common.CloseLogger()

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals (SIGINT, SIGTERM)
	setupSignalHandler(cancel)

	dataDir, err := common.GetDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	creds := keyring.New(dataDir)
	cliApp := cli.New(cfg, creds)

	switch {
	case *setPassword:
		err = cliApp.SetPassword("")
	case *deletePassword:
		err = cliApp.DeletePassword()
	case *showHistory > 0:
		err = cliApp.History(ctx, *showHistory)
	case *showStatus:
		err = cliApp.Status(ctx)
	case *watchEvents:
		err = cliApp.Watch(ctx)
	case *daemonMode:
		err = runDaemon(ctx, cfg, creds)
	default:
		err = runDashboard(ctx, cfg, creds)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initLogging configures the logger from the configuration and flags.
// The dashboard logs to the file only.
func initLogging(cfg *config.Config, dashboard bool) {
	logLevel := common.ParseLogLevel(cfg.Log.Level)
	if *verbose || cfg.Debug {
		logLevel = common.LevelDebug
	}

	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  cfg.Log.File || dashboard,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
		Quiet:       dashboard,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
}

// runDaemon connects and feeds the configured sinks until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, creds common.CredentialStore) error {
	common.LogInfo("Starting %s v%s", common.AppName, appVersion)

	client := cli.BuildClient(cfg, creds)
	stopSinks, err := startSinks(cfg, client.Bus())
	if err != nil {
		return err
	}
	defer stopSinks()

	if err := connect(ctx, client, cfg.Reconnect); err != nil {
		return err
	}

	<-ctx.Done()
	return shutdown(client)
}

// runDashboard runs the terminal dashboard with the configured sinks.
func runDashboard(ctx context.Context, cfg *config.Config, creds common.CredentialStore) error {
	client := cli.BuildClient(cfg, creds)
	events, _ := tui.Subscribe(client.Bus())

	stopSinks, err := startSinks(cfg, client.Bus())
	if err != nil {
		return err
	}
	defer stopSinks()

	// The dashboard shows connection failures itself
	go func() {
		if err := connect(ctx, client, cfg.Reconnect); err != nil {
			common.LogWarn("Initial connect failed: %v", err)
		}
	}()

	runErr := tui.Run(ctx, client, events)
	if err := shutdown(client); err != nil {
		common.LogWarn("%v", err)
	}
	if ctx.Err() != nil {
		return nil
	}
	return runErr
}

// connect performs the first connection. Under the "always" policy a
// failed first attempt is retried after the reconnect delay.
func connect(ctx context.Context, client *management.Client, policy string) error {
	err := client.Connect(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if policy != common.ReconnectAlways {
		return err
	}
	common.LogWarn("Initial connect failed, retrying: %v", err)
	return client.Reconnect()
}

func shutdown(client *management.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), common.ShutdownTimeout)
	defer cancel()
	return client.Shutdown(ctx)
}

// startSinks attaches the sinks enabled in cfg to bus. The returned
// function stops them.
func startSinks(cfg *config.Config, bus *management.Bus) (func(), error) {
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	hc := health.NewHealthChecker(health.DefaultHealthConfig(cfg.StatusInterval))
	hc.Attach(bus)
	hc.Start()
	stops = append(stops, hc.Stop)

	if cfg.History.Enabled {
		path, err := cfg.HistoryPath()
		if err != nil {
			stopAll()
			return nil, err
		}
		rec, err := history.Open(path, nil)
		if err != nil {
			stopAll()
			return nil, err
		}
		rec.Attach(bus)
		stops = append(stops, func() { rec.Close() })
		common.LogInfo("Recording history to %s", path)
	}

	if cfg.Metrics.Enabled {
		collector := metrics.New()
		collector.Attach(bus)
		collector.SetHealthCheck(hc.Healthy)
		srv := serveHTTP(cfg.Metrics.Listen, collector.Handler())
		stops = append(stops, func() { stopHTTP(srv) })
		common.LogInfo("Serving metrics on http://%s/metrics", cfg.Metrics.Listen)
	}

	if cfg.Stream.Enabled {
		b := stream.NewBroadcaster(nil)
		b.Attach(bus)
		srv := serveHTTP(cfg.Stream.Listen, b.Handler())
		stops = append(stops, func() {
			b.Close()
			stopHTTP(srv)
		})
		common.LogInfo("Streaming events on ws://%s/ws", cfg.Stream.Listen)
	}

	if cfg.NATS.Enabled {
		nc, err := publish.Connect(cfg.NATS.URL, nil)
		if err != nil {
			// The monitor still works without the feed
			common.LogWarn("NATS forwarding disabled: %v", err)
		} else {
			publish.NewForwarder(nc, cfg.NATS.SubjectPrefix, nil).Attach(bus)
			stops = append(stops, func() { _ = nc.Drain() })
		}
	}

	if cfg.Notifications.Enabled {
		n, err := notify.NewDBusNotifier()
		if err != nil {
			common.LogWarn("Desktop notifications disabled: %v", err)
		} else {
			notify.NewWatcher(n, nil).Attach(bus)
			stops = append(stops, func() { n.Close() })
		}
	}

	return stopAll, nil
}

func serveHTTP(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.LogError("HTTP server on %s failed: %v", addr, err)
		}
	}()
	return srv
}

func stopHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), common.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
