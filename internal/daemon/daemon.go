// Package daemon hosts the admission controller behind a Unix socket and a
// watched file inbox, and runs its maintenance loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/gatekeeper/internal/admission"
	"github.com/msageha/gatekeeper/internal/events"
	"github.com/msageha/gatekeeper/internal/lock"
	"github.com/msageha/gatekeeper/internal/metrics"
	"github.com/msageha/gatekeeper/internal/model"
	"github.com/msageha/gatekeeper/internal/notify"
	"github.com/msageha/gatekeeper/internal/uds"
)

// Directory layout under the gatekeeper directory.
const (
	InboxDir       = "inbox"
	CompletionsDir = "completions"
	OutboxDir      = "outbox"
	StateDir       = "state"
	LogsDir        = "logs"
	LocksDir       = "locks"
)

// Daemon is the gatekeeper daemon process.
type Daemon struct {
	dir      string
	config   model.Config
	logLevel model.LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock   *lock.FileLock
	server     *uds.Server
	watcher    *fsnotify.Watcher
	httpServer *http.Server
	serving    bool

	registry   *prometheus.Registry
	bus        *events.Bus
	audit      *events.AuditLogger
	controller *admission.Controller
	inbox      *Inbox
	outbox     *Outbox
	metrics    *MetricsHandler
	notifySend notify.SendFunc

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once
	done     chan struct{}
}

// New creates a Daemon that logs to <dir>/logs/daemon.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, LogsDir, "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	logLevel := model.ParseLogLevel(cfg.Logging.Level)
	logger := log.New(w, "", 0)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bus := events.NewBus(256)

	controller := admission.New(cfg, admission.Options{
		Emitter:  bus,
		Metrics:  metrics.MustNewCollector(registry, cfg.Metrics.CostSampleSize),
		Logger:   logger,
		LogLevel: logLevel,
	})

	d := &Daemon{
		dir:        dir,
		config:     cfg,
		logLevel:   logLevel,
		logger:     logger,
		logFile:    closer,
		fileLock:   lock.NewFileLock(filepath.Join(dir, LocksDir, "daemon.lock")),
		server:     uds.NewServer(filepath.Join(dir, uds.DefaultSocketName)),
		registry:   registry,
		bus:        bus,
		controller: controller,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		notifySend: notify.Send,
	}
	d.server.SetLogger(logger, logLevel)
	d.outbox = NewOutbox(filepath.Join(dir, OutboxDir), logger, logLevel)
	d.inbox = NewInbox(dir, cfg, controller, d.outbox, logger, logLevel)
	d.metrics = NewMetricsHandler(dir, logger, logLevel)
	return d, nil
}

// Controller exposes the admission controller the daemon serves.
func (d *Daemon) Controller() *admission.Controller { return d.controller }

// Run starts the daemon and blocks until a signal or a shutdown request.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the directory lock, opens the socket and starts the
// background loops. It does not block.
func (d *Daemon) Start() error {
	for _, sub := range []string{InboxDir, CompletionsDir, OutboxDir, StateDir, LogsDir, LocksDir} {
		if err := os.MkdirAll(filepath.Join(d.dir, sub), 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", sub, err)
		}
	}

	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(model.LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	audit, err := events.NewAuditLogger(filepath.Join(d.dir, LogsDir, "audit.jsonl"), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.bus.SubscribeAll(audit.Subscriber(func(err error) {
		d.log(model.LogLevelError, "audit write error=%v", err)
	}))
	d.bus.Subscribe(events.EventTaskScheduled, d.outbox.HandleEvent)
	d.bus.Subscribe(events.EventTaskFailed, d.outbox.HandleEvent)
	if d.config.Notify.Enabled {
		n := notify.New(d.notifySend, d.logger, d.logLevel)
		for _, et := range d.config.Notify.Events {
			d.bus.Subscribe(events.EventType(et), n.HandleEvent)
		}
	}

	if err := d.metrics.EnsureSnapshot(); err != nil {
		d.log(model.LogLevelWarn, "metrics snapshot recovery error=%v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	for _, sub := range []string{InboxDir, CompletionsDir} {
		if err := watcher.Add(filepath.Join(d.dir, sub)); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", sub, err)
		}
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.serving = true
	d.log(model.LogLevelInfo, "UDS server listening on %s", filepath.Join(d.dir, uds.DefaultSocketName))

	g, gctx := errgroup.WithContext(d.ctx)
	d.group = g
	g.Go(func() error { return d.fsnotifyLoop(gctx) })
	g.Go(func() error {
		return every(gctx, d.config.Locks.SweepInterval(), func() { d.controller.SweepLocks() })
	})
	g.Go(func() error {
		return every(gctx, d.config.Queue.DrainInterval(), d.controller.Tick)
	})
	g.Go(func() error {
		return every(gctx, d.config.Metrics.Interval(), d.publishMetrics)
	})
	g.Go(func() error {
		return every(gctx, d.config.Daemon.ScanInterval(), d.inbox.Scan)
	})
	if addr := d.config.Metrics.ListenAddr; addr != "" {
		d.startMetricsListener(g, addr)
	}

	d.inbox.Scan()
	d.log(model.LogLevelInfo, "daemon ready")
	return nil
}

func (d *Daemon) startMetricsListener(g *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	d.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		d.log(model.LogLevelInfo, "metrics listening on %s", addr)
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log(model.LogLevelError, "metrics listener error=%v", err)
			go d.Shutdown()
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
}

// every runs fn on each tick until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func (d *Daemon) publishMetrics() {
	st := d.controller.PublishMetrics()
	if err := d.metrics.WriteSnapshot(st); err != nil {
		d.log(model.LogLevelError, "write metrics snapshot error=%v", err)
	}
	if err := d.metrics.WriteDashboard(st, d.controller.ActiveAgents(), d.controller.QueueEntries()); err != nil {
		d.log(model.LogLevelWarn, "write dashboard error=%v", err)
	}
}

// fsnotifyLoop processes filesystem change events.
func (d *Daemon) fsnotifyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.inbox.HandleFileEvent(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log(model.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// waitSignals blocks until a shutdown signal is received or shutdown was
// requested over the socket.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log(model.LogLevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
	}
	<-d.done
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.done)
		d.log(model.LogLevelInfo, "shutdown started")

		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.serving {
			d.server.Stop()
		}
		if d.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = d.httpServer.Shutdown(ctx)
			cancel()
		}
		d.inbox.Stop()

		timeout := d.config.Daemon.ShutdownTimeout()
		waited := make(chan error, 1)
		go func() {
			if d.group == nil {
				waited <- nil
				return
			}
			waited <- d.group.Wait()
		}()
		select {
		case err := <-waited:
			if err != nil {
				d.log(model.LogLevelWarn, "background loop error=%v", err)
			}
			d.log(model.LogLevelInfo, "all loops stopped")
		case <-time.After(timeout):
			d.log(model.LogLevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.publishMetrics()
		d.cleanup()
		d.log(model.LogLevelInfo, "daemon stopped")
		if d.logFile != nil {
			d.logFile.Close()
		}
	})
}

// cleanup releases resources acquired by Start. The bus is drained before
// the audit log closes.
func (d *Daemon) cleanup() {
	d.cancel()
	d.bus.Close()
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	d.fileLock.Unlock()
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
