package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-vehicle-can/internal/canbus"
	"github.com/kstaniek/go-vehicle-can/internal/control"
	"github.com/kstaniek/go-vehicle-can/internal/gate"
	"github.com/kstaniek/go-vehicle-can/internal/gpio"
	"github.com/kstaniek/go-vehicle-can/internal/logging"
	"github.com/kstaniek/go-vehicle-can/internal/metrics"
	"github.com/kstaniek/go-vehicle-can/internal/monitor"
	"github.com/kstaniek/go-vehicle-can/internal/txrx"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-control %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	g, closeGate, err := initGate(ctx, cfg, l)
	if err != nil {
		l.Error("gate_init_error", "error", err)
		return
	}
	defer closeGate()
	if cfg.watchdogInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Watchdog(ctx, g, cfg.watchdogInterval, gate.ManagedMask)
		}()
	}

	drv, err := newDriver(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return
	}
	bus := canbus.New(drv, g)
	eng := txrx.New(bus, txrx.WithTransmitTimeout(cfg.txTimeout))
	opts := []control.Option{control.WithLogger(l.With("component", "control"))}
	if cfg.gpioChip != "" {
		opts = append(opts, control.WithSampler(gpio.NewChip(cfg.gpioChip)))
	}
	mgr := control.New(g, bus, eng, opts...)

	// A failed start is not fatal: status reports the failed step and the
	// API can restart the bus once the wiring is fixed.
	if err := mgr.ApplyConfig(ctx, cfg.busConfig()); err != nil {
		l.Error("bus_start_failed", "error", err)
	}

	recent := &recentFrames{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Pump(ctx, func(fr txrx.ReceivedFrame) {
			h.Broadcast(fr.Frame())
			recent.add(fr)
		})
	}()

	var srv *monitor.Server
	if cfg.listenAddr != "" {
		srv = monitor.New(h, eng,
			monitor.WithListenAddr(cfg.listenAddr),
			monitor.WithLogger(l.With("component", "monitor")),
			monitor.WithReadOnly(cfg.monitorReadOnly),
			monitor.WithMaxClients(cfg.maxClients),
			monitor.WithHandshakeTimeout(cfg.handshakeTO),
			monitor.WithReadDeadline(cfg.clientReadTO),
		)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				l.Error("monitor_server_error", "error", err)
				cancel()
			}
		}()
		go advertise(ctx, cfg, srv)
	}

	metrics.SetReadinessFunc(func() bool {
		if ctx.Err() != nil || bus.State() != canbus.StateReady {
			return false
		}
		if srv == nil {
			return true
		}
		select {
		case <-srv.Ready():
			return true
		default:
			return false
		}
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		api := &apiHandlers{m: mgr, recent: recent, l: l.With("component", "api")}
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr, api.routes())
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("monitor_shutdown", "error", err)
		}
		scancel()
	}
	wg.Wait()
	if err := mgr.Stop(); err != nil {
		l.Warn("bus_stop_error", "error", err)
	}
}

// advertise registers the monitor over mDNS once its listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *monitor.Server) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	var port int
	if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
		port, _ = strconv.Atoi(p)
	}
	l := logging.L()
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
}
