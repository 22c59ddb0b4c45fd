package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/eljojo/livesync/broker"
	"github.com/eljojo/livesync/config"
	"github.com/eljojo/livesync/live"
	"github.com/eljojo/livesync/rpc"
	"github.com/eljojo/livesync/transport"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// serve owns the live objects: it publishes host stats and process info and
// answers remote invocations until ctx ends.
func serve(ctx context.Context, cfg config.Config) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logrus.Warnf("[serve] shutdown: %v", err)
			}
		}
	}()

	var (
		tr         transport.Transport
		hub        *transport.WebSocketHub
		brokerErrs <-chan error
	)
	switch cfg.Transport {
	case config.TransportWebSocket:
		hub = transport.NewWebSocketHub(transport.WebSocketHubOptions{AllowedOrigins: cfg.WebSocket.AllowedOrigins})
		mux := http.NewServeMux()
		mux.Handle("/live", hub)
		server := &http.Server{Addr: cfg.WebSocket.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("[serve] websocket listener: %v", err)
			}
		}()
		logrus.Infof("[serve] websocket hub on %s/live", cfg.WebSocket.Listen)
		closers = append(closers, hub.Close, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		tr = hub
	default:
		if cfg.Broker.Enabled {
			b, err := broker.Start(cfg.Broker.Address)
			if err != nil {
				return fmt.Errorf("embedded broker: %w", err)
			}
			closers = append(closers, b.Close)
			brokerErrs = b.Err()
			cfg.MQTT.Broker = b.URL()
			logrus.Infof("[serve] embedded broker on %s", b.Address())
		}
		m, err := openMQTT(cfg)
		if err != nil {
			return err
		}
		closers = append(closers, m.Close)
		tr = m
	}

	rt, err := newRuntime(tr, cfg)
	if err != nil {
		return err
	}

	master := live.NewMaster()
	if err := rt.AddService(master); err != nil {
		return err
	}
	server := rpc.NewServer()
	if err := rt.AddService(server); err != nil {
		return err
	}

	hostStats, err := live.RegisterMutex(master, collectHostStats(ctx))
	if err != nil {
		return err
	}
	procInfo, err := live.RegisterRWMutex(master, ProcessInfo{
		PID:       os.Getpid(),
		Version:   version,
		StartedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	if err := registerOps(server, master); err != nil {
		return err
	}

	if err := rt.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return refreshForever(gctx, cfg.PublishInterval, hostStats, procInfo, hub)
	})
	g.Go(func() error {
		return watchBroker(gctx, brokerErrs)
	})
	g.Go(hostStats.Wait)
	g.Go(procInfo.Wait)
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("[serve] shutting down")
		return rt.Stop()
	})
	return g.Wait()
}

func registerOps(server *rpc.Server, master *live.Master) error {
	if err := server.Handle("host.uptime", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return host.UptimeWithContext(ctx)
	}); err != nil {
		return err
	}
	return server.Handle("objects.list", func(context.Context, json.RawMessage) (any, error) {
		return master.KnownObjects(), nil
	})
}

func refreshForever(ctx context.Context, every time.Duration, hostStats *live.LiveMutex[HostStats], procInfo *live.LiveRWMutex[ProcessInfo], hub *transport.WebSocketHub) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			logrus.Debugf("[serve] refreshForever: shutting down gracefully")
			return nil
		}

		stats := collectHostStats(ctx)
		if err := hostStats.With(ctx, func(v *HostStats) error {
			*v = stats
			return nil
		}); err != nil {
			return ignoreCancel(err)
		}

		if err := procInfo.Write(ctx, func(v *ProcessInfo) error {
			collectProcessInfo(v)
			if hub != nil {
				v.Watchers = hub.PeerCount()
			}
			return nil
		}); err != nil {
			return ignoreCancel(err)
		}
	}
}

// watchBroker fails serve when the embedded broker dies. A nil errs blocks
// until ctx ends.
func watchBroker(ctx context.Context, errs <-chan error) error {
	select {
	case err := <-errs:
		return fmt.Errorf("embedded broker: %w", err)
	case <-ctx.Done():
		return nil
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
