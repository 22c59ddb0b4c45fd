package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/docopt/docopt-go"
	"github.com/eljojo/livesync/config"
	"github.com/eljojo/livesync/runtime"
	"github.com/eljojo/livesync/transport"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const version = "0.1.0"

const usage = `livesync: share live values between processes.

Usage:
    livesync serve [--config=<path>] [--verbose]
    livesync watch [--config=<path>] [--verbose] [--once] [--min-interval=<duration>] [<object>]
    livesync objects [--config=<path>] [--verbose]
    livesync invoke [--config=<path>] [--verbose] [--interval=<duration>] <op> [<args>]
    livesync config [--config=<path>]
    livesync -h | --help
    livesync --version

Objects:
    host-stats      uptime, load and memory of the serving host
    process-info    pid, goroutines and heap of the serving process

Options:
    -h --help                   Show this screen.
    --version                   Show version.
    --config=<path>             YAML config file; LIVESYNC_* variables override it.
    --verbose                   Log debug stuff.
    --once                      Print the first value and exit.
    --min-interval=<duration>   Print at most one value per interval [default: 0s].
    --interval=<duration>       Re-invoke every interval instead of once [default: 0s].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(cfg.Level())
	if verbose, _ := opts.Bool("--verbose"); verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if cfg.BugsnagAPIKey != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          cfg.BugsnagAPIKey,
			ReleaseStage:    cfg.Env().String(),
			AppVersion:      version,
			ProjectPackages: []string{"main", "github.com/eljojo/livesync/*"},
			Transport:       &http.Transport{},
		})
		defer bugsnag.AutoNotify()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(ctx, cfg)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, cfg, opts)
	} else if objects_, _ := opts.Bool("objects"); objects_ {
		err = listObjects(ctx, cfg)
	} else if invoke_, _ := opts.Bool("invoke"); invoke_ {
		err = invoke(ctx, cfg, opts)
	} else if config_, _ := opts.Bool("config"); config_ {
		err = dumpConfig(cfg)
	}

	if err != nil {
		logrus.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

// openObserverTransport connects the way an observer does: to the MQTT
// broker, or by dialing the serving process's websocket.
func openObserverTransport(ctx context.Context, cfg config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return transport.DialWebSocket(dialCtx, cfg.WebSocket.URL, nil)
	default:
		return openMQTT(cfg)
	}
}

func openMQTT(cfg config.Config) (*transport.MQTT, error) {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "livesync-" + strings.ToLower(ulid.Make().String())
	}
	return transport.NewMQTT(transport.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: clientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,
	})
}

func newRuntime(tr transport.Transport, cfg config.Config) (*runtime.Runtime, error) {
	return runtime.NewRuntime(runtime.RuntimeConfig{
		Transport:   tr,
		Environment: cfg.Env(),
	})
}

func parseDuration(opts docopt.Opts, key string) (time.Duration, error) {
	raw, _ := opts.String(key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func dumpConfig(cfg config.Config) error {
	out, err := cfg.Dump()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
