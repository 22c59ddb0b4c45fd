// Package broker runs an embedded MQTT broker, so an owning process can serve
// observers without any external infrastructure.
package broker

import (
	"fmt"
	"net"
	"time"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
)

// Broker is an embedded MQTT broker listening on one TCP address.
type Broker struct {
	server  *mqttserver.Server
	address string
	errs    chan error
}

// Start launches a broker on address (e.g. ":1883" or "127.0.0.1:0"). Every
// client is allowed in; put it behind a firewall or use an external broker
// with real auth.
func Start(address string) (*Broker, error) {
	if address == "" {
		return nil, fmt.Errorf("broker address required")
	}

	// Resolve port 0 up front so callers know where to connect.
	resolved, err := resolveAddress(address)
	if err != nil {
		return nil, err
	}

	server := mqttserver.New(nil)

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("livesync-%s", resolved),
		Address: resolved,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("add listener on %s: %w", resolved, err)
	}

	b := &Broker{
		server:  server,
		address: resolved,
		errs:    make(chan error, 1),
	}

	go func() {
		if err := server.Serve(); err != nil {
			logrus.Warnf("MQTT broker stopped: %v", err)
			b.errs <- err
		}
	}()

	if err := waitListening(resolved, 5*time.Second); err != nil {
		_ = server.Close()
		return nil, err
	}

	logrus.Infof("embedded MQTT broker listening on %s", resolved)
	return b, nil
}

// Address returns the host:port the broker listens on.
func (b *Broker) Address() string {
	return b.address
}

// URL returns the broker address as an MQTT client URL.
func (b *Broker) URL() string {
	return "tcp://" + b.address
}

// Err delivers the error that stopped the broker, if it ever stops on its own.
func (b *Broker) Err() <-chan error {
	return b.errs
}

// Close stops the broker and disconnects every client.
func (b *Broker) Close() error {
	return b.server.Close()
}

func resolveAddress(address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("invalid broker address %q: %w", address, err)
	}
	if port != "0" {
		return address, nil
	}

	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("pick free port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}

func waitListening(address string, timeout time.Duration) error {
	dialAddr := address
	if host, port, err := net.SplitHostPort(address); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		dialAddr = net.JoinHostPort("127.0.0.1", port)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", dialAddr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("broker on %s did not start listening within %s", address, timeout)
}
