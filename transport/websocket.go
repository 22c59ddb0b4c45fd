package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eljojo/livesync/messages"
	"github.com/eljojo/livesync/types"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsReadBufferSize = 1024
const wsWriteBufferSize = 1024
const wsWriteTimeout = 10 * time.Second
const wsPeerQueueSize = 128

// WebSocketHubOptions configures the owner side of the websocket transport.
type WebSocketHubOptions struct {
	// AllowedOrigins lists origins (full or host only) allowed to connect.
	// Empty means same host only; requests without Origin are always allowed.
	AllowedOrigins []string
	WriteTimeout   time.Duration
}

// WebSocketHub is the owner side of the websocket transport. It is an
// http.Handler; every connection is a peer. Emit reaches every peer and
// every local listener, frames sent by peers reach local listeners.
type WebSocketHub struct {
	bus      *Bus
	opts     WebSocketHubOptions
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[*wsPeer]struct{}
	closed bool
}

type wsPeer struct {
	conn     *websocket.Conn
	out      chan messages.Frame
	stopOnce sync.Once
	done     chan struct{}
}

// NewWebSocketHub creates a hub; mount it with http.Handle.
func NewWebSocketHub(opts WebSocketHubOptions) *WebSocketHub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = wsWriteTimeout
	}
	hub := &WebSocketHub{
		bus:   NewBus(BusOptions{Name: "websocket-hub"}),
		opts:  opts,
		peers: make(map[*wsPeer]struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     newOriginPolicy(opts.AllowedOrigins).allows,
	}
	return hub
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("[websocket] upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	peer := &wsPeer{
		conn: conn,
		out:  make(chan messages.Frame, wsPeerQueueSize),
		done: make(chan struct{}),
	}
	if !h.addPeer(peer) {
		_ = conn.Close()
		return
	}
	defer h.removePeer(peer)

	go h.writeLoop(peer)

	for {
		var frame messages.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("[websocket] peer %s read failed: %v", r.RemoteAddr, err)
			}
			return
		}
		if err := frame.Validate(); err != nil {
			logrus.Debugf("[websocket] peer %s sent invalid frame: %v", r.RemoteAddr, err)
			continue
		}
		h.bus.Publish(frame.Channel, frame.Payload)
	}
}

// Emit queues payload for every peer and delivers it to local listeners.
// A peer whose queue is full is disconnected.
func (h *WebSocketHub) Emit(ctx context.Context, channel types.Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	peers := make([]*wsPeer, 0, len(h.peers))
	for peer := range h.peers {
		peers = append(peers, peer)
	}
	h.mu.Unlock()

	frame := messages.Frame{Channel: channel, Payload: payload}
	for _, peer := range peers {
		select {
		case peer.out <- frame:
		case <-peer.done:
		default:
			logrus.Warnf("[websocket] peer queue full, disconnecting %s", peer.conn.RemoteAddr())
			peer.stop()
		}
	}

	h.bus.Publish(channel, payload)
	return nil
}

// Listen subscribes to frames from peers and to local emits on channel.
func (h *WebSocketHub) Listen(ctx context.Context, channel types.Channel) (*Subscription, error) {
	if h.bus.IsClosed() {
		return nil, ErrClosed
	}
	c, cancel := h.bus.Subscribe(channel)
	return newSubscription(ctx, channel, c, cancel), nil
}

// PeerCount returns the number of connected peers.
func (h *WebSocketHub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every peer and ends every subscription.
func (h *WebSocketHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	peers := h.peers
	h.peers = make(map[*wsPeer]struct{})
	h.mu.Unlock()

	for peer := range peers {
		peer.stop()
	}
	h.bus.Close()
	return nil
}

func (h *WebSocketHub) addPeer(peer *wsPeer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers[peer] = struct{}{}
	return true
}

func (h *WebSocketHub) removePeer(peer *wsPeer) {
	h.mu.Lock()
	delete(h.peers, peer)
	h.mu.Unlock()
	peer.stop()
}

func (h *WebSocketHub) writeLoop(peer *wsPeer) {
	for {
		select {
		case frame := <-peer.out:
			if err := peer.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil {
				peer.stop()
				return
			}
			if err := peer.conn.WriteJSON(frame); err != nil {
				logrus.Debugf("[websocket] write to %s failed: %v", peer.conn.RemoteAddr(), err)
				peer.stop()
				return
			}
		case <-peer.done:
			return
		}
	}
}

func (p *wsPeer) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		deadline := time.Now().Add(time.Second)
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		_ = p.conn.Close()
	})
}

// WebSocketClient is the observer side of the websocket transport. When the
// connection drops every subscription ends.
type WebSocketClient struct {
	conn         *websocket.Conn
	bus          *Bus
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// DialWebSocket connects to a WebSocketHub at rawURL (ws:// or wss://).
func DialWebSocket(ctx context.Context, rawURL string, header http.Header) (*WebSocketClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	client := &WebSocketClient{
		conn:         conn,
		bus:          NewBus(BusOptions{Name: "websocket-client"}),
		writeTimeout: wsWriteTimeout,
		done:         make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

func (c *WebSocketClient) readLoop() {
	defer close(c.done)
	defer c.bus.Close()

	for {
		var frame messages.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				logrus.Debugf("[websocket] read failed: %v", err)
			}
			return
		}
		if frame.Validate() != nil {
			continue
		}
		c.bus.Publish(frame.Channel, frame.Payload)
	}
}

// Emit sends payload to the hub.
func (c *WebSocketClient) Emit(ctx context.Context, channel types.Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(messages.Frame{Channel: channel, Payload: payload}); err != nil {
		return fmt.Errorf("emit %s: %w", channel, err)
	}
	return nil
}

// Listen subscribes to frames the hub sends on channel.
func (c *WebSocketClient) Listen(ctx context.Context, channel types.Channel) (*Subscription, error) {
	if c.bus.IsClosed() {
		return nil, ErrClosed
	}
	ch, cancel := c.bus.Subscribe(channel)
	return newSubscription(ctx, channel, ch, cancel), nil
}

// Done is closed once the connection is gone.
func (c *WebSocketClient) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and waits for the read loop to finish.
func (c *WebSocketClient) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// originPolicy decides which browser origins may open a websocket. It is
// built once from WebSocketHubOptions.AllowedOrigins.
type originPolicy struct {
	allowed map[string]struct{}
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(allowed))}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			p.allowed[strings.TrimSuffix(entry, "/")] = struct{}{}
		}
	}
	return p
}

// allows accepts requests without Origin (non-browser clients), origins
// listed in full or by host, and, with nothing listed, the request's own host.
func (p originPolicy) allows(r *http.Request) bool {
	origin := strings.ToLower(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}

	if len(p.allowed) == 0 {
		return parsed.Hostname() == requestHost(r)
	}
	_, full := p.allowed[origin]
	_, host := p.allowed[parsed.Hostname()]
	return full || host
}

func requestHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
