package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eljojo/livesync/broker"
	"github.com/eljojo/livesync/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForCondition polls until condition returns true or timeout expires.
func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func receive(t *testing.T, sub *Subscription, timeout time.Duration) []byte {
	t.Helper()
	select {
	case payload, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return payload
	case <-time.After(timeout):
		t.Fatalf("no payload on %s within %s", sub.Channel(), timeout)
		return nil
	}
}

func assertClosed(t *testing.T, sub *Subscription, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription on %s still open", sub.Channel())
		}
	}
}

// exerciseOrdering emits a numbered burst and checks it arrives in order.
func exerciseOrdering(t *testing.T, emitter, listener Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := types.Channel("live:change:ordering")
	sub, err := listener.Listen(ctx, channel)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, emitter.Emit(ctx, channel, []byte(fmt.Sprintf("%d", i))))
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("%d", i), string(receive(t, sub, 2*time.Second)))
	}
}

func TestBus_DeliversToEverySubscriber(t *testing.T) {
	bus := NewBus(BusOptions{Name: "test"})
	defer bus.Close()

	a, cancelA := bus.Subscribe("x")
	b, cancelB := bus.Subscribe("x")
	other, cancelOther := bus.Subscribe("y")
	defer cancelOther()

	assert.Equal(t, 2, bus.Publish("x", []byte("hi")))
	assert.Equal(t, "hi", string(<-a))
	assert.Equal(t, "hi", string(<-b))
	assert.Len(t, other, 0)

	cancelA()
	_, ok := <-a
	assert.False(t, ok, "cancel closes the channel")
	assert.Equal(t, 1, bus.SubscriberCount("x"))
	assert.Equal(t, []types.Channel{"x", "y"}, bus.Channels())

	cancelB()
	assert.Equal(t, 0, bus.SubscriberCount("x"))
}

func TestBus_DropsStuckSubscriber(t *testing.T) {
	bus := NewBus(BusOptions{SubscriberBufferSize: 1, WriteTimeout: 20 * time.Millisecond})
	defer bus.Close()

	stuck, _ := bus.Subscribe("x")

	assert.Equal(t, 1, bus.Publish("x", []byte("1")))
	assert.Equal(t, 0, bus.Publish("x", []byte("2")), "full subscriber times out")
	assert.Equal(t, 0, bus.SubscriberCount("x"))

	assert.Equal(t, "1", string(<-stuck))
	_, ok := <-stuck
	assert.False(t, ok)
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(BusOptions{})
	sub, _ := bus.Subscribe("x")
	bus.Close()

	_, ok := <-sub
	assert.False(t, ok)

	late, _ := bus.Subscribe("x")
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
	assert.Equal(t, 0, bus.Publish("x", nil))
}

func TestLocal_OrderAndClose(t *testing.T) {
	local := NewLocal()
	exerciseOrdering(t, local, local)

	sub, err := local.Listen(context.Background(), "live:init:x")
	require.NoError(t, err)
	assert.Equal(t, 1, local.Listeners("live:init:x"))

	require.NoError(t, local.Close())
	assertClosed(t, sub, time.Second)

	assert.ErrorIs(t, local.Emit(context.Background(), "x", nil), ErrClosed)
	_, err = local.Listen(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocal_ListenEndsWithContext(t *testing.T) {
	local := NewLocal()
	defer local.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := local.Listen(ctx, "x")
	require.NoError(t, err)

	cancel()
	assertClosed(t, sub, time.Second)
	assert.True(t, waitForCondition(t, func() bool { return local.Listeners("x") == 0 }, time.Second))
}

func TestWebSocket_RoundTrip(t *testing.T) {
	hub := NewWebSocketHub(WebSocketHubOptions{})
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.True(t, waitForCondition(t, func() bool { return hub.PeerCount() == 1 }, 2*time.Second))

	// owner → observer, ordered
	exerciseOrdering(t, hub, client)

	// observer → owner
	initSub, err := hub.Listen(ctx, "live:init:x")
	require.NoError(t, err)
	require.NoError(t, client.Emit(ctx, "live:init:x", nil))
	assert.Empty(t, receive(t, initSub, 2*time.Second))

	// owner gone → observer subscriptions end
	changeSub, err := client.Listen(ctx, "live:change:x")
	require.NoError(t, err)
	require.NoError(t, hub.Close())
	assertClosed(t, changeSub, 2*time.Second)

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the hub closing")
	}
	assert.ErrorIs(t, client.Emit(ctx, "x", nil), ErrClosed)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	hub := NewWebSocketHub(WebSocketHubOptions{AllowedOrigins: []string{"app.local"}})
	server := httptest.NewServer(hub)
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	header.Set("Origin", "http://evil.example")

	_, err := DialWebSocket(context.Background(), url, header)
	assert.Error(t, err)

	header.Set("Origin", "http://app.local")
	client, err := DialWebSocket(context.Background(), url, header)
	require.NoError(t, err)
	client.Close()
}

func TestOriginPolicy(t *testing.T) {
	request := func(host, origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://"+host+"/live", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	listed := newOriginPolicy([]string{" App.Local ", "https://ui.example/", ""})
	sameHost := newOriginPolicy(nil)

	cases := map[string]struct {
		policy originPolicy
		req    *http.Request
		want   bool
	}{
		"no origin":               {listed, request("owner:8080", ""), true},
		"listed host":             {listed, request("owner:8080", "http://app.local:3000"), true},
		"listed full origin":      {listed, request("owner:8080", "https://UI.example"), true},
		"unlisted":                {listed, request("owner:8080", "http://evil.example"), false},
		"unparseable":             {listed, request("owner:8080", "::"), false},
		"same host":               {sameHost, request("owner:8080", "http://owner"), true},
		"same ipv6 host":          {sameHost, request("[::1]:8080", "http://[::1]:3000"), true},
		"other host, none listed": {sameHost, request("owner:8080", "http://other"), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.policy.allows(tc.req))
		})
	}
}

func TestMQTT_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MQTT integration test in short mode")
	}

	b, err := broker.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	owner, err := NewMQTT(MQTTOptions{Broker: b.URL(), ClientID: "owner"})
	require.NoError(t, err)
	defer owner.Close()

	observer, err := NewMQTT(MQTTOptions{Broker: b.URL(), ClientID: "observer"})
	require.NoError(t, err)

	assert.True(t, owner.IsConnected())
	exerciseOrdering(t, owner, observer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// two local listeners share one broker subscription
	first, err := observer.Listen(ctx, "live:change:shared")
	require.NoError(t, err)
	second, err := observer.Listen(ctx, "live:change:shared")
	require.NoError(t, err)

	require.NoError(t, owner.Emit(ctx, "live:change:shared", []byte(`{"n":1}`)))
	assert.Equal(t, `{"n":1}`, string(receive(t, first, 2*time.Second)))
	assert.Equal(t, `{"n":1}`, string(receive(t, second, 2*time.Second)))

	first.Close()
	require.NoError(t, owner.Emit(ctx, "live:change:shared", []byte(`{"n":2}`)))
	assert.Equal(t, `{"n":2}`, string(receive(t, second, 2*time.Second)))

	require.NoError(t, observer.Close())
	assertClosed(t, second, time.Second)
	assert.ErrorIs(t, observer.Emit(ctx, "x", nil), ErrClosed)
}

func TestMQTT_RequiresBroker(t *testing.T) {
	_, err := NewMQTT(MQTTOptions{})
	assert.Error(t, err)
}
