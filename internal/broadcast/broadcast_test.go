package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ordersaga/internal/saga"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var sampleChange = saga.StateChange{
	SagaID: "saga-1",
	From:   saga.StatePaymentRequested,
	To:     saga.StateInventoryReserving,
	Event:  saga.EventPaymentSuccess,
	At:     time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
}

type sinkFunc func(ctx context.Context, change saga.StateChange) error

func (f sinkFunc) Notify(ctx context.Context, change saga.StateChange) error { return f(ctx, change) }

func TestMulti_NotifiesEverySinkAndJoinsErrors(t *testing.T) {
	t.Parallel()

	errA := errors.New("redis down")
	var calls int
	multi := NewMulti(
		sinkFunc(func(context.Context, saga.StateChange) error { calls++; return errA }),
		nil,
		sinkFunc(func(context.Context, saga.StateChange) error { calls++; return nil }),
	)

	err := multi.Notify(context.Background(), sampleChange)
	if calls != 2 {
		t.Fatalf("expected both sinks to be called, got %d", calls)
	}
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined error, got %v", err)
	}
}

func TestRedisStateStore_WritesHashAndStream(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStateStore(ClientAdapter{Client: client}, "", time.Hour, 100)
	ctx := context.Background()
	if err := store.Notify(ctx, sampleChange); err != nil {
		t.Fatalf("notify: %v", err)
	}

	hash, err := client.HGetAll(ctx, "saga:saga-1").Result()
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if hash["state"] != "INVENTORY_RESERVING" || hash["event"] != "PAYMENT_SUCCESS" || hash["updated_at"] != "2025-01-02T03:04:05Z" {
		t.Fatalf("unexpected hash: %+v", hash)
	}
	ttl, err := client.TTL(ctx, "saga:saga-1").Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected ttl on state hash, got %v", ttl)
	}
	n, err := client.XLen(ctx, DefaultStream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stream entry, got %d", n)
	}
}

func TestRedisStateStore_CancelledContext(t *testing.T) {
	t.Parallel()

	store := NewRedisStateStore(nil, "", 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Notify(ctx, sampleChange); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestHub_BroadcastsTransitions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(zerolog.Nop())
	go hub.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}
	srv := httptest.NewUnstartedServer(hub)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Notify(context.Background(), sampleChange); err != nil {
		t.Fatalf("notify: %v", err)
	}

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		var change saga.StateChange
		if err := json.Unmarshal(got, &change); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if change.SagaID != "saga-1" || change.To != saga.StateInventoryReserving {
			t.Fatalf("unexpected change: %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestHub_NotifyAfterStopDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	for i := 0; i < cap(hub.Broadcast)+1; i++ {
		if err := hub.Notify(context.Background(), sampleChange); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
}

func TestHub_NotifyDropsWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	hub := NewHub(zerolog.Nop())
	extra := 5
	for i := 0; i < cap(hub.Broadcast)+extra; i++ {
		if err := hub.Notify(context.Background(), sampleChange); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if got := hub.Dropped(); got != int64(extra) {
		t.Fatalf("expected %d dropped changes, got %d", extra, got)
	}
}

type smallBufferListener struct {
	net.Listener
}

func (l smallBufferListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetWriteBuffer(4096)
	}
	return conn, nil
}

func TestHub_EvictsClientThatStopsReading(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(zerolog.Nop(), WithWriteTimeout(50*time.Millisecond))
	go hub.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}
	srv := httptest.NewUnstartedServer(hub)
	srv.Listener = smallBufferListener{Listener: ln}
	srv.Start()
	t.Cleanup(srv.Close)

	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetReadBuffer(4096)
			}
			return conn, nil
		},
	}
	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The client never reads, so its socket buffers fill and writes stall.
	change := sampleChange
	change.Event = saga.Event(strings.Repeat("x", 4096))
	deadline = time.Now().Add(10 * time.Second)
	for hub.Clients() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stalled client was never evicted")
		}
		start := time.Now()
		if err := hub.Notify(context.Background(), change); err != nil {
			t.Fatalf("notify: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Fatalf("notify blocked for %v", elapsed)
		}
		time.Sleep(time.Millisecond)
	}

	if err := hub.Notify(context.Background(), sampleChange); err != nil {
		t.Fatalf("notify after eviction: %v", err)
	}
}
