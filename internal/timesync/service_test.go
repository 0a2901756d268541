package timesync

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"velthoric/physsync/internal/client"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/wire"
)

type fixedClock int64

func (c fixedClock) Now() int64 { return int64(c) }

type collector struct {
	mu      sync.Mutex
	samples []int64
	limit   int
	cancel  context.CancelFunc
}

func (c *collector) HandlePacket(payload []byte) error {
	ts, err := wire.DecodeClock(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, ts)
	if len(c.samples) >= c.limit {
		c.cancel()
	}
	return nil
}

func startServer(t *testing.T, secret string) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(1 << 16)
	service := NewService(fixedClock(5*time.Second), 10*time.Millisecond, logging.NewTestLogger())
	server := NewServer(service, secret)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestFollowStreamsSamples(t *testing.T) {
	conn := startServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	streamCtx, stop := context.WithCancel(ctx)
	sink := &collector{limit: 3, cancel: stop}

	err := Follow(streamCtx, conn, "alice", sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("stream too slow")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.samples) < 3 || sink.samples[0] != int64(5*time.Second) {
		t.Fatalf("unexpected samples %v", sink.samples)
	}
}

func TestFollowFeedsClientClock(t *testing.T) {
	conn := startServer(t, "")
	receiver := client.NewWorld(client.Options{Logger: logging.NewTestLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, conn, "bob", receiver) }()

	deadline := time.After(3 * time.Second)
	for receiver.ClockSync().Samples() == 0 {
		select {
		case <-deadline:
			t.Fatal("no clock sample applied")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestSharedSecretGuardsStream(t *testing.T) {
	conn := startServer(t, "clock-secret")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cases := map[string]context.Context{
		"missing": ctx,
		"wrong":   WithSharedSecret(ctx, "nope"),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			err := Follow(c, conn, "eve", &collector{limit: 1, cancel: func() {}})
			if status.Code(err) != codes.Unauthenticated {
				t.Fatalf("expected Unauthenticated, got %v", err)
			}
		})
	}

	streamCtx, stop := context.WithCancel(WithSharedSecret(ctx, "clock-secret"))
	sink := &collector{limit: 1, cancel: stop}
	if err := Follow(streamCtx, conn, "alice", sink); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation with valid secret, got %v", err)
	}
}

func TestRawCodecRejectsForeignTypes(t *testing.T) {
	if _, err := (rawCodec{}).Marshal("text"); err == nil {
		t.Fatal("marshal accepted a string")
	}
	var f frame
	if err := (rawCodec{}).Unmarshal([]byte{1, 2}, &f); err != nil || len(f) != 2 {
		t.Fatalf("unmarshal: %v %v", f, err)
	}
}
