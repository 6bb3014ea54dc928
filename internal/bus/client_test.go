package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/config"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/natsserver"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T) *Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, quietLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, quietLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	client := connect(t)
	if !client.Healthy() {
		t.Fatal("client should be healthy")
	}

	type ping struct {
		N int `json:"n"`
	}
	sub, err := client.Conn().Subscribe("test.ping", func(m *nats.Msg) {
		_ = m.Respond([]byte(`{"n":2}`))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out ping
	if err := client.Request(ctx, "test.ping", ping{N: 1}, &out); err != nil {
		t.Fatalf("request: %v", err)
	}
	if out.N != 2 {
		t.Fatalf("unexpected reply %+v", out)
	}

	if err := client.Publish("test.bad", func() {}); err == nil {
		t.Fatal("expected marshal error for unencodable payload")
	}
}

func TestNilClientIsUnhealthy(t *testing.T) {
	var c *Client
	if c.Healthy() {
		t.Fatal("nil client must not be healthy")
	}
	c.Close()
}
