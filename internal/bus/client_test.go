package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/orator/internal/config"
	"github.com/loqalabs/orator/internal/natsserver"
	"github.com/loqalabs/orator/internal/protocol"
)

func TestPublishReachesSubscriber(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	srv, err := natsserver.Start(cfg, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	defer srv.Shutdown()

	cfg.Servers = []string{srv.ClientURL()}
	cfg.SubjectPrefix = "test"
	client, err := Connect(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}
	if err := client.EnsureStream("TEST_EVENTS", time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}

	sub, err := client.Conn().SubscribeSync("test." + protocol.SubjectSessionStarted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	remaining := 2
	if err := client.Publish(protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID:        "s1",
		UserID:           7,
		CreditsRemaining: &remaining,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s1" || got.CreditsRemaining == nil || *got.CreditsRemaining != 2 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestNilClientDropsEvents(t *testing.T) {
	var c *Client
	if err := c.Publish("anything", map[string]string{}); err != nil {
		t.Fatalf("expected nil client to drop event, got %v", err)
	}
	if c.Healthy() {
		t.Fatalf("nil client must not be healthy")
	}
}
