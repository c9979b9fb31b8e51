package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/orator/internal/config"
)

func TestStartDisabledReturnsNil(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Embedded = false
	srv, err := Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("Start = %v, %v; want nil, nil", srv, err)
	}
	srv.Shutdown()
}

func TestStartServesClients(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	srv, err := Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown()

	if srv.ClientURL() == "" {
		t.Fatal("empty client URL")
	}
	if !srv.ns.JetStreamEnabled() {
		t.Fatal("jetstream disabled")
	}
}
