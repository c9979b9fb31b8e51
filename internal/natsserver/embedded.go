// Package natsserver runs the in-process NATS server that carries session
// lifecycle events when no external bus is configured.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/orator/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	readyTimeout = 5 * time.Second
	// Lifecycle events are small JSON documents.
	maxPayload = 64 * 1024
)

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

func serverOptions(cfg config.BusConfig) *server.Options {
	return &server.Options{
		ServerName: "orator-embedded",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		MaxPayload: maxPayload,
		NoSigs:     true,
		NoLog:      true,
	}
}

// Start launches the server when cfg asks for embedded mode and returns nil
// otherwise. Port -1 picks a free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	ns, err := server.NewServer(serverOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	e := &EmbeddedServer{ns: ns, log: log.With(slog.String("component", "natsserver"))}
	e.log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", cfg.StoreDir),
		slog.Bool("jetstream", ns.JetStreamEnabled()))
	return e, nil
}

func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for client connections to drain.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("stopping embedded NATS server", slog.Int("connections", e.ns.NumClients()))
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
